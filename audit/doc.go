// Package audit persists what a receiver accepted: a JSON info record next
// to each installed file, and a timestamped line-oriented event log with an
// in-memory tail for dashboards.
package audit
