// Package main provides the weightxfer command-line tool.
//
// The tool sends model weight files to a receiver, runs a receiver, or runs
// a complete node that receives and forwards files as configured:
//
//	weightxfer send -server 10.0.0.5:9000 local_model.h5 model
//	weightxfer send-pair -server 10.0.0.5:9000 local_model.h5 metadata.json
//	weightxfer receive -role aggregator -port 9000 -dir ./incoming
//	weightxfer run -config node.yaml
//	weightxfer ping -server 10.0.0.5:9000
//	weightxfer info global_model_info.json
//
// Every subcommand accepts -config to load a YAML file; flags given on the
// command line override values from the file.
package main
