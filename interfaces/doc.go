// Package interfaces defines the contracts between the transfer core and the
// subsystems around it: the export pipeline that produces files, the
// dashboard and logs that consume transfer status, and the orchestration code
// that starts and stops the receiver.
//
// # Contracts
//
//   - FileSource: a stream of (path, file type) pairs to send
//   - StatusSink: receives a StatusEvent per state change and per progress step
//   - ReceiverController: Start / Stop / IsRunning / Addr
//
// Implementations live elsewhere: status provides sinks, watch provides a
// FileSource, receiver.Server satisfies ReceiverController.
//
// # Status Events
//
// A transfer reports StatusStarted, zero or more StatusProgress (and, on the
// sending side, StatusRetrying) events, then exactly one terminal status:
// StatusSucceeded, StatusFailed or StatusRejected. StatusRejected is reserved
// for protocol misuse (an unsupported file type) that retrying cannot fix.
package interfaces
