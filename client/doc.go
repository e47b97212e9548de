// Package client implements the sending side of the transfer protocol.
//
// A Client sends one file per Send call: it hashes the file once, then per
// attempt dials the receiver, writes the metadata frame, waits for READY,
// streams exactly file_size bytes and waits for the final token. Failed
// attempts are retried after a fixed delay, except when the receiver rejected
// the file type or the source file has disappeared.
//
// Example:
//
//	c, err := client.New("10.8.0.1:9000", client.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := c.Send(ctx, "local_model.h5", "model")
//
// A Client runs one transfer at a time; use several clients for parallel sends.
package client
