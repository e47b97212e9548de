// Package transport implements the wire format shared by the transfer client
// and the receiver.
//
// # Wire Format
//
// One connection carries exactly one transfer:
//
//	Client -> Server: [4-byte big-endian length L][L bytes UTF-8 JSON metadata]
//	Server -> Client: "READY" | "INVALID_TYPE" | "ERROR"
//	Client -> Server: file_size bytes of raw payload
//	Server -> Client: "SUCCESS" | "SIZE_MISMATCH" | "HASH_MISMATCH" | "ERROR"
//
// Tokens are unframed ASCII. ReadToken reassembles a token split across
// segments because no token is a prefix of another.
//
// # Metadata
//
//	meta := transport.NewMetadata("model", path, size, sum, "nodeA", time.Now())
//	if err := transport.WriteMetadata(conn, meta); err != nil {
//	    return err
//	}
//
// Receivers call ReadMetadata followed by Metadata.Validate. Frames longer
// than limits.MaxMetadataFrame are refused before allocation.
//
// # Connections
//
// NewIdleTimeoutConn bounds inactivity on each Read and Write. NewDialer
// returns a plain net.Dialer or a SOCKS5 dialer built on golang.org/x/net/proxy.
//
// # Security
//
// The channel is neither encrypted nor authenticated. node_id and sender are
// informational. Deployments beyond a trusted private network need transport
// security layered underneath.
package transport
