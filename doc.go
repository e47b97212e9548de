// Package weightxfer moves model-weight files between training nodes and a
// central aggregation server over plain TCP.
//
// Each transfer carries one file and a JSON metadata record. The receiver
// verifies the declared size and digest before it installs the file, and it
// keeps a timestamped backup of the version it replaced. The sender retries
// failed attempts with a fixed delay.
//
// # Getting Started
//
// A Node runs one deployment role from a configuration file:
//
//	cfg, err := config.Load("node.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	node, err := weightxfer.NewNode(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	err = node.Run(ctx)
//
// # Packages
//
// The protocol pieces live in their own packages and can be used directly:
//
//   - client: the sender, with retry, pair/batch sends and a reachability check
//   - receiver: the listener and per-connection receive state machine
//   - transport: frames, metadata, tokens, dialers
//   - digest: streaming file digests (sha256, blake2b-256, blake3)
//   - audit: the info record and audit log read by dashboards
//   - watch: an fsnotify FileSource that triggers sends on file rewrites
//
// # Security
//
// The channel is neither encrypted nor authenticated. Run it only on a
// trusted private network or overlay.
package weightxfer
