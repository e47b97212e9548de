// Package testing provides scripted protocol peers for deterministic tests of
// the weightxfer client and receiver.
//
// # Overview
//
// The fakes speak the real wire protocol over loopback TCP but let a test
// dictate every decision a well-behaved peer would make on its own:
//
//   - ScriptedReceiver accepts connections and answers with configured
//     tokens, optionally reading only part of the payload or closing early.
//     It keeps a delivery log for verification.
//
//   - RawSender writes a metadata frame and payload directly, and can
//     truncate the payload, flip a bit, or lie about the declared size or
//     digest to provoke receiver-side rejections.
//
//   - RefusingAddr returns a loopback address with no listener, for retry
//     exhaustion tests.
//
// # Usage
//
//	fake, err := testing.NewScriptedReceiver(testing.Script{
//	    Ack:   transport.TokenReady,
//	    Final: transport.TokenHashMismatch,
//	})
//	defer fake.Close()
//
//	c, _ := client.New(fake.Addr(), opts)
//	_, err = c.Send(ctx, path, "model")
//
//	log := fake.Deliveries()
//
// Import it under an alias (for example xfertest) in test files that also
// import the standard testing package.
//
// # Thread Safety
//
// All methods on ScriptedReceiver are safe for concurrent use. Each
// connection is served on its own goroutine.
package testing
