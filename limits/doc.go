// Package limits provides centralized size constants and validation functions
// for the weight transfer protocol. Both the sending client and the receiving
// server validate against the same numbers.
//
// # Size Hierarchy
//
//   - DefaultChunkSize (8 KiB): the payload is streamed in chunks of this size.
//
//   - MinChunkSize / MaxChunkSize: the range accepted from configuration.
//
//   - MaxMetadataFrame (64 KiB): the largest length prefix a receiver will
//     honour before allocating the metadata buffer. A peer that announces a
//     larger frame is dropped without reading further.
//
//   - MaxTokenLength (64 bytes): acknowledgement tokens are short ASCII
//     strings; anything longer is a protocol violation.
//
// # Validation Functions
//
//	if err := limits.ValidateMetadataFrame(length); err != nil {
//	    // ErrFrameEmpty or ErrFrameTooLarge
//	}
//
//	if err := limits.ValidateChunkSize(cfg.ChunkSize); err != nil {
//	    // ErrChunkSize
//	}
//
// # Security Considerations
//
// The length prefix comes from an unauthenticated peer. Every receiver must
// validate it before allocating.
package limits
