// Package shm provides the shared-memory substrate that all engine
// components (the experiment main loop and per-language runners, which may
// live in separate OS processes) use to exchange columnar batches without
// copying.
//
// # Reading Guide
//
// Start with these three files to understand the substrate:
//   - segment.go: Segment, the ownership wrapper around one OS region
//   - markers.go: the fixed region layout (schema, header, metadata, data)
//   - metaversion.go: the two-counter handshake readers use to detect staleness
//
// # Layout
//
// Every segment has the same fixed region order:
//
//	[markers][schema][header][metadata][data]
//
// with 8-byte alignment padding between regions. The markers block records
// the offset and size of each region so that a process attaching by name can
// locate them without any out-of-band information. The header's first 8
// bytes always hold the persisted Metaversion.
//
// # Single-writer discipline
//
// Segments carry no in-memory lock. The surrounding message-passing protocol
// guarantees at most one writer at a time; the Metaversion handshake is how
// a reader discovers whether its mapping and its loaded batch metadata are
// current before touching the data region.
package shm
