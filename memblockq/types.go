// Package memblockq implements a sparse, seekable jitter buffer over
// sequences of (index, MemChunk) entries: out-of-order and gapped writes
// at arbitrary write offsets, sequential reads with prebuffering, and
// credit-based flow control for producers (spec §4.4).
package memblockq

import "bken/pulsed/mempool"

// SeekMode selects how an offset passed to Seek is interpreted.
type SeekMode int

const (
	// SeekRelative moves write_index by offset bytes.
	SeekRelative SeekMode = iota
	// SeekAbsolute sets write_index to offset.
	SeekAbsolute
	// SeekRelativeOnRead sets write_index to read_index+offset.
	SeekRelativeOnRead
	// SeekRelativeEnd sets write_index to offset past the later of
	// read_index and the tail entry's end.
	SeekRelativeEnd
)

func (m SeekMode) String() string {
	switch m {
	case SeekRelative:
		return "relative"
	case SeekAbsolute:
		return "absolute"
	case SeekRelativeOnRead:
		return "relative-on-read"
	case SeekRelativeEnd:
		return "relative-end"
	default:
		return "unknown"
	}
}

// MemChunk is a window (block, index, length) into a MemBlock, the unit
// both MemBlockQ entries and PStream send items traffic in (spec §3).
type MemChunk struct {
	Block  *mempool.MemBlock
	Index  int
	Length int
}
