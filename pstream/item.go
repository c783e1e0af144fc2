package pstream

import (
	"bken/pulsed/ioadapter"
	"bken/pulsed/memblockq"
)

type itemKind int

const (
	itemPacket itemKind = iota
	itemMemblock
	itemShmRelease
	itemShmRevoke
)

// sendItem is the send queue element: one FIFO of every kind of item
// preserves the ordering guarantee that a release for block X is sent
// after any frame that referenced X earlier (spec §3 "Item", §5
// "Ordering guarantees").
type sendItem struct {
	kind  itemKind
	creds *ioadapter.Creds

	// itemPacket
	packet []byte

	// itemMemblock
	channel uint32
	offset  uint64
	seek    memblockq.SeekMode
	chunk   memblockq.MemChunk // one reference, released when the item is dropped

	// itemShmRelease / itemShmRevoke
	blockID uint32
}

func (it *sendItem) release() {
	if it.kind == itemMemblock && it.chunk.Block != nil {
		it.chunk.Block.Unref()
		it.chunk.Block = nil
	}
}

// splitMemblock breaks chunk into pieces of at most maxLen bytes, each
// holding its own reference to the underlying block. Only the first piece
// carries the caller's (offset, seek); later pieces are contiguous
// continuations (spec §4.5 "splitting into sub-items of at most one pool
// block each").
func splitMemblock(channel uint32, offset uint64, seek memblockq.SeekMode, chunk memblockq.MemChunk, maxLen int) []sendItem {
	if chunk.Length <= maxLen {
		chunk.Block.Ref()
		return []sendItem{{
			kind: itemMemblock, channel: channel, offset: offset, seek: seek, chunk: chunk,
		}}
	}

	var out []sendItem
	remaining := chunk.Length
	index := chunk.Index
	first := true
	for remaining > 0 {
		n := remaining
		if n > maxLen {
			n = maxLen
		}
		chunk.Block.Ref()
		piece := sendItem{
			kind:    itemMemblock,
			channel: channel,
			chunk:   memblockq.MemChunk{Block: chunk.Block, Index: index, Length: n},
		}
		if first {
			piece.offset, piece.seek = offset, seek
			first = false
		} else {
			piece.offset, piece.seek = 0, memblockq.SeekRelative
		}
		out = append(out, piece)
		index += n
		remaining -= n
	}
	return out
}

// itemQueue is a simple FIFO; the send queue rarely holds more than a
// handful of items, so a slice with an index into its front is simpler
// than a linked list (mirroring how small the original's queue stays in
// practice).
type itemQueue struct {
	items []sendItem
	front int
}

func (q *itemQueue) push(it sendItem) {
	q.items = append(q.items, it)
}

func (q *itemQueue) len() int { return len(q.items) - q.front }

func (q *itemQueue) empty() bool { return q.len() == 0 }

func (q *itemQueue) pop() (sendItem, bool) {
	if q.empty() {
		return sendItem{}, false
	}
	it := q.items[q.front]
	q.front++
	if q.front == len(q.items) {
		q.items = q.items[:0]
		q.front = 0
	}
	return it, true
}

// drain releases every queued item's resources without sending it, used
// when the stream dies (spec §4.5 Failure: "the send queue is drained
// without side effects").
func (q *itemQueue) drain() {
	for {
		it, ok := q.pop()
		if !ok {
			return
		}
		it.release()
	}
}
