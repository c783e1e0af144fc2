package memblockq

import (
	"fmt"

	"bken/pulsed/mempool"
)

// DefaultPrebuf requested as the prebuf argument to New asks for the
// default of tlength/2, mirroring the original's (size_t)-1 sentinel.
const DefaultPrebuf = -1

// entry is one node of the queue's doubly-linked, index-ordered run of
// chunks. Freed entries go back onto MemBlockQ.freelist for reuse, the Go
// equivalent of the original's static pa_flist of list_items.
type entry struct {
	prev, next *entry
	index      int64
	chunk      MemChunk
}

// MemBlockQ is a sparse, seekable jitter buffer: a producer pushes chunks
// at arbitrary (possibly overlapping, possibly gapped) write offsets and a
// consumer reads sequentially from read_index, receiving silence across
// gaps (spec §4.4).
type MemBlockQ struct {
	head, tail *entry
	nEntries   int
	freelist   []*entry

	base                              int
	maxlength, tlength, prebuf, minreq int
	readIndex, writeIndex             int64

	inPrebuf bool
	silence  *mempool.MemBlock

	missing   int64
	requested int

	aligner *aligner
}

func roundUp(n, base int) int {
	if n <= 0 {
		return 0
	}
	return ((n + base - 1) / base) * base
}

func roundDown(n, base int) int {
	if n <= 0 {
		return 0
	}
	return (n / base) * base
}

// New creates a queue whose read and write indices both start at idx.
// maxlength, tlength, prebuf and minreq are all rounded to multiples of
// base; tlength defaults to maxlength if zero or too large, prebuf
// defaults to tlength/2 when passed DefaultPrebuf, and minreq is clamped
// to at most tlength-prebuf and at least 1 (spec §4.4 new()).
func New(idx int64, maxlength, tlength, base, prebuf, minreq int, silence *mempool.MemBlock) (*MemBlockQ, error) {
	if base <= 0 {
		return nil, fmt.Errorf("memblockq: base must be positive, got %d", base)
	}
	if maxlength < base {
		return nil, fmt.Errorf("memblockq: maxlength %d must be >= base %d", maxlength, base)
	}

	q := &MemBlockQ{base: base, readIndex: idx, writeIndex: idx}

	q.maxlength = roundUp(maxlength, base)

	q.tlength = roundUp(tlength, base)
	if q.tlength <= 0 || q.tlength > q.maxlength {
		q.tlength = q.maxlength
	}

	if prebuf == DefaultPrebuf {
		q.prebuf = q.tlength / 2
	} else {
		q.prebuf = prebuf
	}
	q.prebuf = roundUp(q.prebuf, base)
	if q.prebuf > q.maxlength {
		q.prebuf = q.maxlength
	}

	q.minreq = roundDown(minreq, base)
	if q.minreq > q.tlength-q.prebuf {
		q.minreq = q.tlength - q.prebuf
	}
	if q.minreq <= 0 {
		q.minreq = 1
	}

	q.inPrebuf = q.prebuf > 0
	if silence != nil {
		q.silence = silence.Ref()
	}
	q.missing = int64(q.tlength)

	logger.Debug("queue created",
		"maxlength", q.maxlength, "tlength", q.tlength, "base", q.base,
		"prebuf", q.prebuf, "minreq", q.minreq)

	return q, nil
}

func (q *MemBlockQ) newEntry() *entry {
	if n := len(q.freelist); n > 0 {
		e := q.freelist[n-1]
		q.freelist = q.freelist[:n-1]
		*e = entry{}
		return e
	}
	return &entry{}
}

func (q *MemBlockQ) dropEntry(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		q.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		q.tail = e.prev
	}

	e.chunk.Block.Unref()
	q.nEntries--

	e.prev, e.next, e.chunk = nil, nil, MemChunk{}
	q.freelist = append(q.freelist, e)
}

// canPush reports whether a push of l additional bytes at the current
// write_index would keep the queue within maxlength of read_index,
// accounting for data that would be silently dropped due to underrun
// first (grounded on can_push in the original implementation).
func (q *MemBlockQ) canPush(l int) bool {
	if q.readIndex > q.writeIndex {
		d := int(q.readIndex - q.writeIndex)
		if l > d {
			l -= d
		} else {
			return true
		}
	}

	var end int64
	if q.tail != nil {
		end = q.tail.index + int64(q.tail.chunk.Length)
	}

	if q.writeIndex+int64(l) > end {
		if q.writeIndex+int64(l)-q.readIndex > int64(q.maxlength) {
			return false
		}
	}
	return true
}

func creditAfterPush(requested *int, missing *int64, old, newIdx int64) {
	delta := newIdx - old
	if delta >= int64(*requested) {
		delta -= int64(*requested)
		*requested = 0
	} else {
		*requested -= int(delta)
		delta = 0
	}
	*missing -= delta
}

// creditAfterSeek applies the same credit bookkeeping as creditAfterPush
// except it tolerates write_index moving backward (delta < 0), which push
// never does but Seek and Flush can.
func creditAfterSeek(requested *int, missing *int64, old, newIdx int64) {
	delta := newIdx - old
	if delta >= int64(*requested) {
		delta -= int64(*requested)
		*requested = 0
	} else if delta >= 0 {
		*requested -= int(delta)
		delta = 0
	}
	*missing -= delta
}

// Push inserts chunk at the current write_index, which then advances by
// chunk.Length. Overlapping existing entries are skipped, dropped,
// truncated or split as needed; a physically-contiguous run in the same
// MemBlock is coalesced with its predecessor (spec §4.4 push()).
func (q *MemBlockQ) Push(chunk MemChunk) error {
	if chunk.Block == nil || chunk.Length <= 0 {
		return fmt.Errorf("memblockq: invalid chunk")
	}
	if chunk.Index+chunk.Length > chunk.Block.Length() {
		return fmt.Errorf("memblockq: chunk [%d,%d) exceeds block length %d", chunk.Index, chunk.Index+chunk.Length, chunk.Block.Length())
	}
	if chunk.Length%q.base != 0 {
		return ErrMisaligned
	}
	if !q.canPush(chunk.Length) {
		return ErrQueueFull
	}

	old := q.writeIndex

	if q.readIndex > q.writeIndex {
		d := q.readIndex - q.writeIndex
		if int64(chunk.Length) > d {
			chunk.Index += int(d)
			chunk.Length -= int(d)
			q.writeIndex += d
		} else {
			q.writeIndex += int64(chunk.Length)
			creditAfterPush(&q.requested, &q.missing, old, q.writeIndex)
			return nil
		}
	}

	q.insert(chunk)
	creditAfterPush(&q.requested, &q.missing, old, q.writeIndex)
	return nil
}

// insert walks the entry list from the tail looking for where chunk
// belongs, dropping or splitting whatever it overwrites along the way
// (grounded on the walk in pa_memblockq_push).
func (q *MemBlockQ) insert(chunk MemChunk) {
	e := q.tail
	for e != nil {
		switch {
		case q.writeIndex >= e.index+int64(e.chunk.Length):
			// Found the entry this one goes immediately after.
			goto placed

		case q.writeIndex+int64(chunk.Length) <= e.index:
			// Untouched; keep walking toward the front.
			e = e.prev

		case q.writeIndex <= e.index && q.writeIndex+int64(chunk.Length) >= e.index+int64(e.chunk.Length):
			// Fully replaced.
			p := e
			e = e.prev
			q.dropEntry(p)

		case q.writeIndex >= e.index:
			// write_index lands inside this entry: truncate or split it.
			if q.writeIndex+int64(chunk.Length) < e.index+int64(e.chunk.Length) {
				tail := q.newEntry()
				tail.chunk = e.chunk
				tail.chunk.Block.Ref()

				d := int(q.writeIndex + int64(chunk.Length) - e.index)
				tail.index = e.index + int64(d)
				tail.chunk.Index += d
				tail.chunk.Length -= d

				tail.prev = e
				tail.next = e.next
				if e.next != nil {
					e.next.prev = tail
				} else {
					q.tail = tail
				}
				e.next = tail
				q.nEntries++
			}

			if newLen := int(q.writeIndex - e.index); newLen == 0 {
				p := e
				e = e.prev
				q.dropEntry(p)
			} else {
				e.chunk.Length = newLen
			}
			goto placed

		default:
			// Overwrites the tail end of this entry: drop its front.
			d := int(q.writeIndex + int64(chunk.Length) - e.index)
			e.index += int64(d)
			e.chunk.Index += d
			e.chunk.Length -= d
			e = e.prev
		}
	}

placed:
	if e != nil &&
		e.chunk.Block == chunk.Block &&
		e.chunk.Index+e.chunk.Length == chunk.Index &&
		q.writeIndex == e.index+int64(e.chunk.Length) {

		e.chunk.Length += chunk.Length
		q.writeIndex += int64(chunk.Length)
		return
	}

	n := q.newEntry()
	n.chunk = chunk
	n.chunk.Block.Ref()
	n.index = q.writeIndex
	q.writeIndex += int64(chunk.Length)

	if e != nil {
		n.next = e.next
	} else {
		n.next = q.head
	}
	n.prev = e

	if n.next != nil {
		n.next.prev = n
	} else {
		q.tail = n
	}
	if n.prev != nil {
		n.prev.next = n
	} else {
		q.head = n
	}
	q.nEntries++
}

func (q *MemBlockQ) checkPrebuf() bool {
	if q.inPrebuf {
		if q.Length() < q.prebuf {
			return true
		}
		q.inPrebuf = false
		return false
	}
	if q.prebuf > 0 && q.readIndex >= q.writeIndex {
		q.inPrebuf = true
		return true
	}
	return false
}

// Length reports the number of readable bytes currently buffered:
// write_index - read_index, or 0 if that would be negative.
func (q *MemBlockQ) Length() int {
	if q.writeIndex <= q.readIndex {
		return 0
	}
	return int(q.writeIndex - q.readIndex)
}

// Peek returns the chunk starting at read_index without consuming it.
// While prebuffering it returns ErrNotReady; across a gap with no entries
// yet at read_index it returns a silence chunk; with no silence block
// configured it returns a chunk with a nil Block spanning the gap, or
// ErrNoData if the queue holds no entries at all. Otherwise it
// returns a new reference to the head entry's chunk (spec §4.4 peek()).
func (q *MemBlockQ) Peek() (MemChunk, error) {
	if q.checkPrebuf() {
		return MemChunk{}, ErrNotReady
	}

	if q.head == nil || q.head.index > q.readIndex {
		length := 0
		if q.head != nil {
			length = int(q.head.index - q.readIndex)
		}

		if q.silence != nil {
			sl := q.silence.Length()
			if length == 0 || length > sl {
				length = sl
			}
			return MemChunk{Block: q.silence.Ref(), Index: 0, Length: length}, nil
		}

		if q.head == nil {
			return MemChunk{}, ErrNoData
		}
		return MemChunk{Block: nil, Index: 0, Length: length}, nil
	}

	c := q.head.chunk
	c.Block.Ref()
	return c, nil
}

// Drop advances read_index by length, consuming and freeing whatever
// entries that crosses, splitting the head entry if only part of it is
// consumed. It refuses to drop while prebuffering, re-checking on every
// step since dropping can itself leave the queue empty mid-loop (spec
// §4.4 drop()).
func (q *MemBlockQ) Drop(length int) error {
	if length < 0 || length%q.base != 0 {
		return ErrMisaligned
	}
	if length == 0 {
		return nil
	}

	old := q.readIndex
	for length > 0 {
		if q.checkPrebuf() {
			break
		}

		if q.head == nil {
			q.readIndex += int64(length)
			break
		}

		d := int(q.head.index - q.readIndex)
		if d >= length {
			q.readIndex += int64(length)
			break
		}
		length -= d
		q.readIndex += int64(d)

		if q.head.chunk.Length <= length {
			length -= q.head.chunk.Length
			q.readIndex += int64(q.head.chunk.Length)
			q.dropEntry(q.head)
		} else {
			q.head.chunk.Index += length
			q.head.chunk.Length -= length
			q.head.index += int64(length)
			q.readIndex += int64(length)
			break
		}
	}

	q.missing += q.readIndex - old
	return nil
}

// IsReadable reports whether the queue is out of prebuffering and has at
// least one byte between read_index and write_index. An empty queue
// reports false even when a silence block is configured.
func (q *MemBlockQ) IsReadable() bool {
	if q.checkPrebuf() {
		return false
	}
	return q.Length() > 0
}

// Missing returns how many bytes a producer should supply to bring the
// queue up to tlength, or 0 if that amount is below minreq (spec §4.4
// missing()).
func (q *MemBlockQ) Missing() int {
	l := q.Length()
	if l >= q.tlength {
		return 0
	}
	l = q.tlength - l
	if l >= q.minreq {
		return l
	}
	return 0
}

// PopMissing returns the positive credit accumulated since the last call
// and resets it to zero, moving the same amount into requested so a
// concurrent push's credit bookkeeping does not double-count it (spec
// §4.4 pop_missing()).
func (q *MemBlockQ) PopMissing() int {
	if q.missing <= 0 {
		return 0
	}
	l := int(q.missing)
	q.missing = 0
	q.requested += l
	return l
}

// Seek repositions write_index according to mode (spec §4.4 seek()).
func (q *MemBlockQ) Seek(offset int64, mode SeekMode) {
	old := q.writeIndex

	switch mode {
	case SeekRelative:
		q.writeIndex += offset
	case SeekAbsolute:
		q.writeIndex = offset
	case SeekRelativeOnRead:
		q.writeIndex = q.readIndex + offset
	case SeekRelativeEnd:
		end := q.readIndex
		if q.tail != nil {
			end = q.tail.index + int64(q.tail.chunk.Length)
		}
		q.writeIndex = end + offset
	default:
		logger.Warn("Seek: unknown mode", "mode", mode)
		return
	}

	creditAfterSeek(&q.requested, &q.missing, old, q.writeIndex)
}

// Flush drops every entry and resets write_index to read_index, then
// re-arms prebuffering if configured (spec §4.4 flush()).
func (q *MemBlockQ) Flush() {
	for q.head != nil {
		q.dropEntry(q.head)
	}

	old := q.writeIndex
	q.writeIndex = q.readIndex
	q.PrebufForce()

	creditAfterSeek(&q.requested, &q.missing, old, q.writeIndex)
}

// Shorten drops bytes from the front of the queue until its length no
// longer exceeds the given length.
func (q *MemBlockQ) Shorten(length int) {
	if l := q.Length(); l > length {
		q.Drop(l - length)
	}
}

// PrebufDisable leaves prebuffering mode immediately, regardless of
// whether enough data has accumulated.
func (q *MemBlockQ) PrebufDisable() { q.inPrebuf = false }

// PrebufForce re-enters prebuffering mode if prebuf > 0 and the queue is
// not already prebuffering.
func (q *MemBlockQ) PrebufForce() {
	if !q.inPrebuf && q.prebuf > 0 {
		q.inPrebuf = true
	}
}

// ReadIndex, WriteIndex, MaxLength, TLength, Prebuf and MinReq expose the
// queue's current bookkeeping for diagnostics and protocol glue.
func (q *MemBlockQ) ReadIndex() int64  { return q.readIndex }
func (q *MemBlockQ) WriteIndex() int64 { return q.writeIndex }
func (q *MemBlockQ) MaxLength() int    { return q.maxlength }
func (q *MemBlockQ) TLength() int      { return q.tlength }
func (q *MemBlockQ) Prebuf() int       { return q.prebuf }
func (q *MemBlockQ) MinReq() int       { return q.minreq }

// Close releases every buffered entry and the configured silence block.
// The queue must not be used afterward.
func (q *MemBlockQ) Close() {
	for q.head != nil {
		q.dropEntry(q.head)
	}
	if q.silence != nil {
		q.silence.Unref()
		q.silence = nil
	}
}
