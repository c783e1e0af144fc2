package memblockq

import (
	"testing"

	"bken/pulsed/mempool"
)

func testPool(t *testing.T) *mempool.MemPool {
	t.Helper()
	p, err := mempool.New(false, 16, 256)
	if err != nil {
		t.Fatalf("mempool.New: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func chunkOf(t *testing.T, p *mempool.MemPool, content string) MemChunk {
	t.Helper()
	b := p.AllocateAppended(len(content))
	copy(b.Acquire(), content)
	return MemChunk{Block: b, Index: 0, Length: len(content)}
}

// TestPrebufHoldsUntilEnoughBuffered exercises the simplest prebuf case:
// with prebuf=4 and only 2 bytes pushed, Peek must refuse to return data
// (spec §4.4 peek(): "If in prebuf ... returns not ready").
func TestPrebufHoldsUntilEnoughBuffered(t *testing.T) {
	q, err := New(0, 16, 8, 2, 4, 2, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()
	p := testPool(t)

	if err := q.Push(chunkOf(t, p, "ab")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if _, err := q.Peek(); err != ErrNotReady {
		t.Fatalf("Peek with 2/4 bytes buffered: got %v, want ErrNotReady", err)
	}
}

// TestJitterGapAndPrebuf pushes two chunks with a gap between them (via
// Seek), crosses the prebuf threshold, then drains: it should see the
// first real chunk, a no-silence-configured gap placeholder, the second
// real chunk, and finally re-enter prebuf once empty (spec §4.4, §8
// scenario (d): prebuf + gap + drain).
func TestJitterGapAndPrebuf(t *testing.T) {
	q, err := New(0, 16, 8, 2, 4, 2, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()
	p := testPool(t)

	if err := q.Push(chunkOf(t, p, "ab")); err != nil {
		t.Fatalf("Push 1: %v", err)
	}
	q.Seek(4, SeekRelative)
	if err := q.Push(chunkOf(t, p, "cd")); err != nil {
		t.Fatalf("Push 2: %v", err)
	}
	if q.WriteIndex() != 8 {
		t.Fatalf("write_index = %d, want 8", q.WriteIndex())
	}

	// Length (write_index - read_index) is 8 >= prebuf(4): prebuf clears
	// even though a gap sits in the middle of the buffered range.
	c, err := q.Peek()
	if err != nil {
		t.Fatalf("Peek (first real chunk): %v", err)
	}
	if c.Block == nil || c.Length != 2 {
		t.Fatalf("first peek = %+v, want the [0,2) chunk", c)
	}
	c.Block.Unref()
	if err := q.Drop(2); err != nil {
		t.Fatalf("Drop: %v", err)
	}

	// read_index=2 now sits in the gap before the second chunk at index 6.
	c, err = q.Peek()
	if err != nil {
		t.Fatalf("Peek (gap): %v", err)
	}
	if c.Block != nil || c.Length != 4 {
		t.Fatalf("gap peek = %+v, want nil-block placeholder of length 4", c)
	}
	if err := q.Drop(4); err != nil {
		t.Fatalf("Drop (gap): %v", err)
	}

	c, err = q.Peek()
	if err != nil {
		t.Fatalf("Peek (second real chunk): %v", err)
	}
	if c.Block == nil || c.Length != 2 {
		t.Fatalf("second peek = %+v, want the [6,8) chunk", c)
	}
	c.Block.Unref()
	if err := q.Drop(2); err != nil {
		t.Fatalf("Drop: %v", err)
	}

	if _, err := q.Peek(); err != ErrNotReady {
		t.Fatalf("Peek once drained: got %v, want ErrNotReady (re-armed prebuf)", err)
	}
}

// TestUnderrunThenGapFill matches spec §8 scenario (e): with prebuf
// disabled, an empty queue reports no data, and a subsequent push placed
// past a seek leaves a silence gap ahead of the new chunk.
func TestUnderrunThenGapFill(t *testing.T) {
	q, err := New(0, 16, 8, 2, 0, 2, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()
	p := testPool(t)

	if err := q.Push(chunkOf(t, p, "abcd")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := q.Drop(4); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if _, err := q.Peek(); err != ErrNoData {
		t.Fatalf("Peek on empty/no-silence queue: got %v, want ErrNoData", err)
	}

	q.Seek(2, SeekRelative)
	if err := q.Push(chunkOf(t, p, "wxyz")); err != nil {
		t.Fatalf("Push after seek: %v", err)
	}

	c, err := q.Peek()
	if err != nil {
		t.Fatalf("Peek (silence gap): %v", err)
	}
	if c.Block != nil || c.Length != 2 {
		t.Fatalf("gap peek = %+v, want nil-block placeholder of length 2", c)
	}
	if err := q.Drop(2); err != nil {
		t.Fatalf("Drop: %v", err)
	}

	c, err = q.Peek()
	if err != nil {
		t.Fatalf("Peek (real data): %v", err)
	}
	if c.Block == nil || c.Length != 4 {
		t.Fatalf("data peek = %+v, want the 4-byte chunk", c)
	}
	got := string(c.Block.Acquire()[c.Index : c.Index+c.Length])
	if got != "wxyz" {
		t.Fatalf("data = %q, want wxyz", got)
	}
	c.Block.Unref()
}

func TestPeekReturnsSilenceBlockWhenConfigured(t *testing.T) {
	p := testPool(t)
	silence := p.AllocateAppended(8)

	q, err := New(0, 16, 8, 2, 0, 2, silence)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()
	silence.Unref() // New took its own reference

	q.Seek(4, SeekRelative)
	if err := q.Push(chunkOf(t, p, "xx")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	c, err := q.Peek()
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if c.Block == nil || c.Length != 4 {
		t.Fatalf("silence peek = %+v, want 4 bytes of the silence block", c)
	}
	c.Block.Unref()
}

func TestPushRejectsMisalignedLength(t *testing.T) {
	q, err := New(0, 16, 8, 4, 0, 4, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()
	p := testPool(t)

	if err := q.Push(chunkOf(t, p, "abc")); err != ErrMisaligned {
		t.Fatalf("Push 3-byte chunk with base 4: got %v, want ErrMisaligned", err)
	}
}

func TestPushRejectsOverflowPastMaxlength(t *testing.T) {
	q, err := New(0, 4, 4, 2, 0, 2, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()
	p := testPool(t)

	if err := q.Push(chunkOf(t, p, "abcd")); err != nil {
		t.Fatalf("Push within maxlength: %v", err)
	}
	if err := q.Push(chunkOf(t, p, "ef")); err != ErrQueueFull {
		t.Fatalf("Push past maxlength: got %v, want ErrQueueFull", err)
	}
}

func TestMissingAndPopMissingCredit(t *testing.T) {
	q, err := New(0, 16, 8, 2, 0, 2, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()
	p := testPool(t)

	if got := q.Missing(); got != 8 {
		t.Fatalf("Missing at construction = %d, want tlength 8", got)
	}

	credit := q.PopMissing()
	if credit != 8 {
		t.Fatalf("PopMissing = %d, want 8", credit)
	}
	if q.PopMissing() != 0 {
		t.Fatal("PopMissing should return 0 once drained")
	}

	if err := q.Push(chunkOf(t, p, "abcd")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	// 4 bytes arrived against 8 bytes of outstanding "requested" credit, so
	// the popped credit counter absorbs them and stays at 0 instead of going
	// negative; Missing() reports tlength minus the 4 buffered bytes.
	if q.Missing() != 8-4 {
		t.Fatalf("Missing after 4 bytes arrived = %d, want 4", q.Missing())
	}
}

func TestOverlappingPushTruncatesAndSplits(t *testing.T) {
	q, err := New(0, 32, 16, 2, 0, 2, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()
	p := testPool(t)

	if err := q.Push(chunkOf(t, p, "AAAAAAAA")); err != nil { // [0,8)
		t.Fatalf("Push base: %v", err)
	}
	q.Seek(0, SeekAbsolute)
	if err := q.Push(chunkOf(t, p, "bb")); err != nil { // overwrite [0,2)
		t.Fatalf("Push overwrite front: %v", err)
	}
	q.Seek(4, SeekAbsolute)
	if err := q.Push(chunkOf(t, p, "cc")); err != nil { // overwrite [4,6), splitting the original block
		t.Fatalf("Push overwrite middle: %v", err)
	}

	q.Seek(8, SeekAbsolute) // back to the end, ready to read from 0
	c, _ := q.Peek()
	if c.Length != 2 {
		t.Fatalf("head chunk length = %d, want 2 (overwritten front)", c.Length)
	}
	c.Block.Unref()
}
