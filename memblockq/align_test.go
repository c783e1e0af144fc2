package memblockq

import "testing"

// TestPushAlignSpillsBaseSizedPieces feeds chunks whose lengths are not
// multiples of base and checks that PushAlign still only ever advances
// write_index by base-aligned amounts, carrying the remainder across
// calls (spec §4.4 push_align()).
func TestPushAlignSpillsBaseSizedPieces(t *testing.T) {
	q, err := New(0, 64, 32, 4, 0, 4, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()
	p := testPool(t)

	if err := q.PushAlign(chunkOf(t, p, "abc")); err != nil { // 3 bytes, base 4: nothing spills yet
		t.Fatalf("PushAlign 1: %v", err)
	}
	if q.WriteIndex() != 0 {
		t.Fatalf("write_index after 3/4 bytes = %d, want 0", q.WriteIndex())
	}

	if err := q.PushAlign(chunkOf(t, p, "de")); err != nil { // completes one 4-byte piece, 1 byte left over
		t.Fatalf("PushAlign 2: %v", err)
	}
	if q.WriteIndex() != 4 {
		t.Fatalf("write_index after one spilled piece = %d, want 4", q.WriteIndex())
	}

	c, err := q.Peek()
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	got := string(c.Block.Acquire()[c.Index : c.Index+c.Length])
	if got != "abcd" {
		t.Fatalf("spilled chunk = %q, want abcd", got)
	}
	c.Block.Unref()

	if err := q.PushAlign(chunkOf(t, p, "fghij")); err != nil { // 1 leftover + 5 = 6 -> one more 4-byte piece, 2 left over
		t.Fatalf("PushAlign 3: %v", err)
	}
	if q.WriteIndex() != 8 {
		t.Fatalf("write_index after second spilled piece = %d, want 8", q.WriteIndex())
	}
}

func TestPushAlignBaseOneIsPlainPush(t *testing.T) {
	q, err := New(0, 16, 8, 1, 0, 1, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()
	p := testPool(t)

	if err := q.PushAlign(chunkOf(t, p, "x")); err != nil {
		t.Fatalf("PushAlign: %v", err)
	}
	if q.WriteIndex() != 1 {
		t.Fatalf("write_index = %d, want 1", q.WriteIndex())
	}
}
