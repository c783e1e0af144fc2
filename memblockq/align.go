package memblockq

import "bken/pulsed/mempool"

// aligner buffers a partial base-multiple remainder across PushAlign
// calls so callers can supply arbitrarily-sized chunks while every chunk
// actually pushed into the queue remains a multiple of base (spec §4.4
// push_align(); grounded on pa_mcalign_push/pop in the original
// implementation).
type aligner struct {
	base int
	pool *mempool.MemPool

	leftover    *mempool.MemBlock
	leftoverLen int
}

func newAligner(base int) *aligner {
	return &aligner{base: base}
}

// probeSize estimates how many bytes this push would actually spill into
// the queue, for the canPush capacity check — grounded on
// pa_mcalign_csize.
func (a *aligner) probeSize(length int) int {
	total := a.leftoverLen + length
	return total - (total % a.base)
}

// push feeds chunk's bytes through the accumulator and returns zero or
// more base-aligned chunks ready to hand to (*MemBlockQ).Push. Each
// returned chunk holds one reference that the caller must release (Push
// takes its own).
func (a *aligner) push(chunk MemChunk) []MemChunk {
	if a.pool == nil {
		a.pool = chunk.Block.Pool()
	}

	var out []MemChunk
	data := chunk.Block.Acquire()[chunk.Index : chunk.Index+chunk.Length]
	consumed := 0

	if a.leftoverLen > 0 {
		need := a.base - a.leftoverLen
		n := need
		if n > len(data) {
			n = len(data)
		}
		copy(a.leftover.Acquire()[a.leftoverLen:], data[:n])
		a.leftoverLen += n
		consumed += n

		if a.leftoverLen == a.base {
			out = append(out, MemChunk{Block: a.leftover, Index: 0, Length: a.base})
			a.leftover = nil
			a.leftoverLen = 0
		} else {
			return out
		}
	}

	remaining := data[consumed:]
	whole := len(remaining) - (len(remaining) % a.base)
	if whole > 0 {
		out = append(out, MemChunk{
			Block:  chunk.Block.Ref(),
			Index:  chunk.Index + consumed,
			Length: whole,
		})
		consumed += whole
	}

	if rest := data[consumed:]; len(rest) > 0 {
		a.leftover = a.pool.AllocateAppended(a.base)
		a.leftoverLen = copy(a.leftover.Acquire(), rest)
	}

	return out
}

// PushAlign is Push, except it filters chunk through the alignment
// accumulator first so the caller may supply lengths that are not
// multiples of base; base==1 makes it identical to Push.
func (q *MemBlockQ) PushAlign(chunk MemChunk) error {
	if q.base == 1 {
		return q.Push(chunk)
	}
	if q.aligner == nil {
		q.aligner = newAligner(q.base)
	}

	if !q.canPush(q.aligner.probeSize(chunk.Length)) {
		return ErrQueueFull
	}

	pieces := q.aligner.push(chunk)
	for _, p := range pieces {
		err := q.Push(p)
		p.Block.Unref()
		if err != nil {
			return err
		}
	}
	return nil
}
