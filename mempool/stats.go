package mempool

import "sync/atomic"

// kindCount is the number of Kind values, used to size per-kind arrays.
const kindCount = int(KindImported) + 1

// Stats tracks pool-wide allocation counters. Every field is updated with
// plain atomic adds and read independently of the others, so a concurrent
// snapshot can observe counters that are individually correct but not
// mutually consistent at a single instant (spec §4.1: "statistics are
// maintained on a best-effort, eventually-consistent basis"). Nothing in
// pulsed makes a correctness decision based on Stats; it exists for
// diagnostics only.
type Stats struct {
	nAllocated      atomic.Int64
	nAccumulated    atomic.Int64
	allocatedSize   atomic.Int64
	accumulatedSize atomic.Int64

	nAllocatedByType   [kindCount]atomic.Int64
	nAccumulatedByType [kindCount]atomic.Int64

	nImported     atomic.Int64
	importedSize  atomic.Int64
	nPoolFull     atomic.Int64
	nTooLargeSize atomic.Int64
}

// Snapshot is a point-in-time, non-atomic copy of Stats suitable for
// logging or serving over the diagnostics endpoint.
type Snapshot struct {
	NAllocated      int64
	NAccumulated    int64
	AllocatedSize   int64
	AccumulatedSize int64

	NAllocatedByType   [kindCount]int64
	NAccumulatedByType [kindCount]int64

	NImported     int64
	ImportedSize  int64
	NPoolFull     int64
	NTooLargeSize int64
}

func (s *Stats) add(kind Kind, length int) {
	s.nAllocated.Add(1)
	s.nAccumulated.Add(1)
	s.allocatedSize.Add(int64(length))
	s.accumulatedSize.Add(int64(length))
	s.nAllocatedByType[kind].Add(1)
	s.nAccumulatedByType[kind].Add(1)
	if kind == KindImported {
		s.nImported.Add(1)
		s.importedSize.Add(int64(length))
	}
}

func (s *Stats) remove(kind Kind, length int) {
	s.nAllocated.Add(-1)
	s.allocatedSize.Add(-int64(length))
	s.nAllocatedByType[kind].Add(-1)
	if kind == KindImported {
		s.nImported.Add(-1)
		s.importedSize.Add(-int64(length))
	}
}

// retag moves a block's statistical bucket after make-local rewrites its
// kind in place, without touching the overall allocated totals.
func (s *Stats) retag(old, new Kind, length int) {
	s.nAllocatedByType[old].Add(-1)
	s.nAllocatedByType[new].Add(1)
	s.nAccumulatedByType[new].Add(1)
	if old == KindImported {
		s.nImported.Add(-1)
		s.importedSize.Add(-int64(length))
	}
}

func (s *Stats) poolFull()       { s.nPoolFull.Add(1) }
func (s *Stats) tooLarge(n int)  { s.nTooLargeSize.Add(int64(n)) }

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() Snapshot {
	var out Snapshot
	out.NAllocated = s.nAllocated.Load()
	out.NAccumulated = s.nAccumulated.Load()
	out.AllocatedSize = s.allocatedSize.Load()
	out.AccumulatedSize = s.accumulatedSize.Load()
	for i := 0; i < kindCount; i++ {
		out.NAllocatedByType[i] = s.nAllocatedByType[i].Load()
		out.NAccumulatedByType[i] = s.nAccumulatedByType[i].Load()
	}
	out.NImported = s.nImported.Load()
	out.ImportedSize = s.importedSize.Load()
	out.NPoolFull = s.nPoolFull.Load()
	out.NTooLargeSize = s.nTooLargeSize.Load()
	return out
}
