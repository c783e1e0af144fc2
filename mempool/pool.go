package mempool

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"bken/pulsed/internal/shmseg"
)

// slot is one fixed-size region carved out of a pool's backing region,
// reused via a freelist once returned (grounded on mempool_slot in the
// original implementation, minus the inline header: Go handles never live
// inside the slot's own bytes).
type slot struct {
	data   []byte
	offset int
}

// MemPool is a fixed-capacity arena of same-size slots, optionally backed
// by a named shared-memory segment so blocks allocated from it can be
// exported to peer processes (spec §4.1).
type MemPool struct {
	ID uuid.UUID

	shared    bool
	seg       *shmseg.Segment
	region    []byte
	blockSize int
	nSlots    int

	mu        sync.Mutex
	nInit     int
	freeSlots []*slot

	importsMu sync.Mutex
	imports   []*MemImport
	exports   []*MemExport

	stats Stats
}

// New creates a pool of nSlots slots of blockSize bytes each. When shared
// is true the region is a named POSIX shared-memory segment suitable for
// exporting blocks to other processes; otherwise it is a private heap
// buffer, which is enough for in-process use and tests but cannot back a
// MemExport (spec §4.3: export requires a shared pool).
func New(shared bool, nSlots, blockSize int) (*MemPool, error) {
	if nSlots <= 0 || blockSize <= slotHeaderBudget {
		return nil, fmt.Errorf("mempool: invalid pool shape (slots=%d, blockSize=%d)", nSlots, blockSize)
	}

	id := uuid.New()
	p := &MemPool{ID: id, shared: shared, blockSize: blockSize, nSlots: nSlots}

	if shared {
		shmID := uuid32(id)
		seg, err := shmseg.CreateRW(shmID, nSlots*blockSize)
		if err != nil {
			return nil, fmt.Errorf("mempool: create shared segment: %w", err)
		}
		p.seg = seg
		p.region = seg.Data
	} else {
		p.region = make([]byte, nSlots*blockSize)
	}

	return p, nil
}

// uuid32 folds a UUID down to a 32-bit shm id; collisions are vanishingly
// unlikely for the number of pools any one process creates and CreateRW
// rejects a reused id outright.
func uuid32(id uuid.UUID) uint32 {
	return uint32(id[0])<<24 | uint32(id[1])<<16 | uint32(id[2])<<8 | uint32(id[3])
}

// BlockSize returns the fixed slot size this pool was created with, the
// unit pstream splits oversized memblock sends into (spec §4.5 "splitting
// into sub-items of at most one pool block each").
func (p *MemPool) BlockSize() int { return p.blockSize }

// ShmID returns the pool's shared-memory id, if it has one.
func (p *MemPool) ShmID() (uint32, bool) {
	if p.seg == nil {
		return 0, false
	}
	return p.seg.ID, true
}

// Stats returns a point-in-time snapshot of the pool's allocation counters.
func (p *MemPool) Stats() Snapshot {
	return p.stats.Snapshot()
}

// Shared reports whether this pool is backed by a named shared-memory
// segment, for diagnostics only.
func (p *MemPool) Shared() bool { return p.shared }

// NSlots returns the pool's fixed slot count, for diagnostics only.
func (p *MemPool) NSlots() int { return p.nSlots }

// NumExports and NumImports report how many MemExport/MemImport registries
// currently share this pool, for diagnostics only.
func (p *MemPool) NumExports() int {
	p.importsMu.Lock()
	defer p.importsMu.Unlock()
	return len(p.exports)
}

func (p *MemPool) NumImports() int {
	p.importsMu.Lock()
	defer p.importsMu.Unlock()
	return len(p.imports)
}

func (p *MemPool) allocateSlotLocked() (*slot, bool) {
	if n := len(p.freeSlots); n > 0 {
		s := p.freeSlots[n-1]
		p.freeSlots = p.freeSlots[:n-1]
		return s, true
	}
	if p.nInit < p.nSlots {
		off := p.nInit * p.blockSize
		s := &slot{data: p.region[off : off+p.blockSize], offset: off}
		p.nInit++
		return s, true
	}
	p.stats.poolFull()
	return nil, false
}

func (p *MemPool) returnSlot(s *slot) {
	p.mu.Lock()
	p.freeSlots = append(p.freeSlots, s)
	p.mu.Unlock()
}

// allocateRaw carves a slot for length bytes and classifies it as
// PoolSlot or PoolExternal, without updating stats or wrapping a MemBlock
// handle around it. Used by both Allocate and make-local.
func (p *MemPool) allocateRaw(length int) (Kind, *slot, []byte, error) {
	if length <= 0 {
		return 0, nil, nil, fmt.Errorf("mempool: invalid length %d", length)
	}

	p.mu.Lock()
	switch {
	case length+slotHeaderBudget <= p.blockSize:
		s, ok := p.allocateSlotLocked()
		p.mu.Unlock()
		if !ok {
			return 0, nil, nil, ErrPoolFull
		}
		return KindPoolSlot, s, s.data[:length], nil
	case length <= p.blockSize-externalHeaderBudget:
		s, ok := p.allocateSlotLocked()
		p.mu.Unlock()
		if !ok {
			return 0, nil, nil, ErrPoolFull
		}
		return KindPoolExternal, s, s.data[:length], nil
	default:
		p.mu.Unlock()
		p.stats.tooLarge(length)
		return 0, nil, nil, ErrTooLargeForPool
	}
}

// Allocate returns a new block of exactly length bytes carved from a pool
// slot, or ErrTooLargeForPool if length exceeds what a slot can hold (spec
// §4.1 alloc()). Callers needing to store data this large should use
// AllocateAppended instead.
func (p *MemPool) Allocate(length int) (*MemBlock, error) {
	kind, s, data, err := p.allocateRaw(length)
	if err != nil {
		return nil, err
	}
	b := newBlock(p, kind, data, false)
	b.slot = s
	p.stats.add(kind, length)
	return b, nil
}

// AllocateAppended returns a new block of heap storage owned outright by
// the block, for data too large to fit in any pool slot (spec §4.1
// alloc_appended()).
func (p *MemPool) AllocateAppended(length int) *MemBlock {
	b := newBlock(p, KindAppended, make([]byte, length), false)
	p.stats.add(KindAppended, length)
	return b
}

// AdoptUser wraps externally-owned data in a block that invokes releaseCB
// with the data once the last reference drops (spec §4.1 adopt_user()).
func (p *MemPool) AdoptUser(data []byte, readOnly bool, releaseCB func([]byte)) *MemBlock {
	b := newBlock(p, KindUser, data, readOnly)
	b.releaseCB = releaseCB
	p.stats.add(KindUser, len(data))
	return b
}

// AdoptFixed wraps externally-owned data that is only guaranteed valid for
// the duration of the call that produced it (spec §4.1 adopt_fixed()).
// Callers must release it with UnrefFixed, not Unref.
func (p *MemPool) AdoptFixed(data []byte, readOnly bool) *MemBlock {
	b := newBlock(p, KindFixed, data, readOnly)
	p.stats.add(KindFixed, len(data))
	return b
}

// Vacuum advises the kernel to discard the backing pages of every
// currently-free slot, without affecting slots still in use (spec §4.1
// vacuum()). It is a no-op on a private (non-shared) pool and on platforms
// without a page-discard primitive.
func (p *MemPool) Vacuum() {
	if p.seg == nil {
		return
	}
	p.mu.Lock()
	free := append([]*slot(nil), p.freeSlots...)
	p.mu.Unlock()
	for _, s := range free {
		if err := p.seg.Punch(s.offset, p.blockSize); err != nil {
			logger.Warn("vacuum punch failed", "offset", s.offset, "err", err)
		}
	}
}

// NewImport creates a registry for blocks imported from a single peer.
// releaseCB is invoked (with the peer's block id) whenever a local
// reference to one of that peer's blocks drops to zero, so the caller can
// notify the peer it may reuse the slot (spec §4.3 MemImport).
func (p *MemPool) NewImport(releaseCB func(peerBlockID uint32)) *MemImport {
	im := newMemImport(p, releaseCB)
	p.importsMu.Lock()
	p.imports = append(p.imports, im)
	p.importsMu.Unlock()
	return im
}

// NewExport creates a registry of blocks pinned for export to a single
// peer. The pool must be shared, since exported blocks are identified by
// (shm_id, offset, length) on the wire (spec §4.3 MemExport).
func (p *MemPool) NewExport(revokeCB func(blockID uint32)) (*MemExport, error) {
	if !p.shared {
		return nil, ErrNotShared
	}
	ex := newMemExport(p, revokeCB)
	p.importsMu.Lock()
	p.exports = append(p.exports, ex)
	p.importsMu.Unlock()
	return ex, nil
}

func (p *MemPool) removeImport(im *MemImport) {
	p.importsMu.Lock()
	defer p.importsMu.Unlock()
	for i, x := range p.imports {
		if x == im {
			p.imports = append(p.imports[:i], p.imports[i+1:]...)
			return
		}
	}
}

func (p *MemPool) removeExport(ex *MemExport) {
	p.importsMu.Lock()
	defer p.importsMu.Unlock()
	for i, x := range p.exports {
		if x == ex {
			p.exports = append(p.exports[:i], p.exports[i+1:]...)
			return
		}
	}
}

// exportsSnapshot returns the current list of exports sharing this pool,
// used by MemImport.Close to propagate revocation (spec §4.3: "closing a
// MemImport revokes any MemExport entries that re-exported one of its
// blocks").
func (p *MemPool) exportsSnapshot() []*MemExport {
	p.importsMu.Lock()
	defer p.importsMu.Unlock()
	return append([]*MemExport(nil), p.exports...)
}

// Close tears down every outstanding import and export registry and, on a
// shared pool, unmaps the backing segment. Any blocks still referenced by
// callers remain individually valid (their storage does not move) but the
// pool itself should not be used again afterward.
func (p *MemPool) Close() error {
	for {
		p.importsMu.Lock()
		if len(p.imports) == 0 {
			p.importsMu.Unlock()
			break
		}
		im := p.imports[0]
		p.importsMu.Unlock()
		im.Close()
	}
	for {
		p.importsMu.Lock()
		if len(p.exports) == 0 {
			p.importsMu.Unlock()
			break
		}
		ex := p.exports[0]
		p.importsMu.Unlock()
		ex.Close()
	}

	if n := p.stats.nAllocated.Load(); n != 0 {
		logger.Warn("closing pool with outstanding allocations", "count", n)
	}

	if p.seg != nil {
		return p.seg.Close()
	}
	return nil
}
