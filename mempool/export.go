package mempool

import "sync"

// MemExport pins a bounded set of blocks so they can be referenced by
// peers over (shm_id, offset, length) descriptors, reusing table slots by
// index as blocks are released (spec §4.3 MemExport).
type MemExport struct {
	pool     *MemPool
	revokeCB func(blockID uint32)

	mu      sync.Mutex
	slots   []*MemBlock
	freeIdx []int
	nInit   int
	closed  bool
}

func newMemExport(pool *MemPool, revokeCB func(blockID uint32)) *MemExport {
	return &MemExport{pool: pool, revokeCB: revokeCB, slots: make([]*MemBlock, MaxExportSlots)}
}

func (e *MemExport) allocSlotLocked() (int, bool) {
	if n := len(e.freeIdx); n > 0 {
		idx := e.freeIdx[n-1]
		e.freeIdx = e.freeIdx[:n-1]
		return idx, true
	}
	if e.nInit < len(e.slots) {
		idx := e.nInit
		e.nInit++
		return idx, true
	}
	return 0, false
}

// sharedCopy returns a block whose storage already lives in shared memory
// that can be described as (shm_id, offset, length): Imported and
// PoolSlot/PoolExternal blocks from this export's own pool qualify
// directly (and are Ref'd to pin them), anything else is copied into a
// fresh pool slot first (grounded on memblock_shared_copy in the original
// implementation).
func (e *MemExport) sharedCopy(b *MemBlock) (*MemBlock, error) {
	switch b.Kind() {
	case KindImported, KindPoolSlot, KindPoolExternal:
		if b.pool != e.pool {
			return nil, ErrWrongPool
		}
		return b.Ref(), nil
	default:
		data := b.Acquire()
		nb, err := e.pool.Allocate(len(data))
		if err != nil {
			return nil, err
		}
		copy(nb.Acquire(), data)
		return nb, nil
	}
}

// Put pins b for export and returns a descriptor a peer can use to map it:
// a local slot id to address it for release/revoke, plus the (shm_id,
// offset, length) triple to put on the wire (spec §4.3 put()).
func (e *MemExport) Put(b *MemBlock) (blockID, shmID, offset, length uint32, err error) {
	shared, err := e.sharedCopy(b)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	e.mu.Lock()
	idx, ok := e.allocSlotLocked()
	if !ok {
		e.mu.Unlock()
		shared.Unref()
		return 0, 0, 0, 0, ErrExportFull
	}
	e.slots[idx] = shared
	e.mu.Unlock()

	shared.mu.Lock()
	kind := shared.kind
	length = uint32(len(shared.data))
	var off int
	switch kind {
	case KindImported:
		shmID = shared.imported.segEntry.seg.ID
		off = shared.imported.offset
	case KindPoolSlot, KindPoolExternal:
		shmID, _ = e.pool.ShmID()
		off = shared.slot.offset
	}
	shared.mu.Unlock()

	return uint32(idx), shmID, uint32(off), length, nil
}

// ProcessRelease handles a peer announcing it is done with blockID: the
// pinning reference taken by Put is dropped and the slot index is freed
// for reuse (spec §4.3 process_release()).
func (e *MemExport) ProcessRelease(blockID uint32) error {
	e.mu.Lock()
	if blockID >= uint32(len(e.slots)) || e.slots[blockID] == nil {
		e.mu.Unlock()
		return ErrUnknownBlock
	}
	b := e.slots[blockID]
	e.slots[blockID] = nil
	e.freeIdx = append(e.freeIdx, int(blockID))
	e.mu.Unlock()

	b.Unref()
	return nil
}

// Revoke tells the peer holding blockID that it must stop using it (e.g.
// because the underlying segment is about to be torn down), then releases
// this export's own pin the same way ProcessRelease does (spec §4.3
// revoke()).
func (e *MemExport) Revoke(blockID uint32) error {
	e.mu.Lock()
	if blockID >= uint32(len(e.slots)) || e.slots[blockID] == nil {
		e.mu.Unlock()
		return ErrUnknownBlock
	}
	e.mu.Unlock()

	if e.revokeCB != nil {
		e.revokeCB(blockID)
	}
	return e.ProcessRelease(blockID)
}

// revokeBlocksFrom revokes every currently-exported block that was
// originally imported from im, used when im is closing and its blocks are
// about to become invalid for anyone re-exporting them (spec §4.3,
// grounded on memexport_revoke_blocks).
func (e *MemExport) revokeBlocksFrom(im *MemImport) {
	e.mu.Lock()
	var ids []uint32
	for idx, b := range e.slots {
		if b == nil {
			continue
		}
		b.mu.Lock()
		match := b.kind == KindImported && b.imported.registry == im
		b.mu.Unlock()
		if match {
			ids = append(ids, uint32(idx))
		}
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.Revoke(id); err != nil {
			logger.Warn("revokeBlocksFrom: revoke failed", "block_id", id, "err", err)
		}
	}
}

// NumPinned returns the number of slots currently holding a pinned block,
// for diagnostics only.
func (e *MemExport) NumPinned() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, b := range e.slots {
		if b != nil {
			n++
		}
	}
	return n
}

// Close releases every block still pinned by this export.
func (e *MemExport) Close() error {
	e.mu.Lock()
	e.closed = true
	ids := make([]uint32, 0, len(e.slots))
	for idx, b := range e.slots {
		if b != nil {
			ids = append(ids, uint32(idx))
		}
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.ProcessRelease(id)
	}
	e.pool.removeExport(e)
	return nil
}
