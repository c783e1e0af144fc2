package mempool

import (
	"sync"

	"bken/pulsed/internal/shmseg"
)

// segmentEntry tracks one attached peer segment and how many locally-live
// blocks currently point into it, so it can be detached the moment the
// last one goes away (spec §4.3 MemImportSegment).
type segmentEntry struct {
	seg   *shmseg.Segment
	nLive int
}

// MemImport tracks blocks imported from a single peer: the shared segments
// that peer has handed out ids for, and the set of peer block ids
// currently backed by a live local MemBlock (spec §4.3).
type MemImport struct {
	pool      *MemPool
	releaseCB func(peerBlockID uint32)

	mu       sync.Mutex
	segments map[uint32]*segmentEntry
	blocks   map[uint32]*MemBlock
	closed   bool
}

func newMemImport(pool *MemPool, releaseCB func(peerBlockID uint32)) *MemImport {
	return &MemImport{
		pool:      pool,
		releaseCB: releaseCB,
		segments:  make(map[uint32]*segmentEntry),
		blocks:    make(map[uint32]*MemBlock),
	}
}

// Get returns the local block standing in for the peer's block_id,
// attaching its segment on first reference and reusing it on subsequent
// calls naming the same block_id (spec §4.3 get(), idempotent-by-id).
func (im *MemImport) Get(peerBlockID, shmID, offset, length uint32) (*MemBlock, error) {
	im.mu.Lock()
	if im.closed {
		im.mu.Unlock()
		return nil, ErrUnknownBlock
	}
	if b, ok := im.blocks[peerBlockID]; ok {
		im.mu.Unlock()
		return b.Ref(), nil
	}
	if len(im.blocks) >= MaxImportBlocks {
		im.mu.Unlock()
		return nil, ErrTooManyBlocks
	}

	entry, ok := im.segments[shmID]
	if !ok {
		if len(im.segments) >= MaxImportSegments {
			im.mu.Unlock()
			return nil, ErrTooManySegments
		}
		im.mu.Unlock()
		seg, err := shmseg.AttachRO(shmID, 0)
		if err != nil {
			return nil, err
		}
		im.mu.Lock()
		if existing, raced := im.segments[shmID]; raced {
			seg.Close()
			entry = existing
		} else {
			entry = &segmentEntry{seg: seg}
			im.segments[shmID] = entry
		}
	}

	if int64(offset)+int64(length) > int64(len(entry.seg.Data)) {
		im.mu.Unlock()
		return nil, ErrOutOfBounds
	}

	data := entry.seg.Data[offset : offset+length]
	b := newBlock(im.pool, KindImported, data, true)
	b.imported = importedInfo{registry: im, segEntry: entry, peerBlockID: peerBlockID, offset: int(offset)}
	entry.nLive++
	im.blocks[peerBlockID] = b
	im.mu.Unlock()

	im.pool.stats.add(KindImported, int(length))
	return b, nil
}

// onBlockUnreferenced is called by MemBlock.Unref when an Imported block's
// refcount reaches zero: it stops tracking the peer block id, notifies the
// peer via releaseCB, and detaches the segment if that was its last live
// block (spec §4.3: release_cb fires on every local unref-to-zero, not on
// revoke).
func (im *MemImport) onBlockUnreferenced(info importedInfo) {
	im.mu.Lock()
	delete(im.blocks, info.peerBlockID)
	info.segEntry.nLive--
	last := info.segEntry.nLive == 0
	shmID := info.segEntry.seg.ID
	im.mu.Unlock()

	if im.releaseCB != nil {
		im.releaseCB(info.peerBlockID)
	}
	if last {
		im.detachSegment(shmID)
	}
}

func (im *MemImport) detachSegment(shmID uint32) {
	im.mu.Lock()
	entry, ok := im.segments[shmID]
	if ok && entry.nLive == 0 {
		delete(im.segments, shmID)
	} else {
		ok = false
	}
	im.mu.Unlock()
	if ok {
		entry.seg.Close()
	}
}

// ProcessRevoke handles a peer announcing that block_id's underlying
// segment has been revoked and must no longer be accessed: the local
// block is silently copied into local storage in place, without notifying
// the peer (spec §4.3 process_revoke(); grounded on memblock_replace_import
// in the original implementation, which does not call the release
// callback for this path).
func (im *MemImport) ProcessRevoke(peerBlockID uint32) error {
	im.mu.Lock()
	b, ok := im.blocks[peerBlockID]
	if !ok {
		im.mu.Unlock()
		return ErrUnknownBlock
	}
	delete(im.blocks, peerBlockID)
	entry := b.imported.segEntry
	im.mu.Unlock()

	b.makeLocal()

	im.mu.Lock()
	entry.nLive--
	last := entry.nLive == 0
	shmID := entry.seg.ID
	im.mu.Unlock()
	if last {
		im.detachSegment(shmID)
	}
	return nil
}

// NumSegments and NumBlocks report the import's live attachment counts,
// for diagnostics only.
func (im *MemImport) NumSegments() int {
	im.mu.Lock()
	defer im.mu.Unlock()
	return len(im.segments)
}

func (im *MemImport) NumBlocks() int {
	im.mu.Lock()
	defer im.mu.Unlock()
	return len(im.blocks)
}

// Close tears down the import registry: any MemExport sharing this pool
// that re-exported one of this import's blocks is told to revoke those
// blocks first, then every remaining imported block is localized in place
// the same way ProcessRevoke does, and finally any still-attached segments
// are released (spec §4.3 close(), grounded on memimport_free's walk of
// pool->exports followed by its walk of its own blocks hashmap).
func (im *MemImport) Close() error {
	for _, ex := range im.pool.exportsSnapshot() {
		ex.revokeBlocksFrom(im)
	}

	im.mu.Lock()
	im.closed = true
	ids := make([]uint32, 0, len(im.blocks))
	for id := range im.blocks {
		ids = append(ids, id)
	}
	im.mu.Unlock()

	for _, id := range ids {
		im.mu.Lock()
		b, ok := im.blocks[id]
		im.mu.Unlock()
		if !ok {
			continue
		}
		if err := im.ProcessRevoke(id); err != nil {
			logger.Warn("close: localize imported block failed", "peer_block_id", id, "err", err)
		}
		_ = b
	}

	im.mu.Lock()
	leftover := make([]*segmentEntry, 0, len(im.segments))
	for _, e := range im.segments {
		leftover = append(leftover, e)
	}
	im.segments = make(map[uint32]*segmentEntry)
	im.mu.Unlock()
	for _, e := range leftover {
		e.seg.Close()
	}

	im.pool.removeImport(im)
	return nil
}
