package mempool

import (
	"sync"
	"sync/atomic"
)

// Kind classifies the provenance of a MemBlock's backing storage, mirroring
// the original implementation's pa_memblock_type (spec §4.2).
type Kind int

const (
	// KindPoolSlot is data that fits inline within a pool slot alongside
	// the conceptual block header.
	KindPoolSlot Kind = iota
	// KindPoolExternal is data that occupies a whole pool slot but would
	// not leave room for the header if it were inline.
	KindPoolExternal
	// KindAppended is heap storage owned outright by the block, used for
	// data too large for any pool slot.
	KindAppended
	// KindUser is externally-owned storage released via a caller-supplied
	// callback when the last reference drops.
	KindUser
	// KindFixed is externally-owned storage that must not be held past
	// the call that produced it once more than one reference exists;
	// see UnrefFixed.
	KindFixed
	// KindImported is a read-only view into a segment owned by a peer,
	// tracked by this process's MemImport registry.
	KindImported
)

func (k Kind) String() string {
	switch k {
	case KindPoolSlot:
		return "pool-slot"
	case KindPoolExternal:
		return "pool-external"
	case KindAppended:
		return "appended"
	case KindUser:
		return "user"
	case KindFixed:
		return "fixed"
	case KindImported:
		return "imported"
	default:
		return "unknown"
	}
}

// importedInfo holds the bookkeeping an Imported block needs to find its
// way back to its owning MemImport and segment on release or revoke.
type importedInfo struct {
	registry    *MemImport
	segEntry    *segmentEntry
	peerBlockID uint32
	offset      int
}

// MemBlock is a reference-counted handle onto a byte range, never moved for
// the lifetime of the handle even though the byte range itself can be
// replaced wholesale by make-local (spec §4.2 "never move ... but may be
// replaced wholesale"). refcount uses atomic add/load so Ref and Unref need
// no lock on the hot path; kind, data, slot, releaseCB and imported are
// guarded by mu because make-local and import-revoke rewrite them in place
// on a block other goroutines may be reading through Acquire concurrently.
type MemBlock struct {
	refcount atomic.Int32
	readOnly atomic.Bool

	mu   sync.Mutex
	kind Kind
	data []byte

	pool *MemPool

	slot      *slot
	releaseCB func([]byte)
	imported  importedInfo
}

func newBlock(p *MemPool, kind Kind, data []byte, readOnly bool) *MemBlock {
	b := &MemBlock{kind: kind, data: data, pool: p}
	b.refcount.Store(1)
	b.readOnly.Store(readOnly)
	return b
}

// Length reports the block's current byte length.
func (b *MemBlock) Length() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Kind reports the block's current storage kind. It can change under a
// block whose handle is shared (e.g. after make-local), so callers that
// need a consistent (kind, data) pair should read under Acquire instead.
func (b *MemBlock) Kind() Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.kind
}

// ReadOnly reports whether the block's storage may be written to.
func (b *MemBlock) ReadOnly() bool {
	return b.readOnly.Load()
}

// RefCount reports the current reference count, for diagnostics only.
func (b *MemBlock) RefCount() int {
	return int(b.refcount.Load())
}

// Pool returns the pool a block was allocated from (or adopted into),
// letting code that only holds a block derive a pool to allocate
// companion storage from, the way memblockq's alignment accumulator does.
func (b *MemBlock) Pool() *MemPool {
	return b.pool
}

// Acquire pins the block for the duration of an I/O operation and returns
// its current backing bytes. For PoolSlot/PoolExternal/Appended/User/Fixed
// data this is a plain slice read; for Imported data the returned slice is
// only valid while refcount stays above zero, which Acquire's caller must
// already be holding a reference to ensure (spec §4.2 Acquire/Release).
func (b *MemBlock) Acquire() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// Release ends the pin started by Acquire. No platform pulsed targets
// needs explicit unpinning, so this is a no-op kept for API symmetry and
// to give future platforms (e.g. DMA-capable transports) a hook.
func (b *MemBlock) Release() {}

// Ref increments the reference count and returns the same handle, the
// idiomatic Go spelling of the original's ref-returns-self convention.
// Calling Ref on a block whose count has already reached zero is a bug in
// the caller: such a block may have already been returned to a pool slot
// freelist or handed to a release callback.
func (b *MemBlock) Ref() *MemBlock {
	if b.refcount.Add(1) <= 1 {
		panic("mempool: Ref called on a freed MemBlock")
	}
	return b
}

// Unref drops a reference. At zero it runs the kind-specific destructor:
// PoolSlot/PoolExternal return their slot to the pool's freelist, User
// invokes its release callback, Imported notifies its owning MemImport
// (which in turn notifies the peer), and Appended/Fixed storage is left
// for the garbage collector (spec §4.2).
func (b *MemBlock) Unref() {
	if b.refcount.Add(-1) > 0 {
		return
	}

	b.mu.Lock()
	kind := b.kind
	length := len(b.data)
	slot := b.slot
	cb := b.releaseCB
	data := b.data
	info := b.imported
	b.mu.Unlock()

	b.pool.stats.remove(kind, length)

	switch kind {
	case KindUser:
		if cb != nil {
			cb(data)
		}
	case KindPoolSlot, KindPoolExternal:
		b.pool.returnSlot(slot)
	case KindImported:
		info.registry.onBlockUnreferenced(info)
	case KindAppended, KindFixed:
		// Heap-backed; nothing to do beyond letting the GC reclaim data.
	}
}

// UnrefFixed drops a reference to a block backed by storage the caller
// only guarantees is valid for the duration of the call that produced it
// (KindFixed). If other references survive, the data is copied out into
// pool or heap storage first so those references remain valid after the
// caller's storage goes away (spec §4.2 edge case: "consumer still
// referencing it when the producer tears down the fixed buffer").
func (b *MemBlock) UnrefFixed() {
	if b.Kind() != KindFixed {
		logger.Warn("UnrefFixed called on non-fixed block", "kind", b.Kind())
	}
	if b.refcount.Load() > 1 {
		b.makeLocal()
	}
	b.Unref()
}

// makeLocal copies a block's data into pool (preferred) or heap storage
// and rewrites kind/data/slot in place, so existing references keep
// working once the original backing storage goes away. Grounded on
// memblock_make_local in the original implementation.
func (b *MemBlock) makeLocal() {
	b.mu.Lock()
	data := append([]byte(nil), b.data...)
	oldKind := b.kind
	b.mu.Unlock()

	if kind, s, newData, err := b.pool.allocateRaw(len(data)); err == nil {
		copy(newData, data)
		b.mu.Lock()
		b.kind, b.slot, b.data = kind, s, newData
		b.mu.Unlock()
		b.readOnly.Store(false)
		b.pool.stats.retag(oldKind, kind, len(data))
		return
	}

	cp := append([]byte(nil), data...)
	b.mu.Lock()
	b.kind, b.slot, b.data = KindUser, nil, cp
	b.releaseCB = func([]byte) {}
	b.mu.Unlock()
	b.readOnly.Store(false)
	b.pool.stats.retag(oldKind, KindUser, len(data))
}
