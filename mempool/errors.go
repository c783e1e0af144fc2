package mempool

import "errors"

var (
	// ErrPoolFull is returned by Allocate when the pool has no free slot
	// and no room to carve a new one from the backing segment.
	ErrPoolFull = errors.New("mempool: pool exhausted")

	// ErrTooLargeForPool is returned by Allocate when length does not fit
	// in a single slot at all; callers fall back to AllocateAppended.
	ErrTooLargeForPool = errors.New("mempool: length exceeds slot size")

	// ErrNotShared is returned by NewExport on a pool that was not
	// created with shared=true (spec §4.3: export requires shared memory).
	ErrNotShared = errors.New("mempool: pool is not shared")

	// ErrWrongPool is returned when a block handed to a MemExport did not
	// originate from that MemExport's own pool.
	ErrWrongPool = errors.New("mempool: block belongs to a different pool")

	// ErrExportFull is returned by MemExport.Put when all export slots
	// are in use (spec §5 MaxExportSlots).
	ErrExportFull = errors.New("mempool: export table full")

	// ErrTooManySegments is returned by MemImport.Get when accepting a
	// new shm_id would exceed MaxImportSegments.
	ErrTooManySegments = errors.New("mempool: too many imported segments")

	// ErrTooManyBlocks is returned by MemImport.Get when accepting a new
	// block_id would exceed MaxImportBlocks.
	ErrTooManyBlocks = errors.New("mempool: too many imported blocks")

	// ErrOutOfBounds is returned by MemImport.Get when offset+length does
	// not fit inside the named segment.
	ErrOutOfBounds = errors.New("mempool: offset/length out of segment bounds")

	// ErrUnknownBlock is returned by operations addressing a block_id or
	// export slot id that is not currently live.
	ErrUnknownBlock = errors.New("mempool: unknown block id")

	// ErrFreed is returned when an operation is attempted on a block
	// whose refcount has already reached zero.
	ErrFreed = errors.New("mempool: block already freed")
)
