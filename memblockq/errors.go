package memblockq

import "errors"

var (
	// ErrMisaligned is returned by Push and Drop when a length is not a
	// multiple of base.
	ErrMisaligned = errors.New("memblockq: length not a multiple of base")

	// ErrQueueFull is returned by Push when accepting the chunk would
	// grow the queue past maxlength.
	ErrQueueFull = errors.New("memblockq: push would exceed maxlength")

	// ErrNotReady is returned by Peek while the queue is prebuffering.
	ErrNotReady = errors.New("memblockq: not ready (prebuffering)")

	// ErrNoData is returned by Peek when the queue is empty and has no
	// configured silence block to stand in for the gap.
	ErrNoData = errors.New("memblockq: no data available")
)
