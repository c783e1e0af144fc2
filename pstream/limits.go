package pstream

import "time"

// DefaultMaxFramePayload bounds a single frame's payload; a descriptor
// declaring more dies the connection (spec §5 "Resource caps", §8
// boundary behavior "cap + 1 dies").
const DefaultMaxFramePayload = 512 * 1024

// importFailureLogInterval rate-limits the warning logged when a SHMDATA
// frame fails to resolve through MemImport, so a burst of transient SHM
// pressure cannot flood the log (spec §4.6 "error-logging rate limit on
// import failure").
const importFailureLogInterval = time.Second

// writeRetryInterval is how soon a write that returned ErrWouldBlock is
// retried. There is no portable "socket became writable" notification at
// this abstraction level, so a short poll stands in for one; it only ever
// fires while a write is genuinely stalled.
const writeRetryInterval = 2 * time.Millisecond
