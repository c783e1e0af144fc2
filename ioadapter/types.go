// Package ioadapter supplies the minimal event-loop surface pstream needs:
// a non-blocking bytestream with readiness bits, optional credential
// passing, deferred work tokens and timers (spec §4.6).
package ioadapter

import (
	"errors"
	"time"
)

// ErrWouldBlock is returned by Read/Write when no data (or no buffer space)
// is currently available, the Go analogue of the original's non-blocking
// EAGAIN convention.
var ErrWouldBlock = errors.New("ioadapter: would block")

// Creds carries the ancillary credentials attached to a single message
// boundary on transports that support it (spec §6 "Credential ancillary
// data").
type Creds struct {
	PID int32
	UID uint32
	GID uint32
}

// IOChannel is a non-blocking, bidirectional bytestream with readiness
// bits and optional credential-carrying variants (spec §4.6).
type IOChannel interface {
	// Read returns up to len(p) bytes, ErrWouldBlock if none are currently
	// available, or an error (including io.EOF) on a closed/broken stream.
	Read(p []byte) (int, error)
	// Write writes up to len(p) bytes, returning the number actually
	// written and ErrWouldBlock if none could be written right now.
	Write(p []byte) (int, error)

	// ReadWithCreds behaves like Read but also reports credentials carried
	// on this read, if the transport and platform support them. ok is
	// false when no credentials arrived with this read.
	ReadWithCreds(p []byte) (n int, creds Creds, ok bool, err error)
	// WriteWithCreds behaves like Write but requests the transport attach
	// creds as ancillary data on this write, best-effort: transports that
	// cannot do so simply perform a plain write.
	WriteWithCreds(p []byte, creds Creds) (int, error)

	// Readable, Writable and HungUp report the channel's current readiness.
	Readable() bool
	Writable() bool
	HungUp() bool

	// SetBufferSizes requests the underlying transport size its kernel
	// send/recv buffers to at least n bytes, best-effort (spec §4.5 "new"
	// "sets kernel socket send/recv buffer sizes to the pool's block
	// size").
	SetBufferSizes(n int)

	// Close tears down the channel. Idempotent.
	Close() error
}

// Waker is implemented by IOChannels that can proactively notify an
// interested party when their readiness changes, instead of requiring
// busy polling. netChannel and wsChannel both implement it.
type Waker interface {
	SetWakeFunc(func())
}

// DeferredWork is a "run this on the next event-loop iteration" token,
// matching pa_defer_event semantics: it can be enabled and disabled
// repeatedly without being recreated (spec §4.6).
type DeferredWork interface {
	Enable()
	Disable()
	Free()
}

// Timer is an absolute-time oneshot or periodic callback source driven by
// a monotonic clock (spec §4.6). pstream itself never starts one; it is
// exposed for composing layers (heartbeats, MemBlockQ consumers) per the
// Non-goals note that liveness is a higher-layer concern.
type Timer interface {
	// Restart rearms the timer to fire once at when.
	Restart(when time.Time)
	// RestartPeriodic rearms the timer to fire every period starting at
	// the next tick.
	RestartPeriodic(period time.Duration)
	Stop()
	Free()
}
