package pstream

import "errors"

// ErrDead is returned by send operations on a PStream that has already
// transitioned to Dead (spec §4.5 "a dead PStream is indistinguishable
// from a closed one... send_* methods become no-ops" — callers that want
// the no-op behavior should ignore this error; it exists for callers that
// want to notice).
var ErrDead = errors.New("pstream: stream is dead")

// ErrFrameTooLarge is the protocol violation fired when a received
// descriptor declares a length beyond MaxFramePayload (spec §4.5, §7
// ProtocolError).
var ErrFrameTooLarge = errors.New("pstream: frame exceeds maximum payload size")

// ErrInvalidSeekMode is the protocol violation fired when a received
// descriptor's low flag byte names an unknown seek mode (spec §4.5, §9
// "reject on the receive path").
var ErrInvalidSeekMode = errors.New("pstream: invalid seek mode in descriptor")

// ErrSHMDisabled is the protocol violation fired when a SHM-variant frame
// arrives while this PStream has not enabled SHM (spec §7 ProtocolError
// "SHM frame when SHM disabled").
var ErrSHMDisabled = errors.New("pstream: received SHM frame with SHM disabled")

// ErrUnknownVariant is the protocol violation fired when a descriptor's
// high flag byte does not name any known SHM variant.
var ErrUnknownVariant = errors.New("pstream: unknown SHM variant in descriptor")
