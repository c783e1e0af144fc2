package pstream

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"bken/pulsed/ioadapter"
	"bken/pulsed/memblockq"
	"bken/pulsed/mempool"
)

type writeState int

const (
	writeIdle writeState = iota
	writeHeaderOut
	writeBodyOut
)

type readState int

const (
	readIdle readState = iota
	readHeaderIn
	readBodyIn
)

// PStream multiplexes control packets and audio memblocks over a single
// reliable bytestream, with an optional zero-copy shared-memory path for
// large payloads (spec §4.5). One instance is driven entirely by its
// owning event loop's goroutine: no lock is held while invoking a user
// callback (spec §5).
type PStream struct {
	ID uuid.UUID

	ch   ioadapter.IOChannel
	pool *mempool.MemPool

	deferred   ioadapter.DeferredWork
	retryTimer ioadapter.Timer

	mu    sync.Mutex
	queue itemQueue

	wstate     writeState
	wDesc      [descriptorSize]byte
	wDescOff   int
	wBody      []byte
	wBodyOff   int
	wCreds     *ioadapter.Creds
	wCredsSent bool
	wCleanup   func()

	rstate   readState
	rDesc    [descriptorSize]byte
	rDescOff int
	rHeader  descriptor
	rBody    []byte
	rBodyOff int
	rBlock   *mempool.MemBlock
	rCreds   ioadapter.Creds
	rCredsOK bool

	useSHM atomic.Bool

	shmMu sync.Mutex
	exp   *mempool.MemExport
	imp   *mempool.MemImport

	dead atomic.Bool

	importLimiter *rate.Limiter

	cbMu       sync.Mutex
	onPacket   func(packet []byte, creds ioadapter.Creds, hasCreds bool)
	onMemblock func(channel uint32, offset uint64, seek memblockq.SeekMode, chunk memblockq.MemChunk)
	onDie      func()
	onDrain    func()
	onRelease  func(blockID uint32)
	onRevoke   func(blockID uint32)
}

// New wraps an already-connected bidirectional bytestream as a PStream,
// sizing its kernel buffers to the pool's block size and registering the
// deferred-work callback the loop invokes whenever the channel's
// readiness changes (spec §4.5 "new").
func New(loop *ioadapter.Loop, ch ioadapter.IOChannel, pool *mempool.MemPool) *PStream {
	ch.SetBufferSizes(pool.BlockSize())

	p := &PStream{
		ID:            uuid.New(),
		ch:            ch,
		pool:          pool,
		importLimiter: rate.NewLimiter(rate.Every(importFailureLogInterval), 1),
	}

	p.deferred = loop.NewDeferred(func(d ioadapter.DeferredWork) {
		d.Disable()
		p.pump()
	})
	p.retryTimer = loop.NewTimer(func(ioadapter.Timer) {
		p.deferred.Enable()
	})
	if w, ok := ch.(ioadapter.Waker); ok {
		w.SetWakeFunc(func() { p.deferred.Enable() })
	}
	p.deferred.Enable()

	return p
}

// --- Callback registration ---

func (p *PStream) SetOnPacket(fn func(packet []byte, creds ioadapter.Creds, hasCreds bool)) {
	p.cbMu.Lock()
	p.onPacket = fn
	p.cbMu.Unlock()
}

func (p *PStream) SetOnMemblock(fn func(channel uint32, offset uint64, seek memblockq.SeekMode, chunk memblockq.MemChunk)) {
	p.cbMu.Lock()
	p.onMemblock = fn
	p.cbMu.Unlock()
}

func (p *PStream) SetOnDie(fn func()) {
	p.cbMu.Lock()
	p.onDie = fn
	p.cbMu.Unlock()
}

func (p *PStream) SetOnDrain(fn func()) {
	p.cbMu.Lock()
	p.onDrain = fn
	p.cbMu.Unlock()
}

func (p *PStream) SetOnRelease(fn func(blockID uint32)) {
	p.cbMu.Lock()
	p.onRelease = fn
	p.cbMu.Unlock()
}

func (p *PStream) SetOnRevoke(fn func(blockID uint32)) {
	p.cbMu.Lock()
	p.onRevoke = fn
	p.cbMu.Unlock()
}

// --- Public send operations ---

// SendPacket enqueues a control packet, optionally carrying credentials,
// for delivery in order relative to every other item already queued (spec
// §4.5 "send_packet").
func (p *PStream) SendPacket(packet []byte, creds *ioadapter.Creds) error {
	if p.dead.Load() {
		return ErrDead
	}
	p.mu.Lock()
	p.queue.push(sendItem{kind: itemPacket, packet: packet, creds: creds})
	p.mu.Unlock()
	p.deferred.Enable()
	return nil
}

// SendMemblock enqueues an audio payload on channel at the given write
// offset and seek mode, splitting it into sub-items of at most one pool
// block each. chunk.Block gains its own reference per sub-item; the
// caller's reference is unaffected (spec §4.5 "send_memblock").
func (p *PStream) SendMemblock(channel uint32, offset uint64, seek memblockq.SeekMode, chunk memblockq.MemChunk) error {
	if p.dead.Load() {
		return ErrDead
	}
	pieces := splitMemblock(channel, offset, seek, chunk, p.pool.BlockSize())
	p.mu.Lock()
	for _, it := range pieces {
		p.queue.push(it)
	}
	p.mu.Unlock()
	p.deferred.Enable()
	return nil
}

// SendRelease enqueues a SHMRELEASE frame telling the peer that blockID,
// one of its exported blocks, is no longer referenced locally (spec §4.5
// "send_release").
func (p *PStream) SendRelease(blockID uint32) error {
	if p.dead.Load() {
		return ErrDead
	}
	p.mu.Lock()
	p.queue.push(sendItem{kind: itemShmRelease, blockID: blockID})
	p.mu.Unlock()
	p.deferred.Enable()
	return nil
}

// SendRevoke enqueues a SHMREVOKE frame telling the peer that blockID,
// one of our exported blocks, must no longer be used (spec §4.5
// "send_revoke").
func (p *PStream) SendRevoke(blockID uint32) error {
	if p.dead.Load() {
		return ErrDead
	}
	p.mu.Lock()
	p.queue.push(sendItem{kind: itemShmRevoke, blockID: blockID})
	p.mu.Unlock()
	p.deferred.Enable()
	return nil
}

// EnableSHM toggles whether outgoing pool-backed memblocks are sent via
// SHM handoff and whether incoming SHM-variant frames are accepted at
// all; a MemExport is created lazily on first use, not here (spec §4.5
// "enable_shm").
func (p *PStream) EnableSHM(enabled bool) {
	p.useSHM.Store(enabled)
}

// IsPending reports whether the send queue or an in-progress write is
// non-empty (spec §4.5 "is_pending").
func (p *PStream) IsPending() bool {
	if p.dead.Load() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wstate != writeIdle || !p.queue.empty()
}

// Stats is a point-in-time, best-effort snapshot of one PStream's state for
// the diagnostics endpoint; nothing in pstream makes a correctness decision
// based on it (mirrors mempool.Stats' own disclaimer).
type Stats struct {
	Dead       bool
	SHMEnabled bool
	Pending    bool
	QueueDepth int
}

func (p *PStream) Stats() Stats {
	dead := p.dead.Load()
	st := Stats{Dead: dead, SHMEnabled: p.useSHM.Load()}
	if dead {
		return st
	}
	p.mu.Lock()
	st.QueueDepth = p.queue.len()
	st.Pending = p.wstate != writeIdle || st.QueueDepth > 0
	p.mu.Unlock()
	return st
}

// Unlink immediately tears the stream down: queued items are released
// without being sent, the channel is closed, and on_die fires exactly
// once (spec §5 "Cancellation... unlink is immediate"). Like pump, it must
// be called from the owning loop's goroutine; SendPacket, SendMemblock,
// SendRelease and SendRevoke are the cross-thread-safe entry points (spec
// §5 "cross-thread handoff only via... thread-safe send queue").
func (p *PStream) Unlink() {
	p.die()
}

func (p *PStream) die() {
	if !p.dead.CompareAndSwap(false, true) {
		return
	}

	p.mu.Lock()
	if p.wCleanup != nil {
		p.wCleanup()
		p.wCleanup = nil
	}
	p.queue.drain()
	if p.rBlock != nil {
		p.rBlock.Unref()
		p.rBlock = nil
	}
	p.mu.Unlock()

	p.retryTimer.Free()
	p.deferred.Free()
	_ = p.ch.Close()

	p.shmMu.Lock()
	exp, imp := p.exp, p.imp
	p.exp, p.imp = nil, nil
	p.shmMu.Unlock()
	if exp != nil {
		exp.Close()
	}
	if imp != nil {
		imp.Close()
	}

	p.cbMu.Lock()
	onDie := p.onDie
	p.onPacket, p.onMemblock, p.onDie, p.onDrain, p.onRelease, p.onRevoke = nil, nil, nil, nil, nil, nil
	p.cbMu.Unlock()

	if onDie != nil {
		onDie()
	}
}

// pump drives both halves of the stream from whatever progress is
// currently possible; it never blocks (spec §5 "suspension points are
// exclusively the non-blocking read/write returning WouldBlock").
func (p *PStream) pump() {
	if p.dead.Load() {
		return
	}
	p.pumpRead()
	if p.dead.Load() {
		return
	}
	p.pumpWrite()
}
