package ioadapter

import "sync"

// Loop is a minimal single-goroutine event loop: it runs a flat list of
// deferred-work callbacks, sleeping between passes until Wake is called
// (directly or by enabling a deferred callback), running everything on the
// goroutine that calls
// Run (spec §4.6: "single-threaded cooperative... no locks held while
// invoking user callbacks").
type Loop struct {
	mu       sync.Mutex
	deferred []*deferredWork
	wake     chan struct{}
	closed   bool
}

// NewLoop creates a ready-to-run Loop.
func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Wake nudges Run to re-scan deferred work and registered channels on its
// next iteration. DeferredWork.Enable calls this, so a channel whose wake
// function enables a deferred callback (as pstream.New arranges for
// channels implementing Waker) wakes the loop whenever its readiness
// changes.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// NewDeferred registers cb to run once per Run iteration while enabled.
func (l *Loop) NewDeferred(cb func(DeferredWork)) DeferredWork {
	d := &deferredWork{loop: l, cb: cb}
	l.mu.Lock()
	l.deferred = append(l.deferred, d)
	l.mu.Unlock()
	return d
}

// Run repeatedly invokes every enabled deferred callback, blocking between
// passes until Wake is called (by a channel becoming ready, a deferred
// callback re-enabling itself, or an external caller), until stop is
// closed.
func (l *Loop) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		ran := l.runDeferredOnce()

		if !ran {
			select {
			case <-stop:
				return
			case <-l.wake:
			}
		}
	}
}

func (l *Loop) runDeferredOnce() bool {
	l.mu.Lock()
	snapshot := append([]*deferredWork(nil), l.deferred...)
	l.mu.Unlock()

	ran := false
	for _, d := range snapshot {
		if d.isEnabled() {
			ran = true
			d.cb(d)
		}
	}
	return ran
}

type deferredWork struct {
	loop *Loop

	mu      sync.Mutex
	enabled bool
	freed   bool
	cb      func(DeferredWork)
}

func (d *deferredWork) isEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled && !d.freed
}

func (d *deferredWork) Enable() {
	d.mu.Lock()
	d.enabled = true
	d.mu.Unlock()
	d.loop.Wake()
}

func (d *deferredWork) Disable() {
	d.mu.Lock()
	d.enabled = false
	d.mu.Unlock()
}

func (d *deferredWork) Free() {
	d.mu.Lock()
	d.freed = true
	d.mu.Unlock()

	d.loop.mu.Lock()
	for i, x := range d.loop.deferred {
		if x == d {
			d.loop.deferred = append(d.loop.deferred[:i], d.loop.deferred[i+1:]...)
			break
		}
	}
	d.loop.mu.Unlock()
}
