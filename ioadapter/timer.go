package ioadapter

import (
	"sync"
	"time"
)

// loopTimer is a Timer driven by a background goroutine and the
// monotonic clock that time.Timer already uses internally; firing wakes
// the owning Loop and invokes cb on the loop's next pass via a deferred
// callback, keeping the "no callback runs off the loop goroutine"
// invariant (spec §4.6, §5).
type loopTimer struct {
	loop *Loop
	cb   func(Timer)

	mu       sync.Mutex
	timer    *time.Timer
	period   time.Duration
	periodic bool
	stopped  bool

	deferred DeferredWork
}

// NewTimer creates a Timer that invokes cb (on the loop goroutine) when it
// fires. The timer starts stopped; call Restart or RestartPeriodic to arm
// it.
func (l *Loop) NewTimer(cb func(Timer)) Timer {
	t := &loopTimer{loop: l, cb: cb, stopped: true}
	t.deferred = l.NewDeferred(func(d DeferredWork) {
		d.Disable()
		t.cb(t)
	})
	return t
}

func (t *loopTimer) fire() {
	t.mu.Lock()
	periodic := t.periodic
	period := t.period
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return
	}
	if periodic {
		t.mu.Lock()
		t.timer = time.AfterFunc(period, t.fire)
		t.mu.Unlock()
	}
	t.deferred.Enable()
}

func (t *loopTimer) Restart(when time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopImpl()
	t.periodic = false
	t.stopped = false
	d := time.Until(when)
	if d < 0 {
		d = 0
	}
	t.timer = time.AfterFunc(d, t.fire)
}

func (t *loopTimer) RestartPeriodic(period time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopImpl()
	t.periodic = true
	t.period = period
	t.stopped = false
	t.timer = time.AfterFunc(period, t.fire)
}

func (t *loopTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopImpl()
}

func (t *loopTimer) stopImpl() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.stopped = true
}

func (t *loopTimer) Free() {
	t.Stop()
	t.deferred.Free()
}
