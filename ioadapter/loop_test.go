package ioadapter

import (
	"testing"
	"time"
)

func TestLoopRunsEnabledDeferredWork(t *testing.T) {
	l := NewLoop()
	calls := make(chan struct{}, 8)

	var d DeferredWork
	d = l.NewDeferred(func(dw DeferredWork) {
		dw.Disable()
		calls <- struct{}{}
	})
	d.Enable()

	stop := make(chan struct{})
	go l.Run(stop)

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("deferred work never ran")
	}
	close(stop)
}

func TestTimerFiresOnce(t *testing.T) {
	l := NewLoop()
	fired := make(chan struct{}, 1)

	var timer Timer
	timer = l.NewTimer(func(Timer) { fired <- struct{}{} })
	defer timer.Free()
	timer.Restart(time.Now().Add(10 * time.Millisecond))

	stop := make(chan struct{})
	defer close(stop)
	go l.Run(stop)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}
