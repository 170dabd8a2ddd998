// Package scheduler runs periodic and one-shot callbacks that can be
// cancelled individually or all at once when their owner goes away.
package scheduler

import (
	"sync"
	"time"
)

// Scheduler owns a set of timers. The zero value is not usable; call New.
type Scheduler struct {
	wg       sync.WaitGroup
	haltCh   chan struct{}
	haltOnce sync.Once
}

func New() *Scheduler {
	return &Scheduler{haltCh: make(chan struct{})}
}

// Handle cancels one scheduled callback.
type Handle struct {
	stopCh chan struct{}
	once   sync.Once
}

// Stop cancels the callback. A callback already running is not interrupted.
// Stop is idempotent and safe on a nil Handle.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() { close(h.stopCh) })
}

// Every calls fn every d until the handle is stopped or the scheduler closed.
func (s *Scheduler) Every(d time.Duration, fn func()) *Handle {
	h := &Handle{stopCh: make(chan struct{})}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if s.stopped(h) {
					return
				}
				fn()
			case <-h.stopCh:
				return
			case <-s.haltCh:
				return
			}
		}
	}()
	return h
}

// After calls fn once after d unless cancelled first.
func (s *Scheduler) After(d time.Duration, fn func()) *Handle {
	h := &Handle{stopCh: make(chan struct{})}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			if !s.stopped(h) {
				fn()
			}
		case <-h.stopCh:
		case <-s.haltCh:
		}
	}()
	return h
}

// stopped rechecks cancellation after a timer fires, since select picks
// ready cases at random.
func (s *Scheduler) stopped(h *Handle) bool {
	select {
	case <-h.stopCh:
		return true
	case <-s.haltCh:
		return true
	default:
		return false
	}
}

// Close cancels every callback. It does not wait, so it may be called from
// inside a callback.
func (s *Scheduler) Close() {
	s.haltOnce.Do(func() { close(s.haltCh) })
}

// Wait blocks until every callback goroutine has exited. Call it after
// Close, never from a callback.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
