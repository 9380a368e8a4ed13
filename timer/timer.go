// Package timer implements the MAC engine's timer service (component C6):
// one-shot timers that post an event back to the dispatcher instead of
// running handler code themselves.
//
// Timer callbacks run on their own goroutine (the standard library's
// time.AfterFunc contract) and therefore must never touch MAC state
// directly; they only call the post function passed to New, which the
// dispatcher side must implement as a non-blocking channel send. A timer that fires after it has been
// re-armed or cancelled is a benign no-op — each entry is tagged with a
// generation counter and a fired callback is dropped if the generation
// it captured is no longer current.
package timer

import (
	"sync"
	"time"
)

// Key names a single logical timer slot (Rx1, Rx2, AckTimeout, ...). The
// mac package defines the concrete key values it uses.
type Key int

// Service owns a small fixed set of named one-shot timers and posts Key
// values to post when they fire.
type Service struct {
	mu     sync.Mutex
	timers map[Key]*slot
	post   func(Key)
}

type slot struct {
	timer *time.Timer
	gen   uint64
}

// New builds a Service that calls post (non-blocking) whenever an armed
// timer fires and has not since been cancelled or re-armed.
func New(post func(Key)) *Service {
	return &Service{
		timers: make(map[Key]*slot),
		post:   post,
	}
}

// Arm (re-)schedules the timer at key to fire after d. Any previously
// pending fire for key is invalidated, even if its underlying
// time.Timer has already fired and is queued on the runtime timer heap.
func (s *Service) Arm(key Key, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.timers[key]
	if !ok {
		sl = &slot{}
		s.timers[key] = sl
	} else if sl.timer != nil {
		sl.timer.Stop()
	}

	sl.gen++
	gen := sl.gen

	sl.timer = time.AfterFunc(d, func() {
		s.fire(key, gen)
	})
}

func (s *Service) fire(key Key, gen uint64) {
	s.mu.Lock()
	sl, ok := s.timers[key]
	stale := !ok || sl.gen != gen
	s.mu.Unlock()

	if stale {
		return
	}
	if s.post != nil {
		s.post(key)
	}
}

// Cancel invalidates any pending fire for key. A timer already in the
// runtime's callback queue becomes a no-op via the generation check.
func (s *Service) Cancel(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.timers[key]
	if !ok {
		return
	}
	sl.timer.Stop()
	sl.gen++
}

// CancelAll invalidates every pending timer, used by disconnect.
func (s *Service) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range s.timers {
		sl.timer.Stop()
		sl.gen++
	}
}
