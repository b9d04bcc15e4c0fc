// Package capturetest provides a manual clock and scheduler for driving the
// capture manager deterministically.
package capturetest

import (
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/capture"
)

// Scheduler is a manual clock. Timers fire only from Advance, on the calling
// goroutine, in deadline order.
type Scheduler struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*timer
}

type timer struct {
	s       *Scheduler
	at      time.Time
	seq     int
	f       func()
	done    bool
	stopped bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{now: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (s *Scheduler) AfterFunc(d time.Duration, f func()) capture.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &timer{s: s, at: s.now.Add(d), seq: s.seq, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (t *timer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.done || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Now is the manual clock reading.
func (s *Scheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the clock forward by d, firing every timer that comes due.
func (s *Scheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()
	for {
		s.mu.Lock()
		next := s.nextLocked()
		if next == nil || next.at.After(target) {
			s.now = target
			s.mu.Unlock()
			return
		}
		s.now = next.at
		next.done = true
		s.mu.Unlock()
		next.f()
	}
}

// Pending counts armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.done && !t.stopped {
			n++
		}
	}
	return n
}

// NextDelay is the time until the earliest armed timer, or -1 if none.
func (s *Scheduler) NextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.nextLocked()
	if next == nil {
		return -1
	}
	return next.at.Sub(s.now)
}

func (s *Scheduler) nextLocked() *timer {
	var armed []*timer
	for _, t := range s.timers {
		if !t.done && !t.stopped {
			armed = append(armed, t)
		}
	}
	if len(armed) == 0 {
		return nil
	}
	sort.Slice(armed, func(i, j int) bool {
		if armed[i].at.Equal(armed[j].at) {
			return armed[i].seq < armed[j].seq
		}
		return armed[i].at.Before(armed[j].at)
	})
	return armed[0]
}
