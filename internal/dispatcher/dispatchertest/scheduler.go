// Package dispatchertest provides a manually driven scheduler for tests.
package dispatchertest

import (
	"sort"
	"time"

	"github.com/vistiles/server/internal/dispatcher"
)

type task struct {
	id       int
	due      time.Duration
	interval time.Duration
	fn       func()
	dead     bool
}

// Scheduler is a dispatcher.Scheduler driven by Advance. Tasks run
// synchronously on the goroutine calling Advance.
type Scheduler struct {
	now    time.Duration
	nextID int
	tasks  []*task
}

var _ dispatcher.Scheduler = (*Scheduler)(nil)

// New returns a scheduler at time zero.
func New() *Scheduler {
	return &Scheduler{}
}

// Every schedules fn every d.
func (s *Scheduler) Every(d time.Duration, fn func()) dispatcher.CancelFunc {
	return s.add(d, d, fn)
}

// After schedules fn once after d.
func (s *Scheduler) After(d time.Duration, fn func()) dispatcher.CancelFunc {
	return s.add(d, 0, fn)
}

func (s *Scheduler) add(due, interval time.Duration, fn func()) dispatcher.CancelFunc {
	s.nextID++
	t := &task{id: s.nextID, due: s.now + due, interval: interval, fn: fn}
	s.tasks = append(s.tasks, t)
	return func() { t.dead = true }
}

// Now returns the elapsed virtual time.
func (s *Scheduler) Now() time.Duration {
	return s.now
}

// Pending returns the number of live tasks.
func (s *Scheduler) Pending() int {
	n := 0
	for _, t := range s.tasks {
		if !t.dead {
			n++
		}
	}
	return n
}

// Advance moves virtual time forward by d, running every task that falls due
// in order of due time.
func (s *Scheduler) Advance(d time.Duration) {
	target := s.now + d
	for {
		t := s.next(target)
		if t == nil {
			break
		}
		s.now = t.due
		if t.interval > 0 {
			t.due += t.interval
		} else {
			t.dead = true
		}
		t.fn()
	}
	s.now = target
	s.compact()
}

func (s *Scheduler) next(limit time.Duration) *task {
	live := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !t.dead && t.due <= limit {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].due != live[j].due {
			return live[i].due < live[j].due
		}
		return live[i].id < live[j].id
	})
	return live[0]
}

func (s *Scheduler) compact() {
	kept := s.tasks[:0]
	for _, t := range s.tasks {
		if !t.dead {
			kept = append(kept, t)
		}
	}
	s.tasks = kept
}
