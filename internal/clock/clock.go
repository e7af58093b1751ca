// Package clock provides the time source and the scheduled tasks used for
// heartbeats and staleness sweeps. Fake substitutes a virtual clock in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock tells time and schedules repeating tasks.
type Clock interface {
	Now() time.Time
	// Every runs fn every d until the returned task is stopped.
	Every(d time.Duration, fn func()) Task
}

// Task is a scheduled repeating function.
type Task interface {
	Stop()
}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Every(d time.Duration, fn func()) Task {
	t := &realTask{ticker: time.NewTicker(d), done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-t.ticker.C:
				fn()
			case <-t.done:
				return
			}
		}
	}()
	return t
}

type realTask struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (t *realTask) Stop() {
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.done)
	})
}

// Fake is a virtual clock. Time moves only through Advance, which runs due
// tasks on the calling goroutine in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	tasks  map[int]*fakeTask
}

// NewFake returns a virtual clock reading start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start, tasks: make(map[int]*fakeTask)}
}

// Now returns the virtual time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Every schedules fn every d of virtual time.
func (f *Fake) Every(d time.Duration, fn func()) Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	t := &fakeTask{clock: f, id: f.nextID, every: d, next: f.now.Add(d), fn: fn}
	f.tasks[t.id] = t
	return t
}

// Advance moves time forward by d, running every task that falls due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()
	for {
		f.mu.Lock()
		t := f.dueLocked(target)
		if t == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		f.now = t.next
		t.next = t.next.Add(t.every)
		fn := t.fn
		f.mu.Unlock()
		fn()
	}
}

func (f *Fake) dueLocked(target time.Time) *fakeTask {
	due := make([]*fakeTask, 0, len(f.tasks))
	for _, t := range f.tasks {
		if !t.next.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].next.Equal(due[j].next) {
			return due[i].id < due[j].id
		}
		return due[i].next.Before(due[j].next)
	})
	return due[0]
}

// Tasks returns the number of scheduled tasks.
func (f *Fake) Tasks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

type fakeTask struct {
	clock *Fake
	id    int
	every time.Duration
	next  time.Time
	fn    func()
}

func (t *fakeTask) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	delete(t.clock.tasks, t.id)
}
