package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock for deterministic tests.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *Fake
	seq      uint64
	deadline time.Time
	fn       func()
	ch       chan time.Time
}

// NewFake creates a fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Since returns the fake time elapsed since t.
func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// After returns a channel that fires once the clock has been advanced by d.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.schedule(d, nil, ch)
	return ch
}

// AfterFunc schedules fn to run when the clock is advanced past d.
// fn runs synchronously on the goroutine calling Advance or Set.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	return f.schedule(d, fn, nil)
}

func (f *Fake) schedule(d time.Duration, fn func(), ch chan time.Time) *fakeTimer {
	f.mu.Lock()
	f.seq++
	t := &fakeTimer{
		clock:    f,
		seq:      f.seq,
		deadline: f.now.Add(d),
		fn:       fn,
		ch:       ch,
	}
	f.timers = append(f.timers, t)
	f.mu.Unlock()

	if d <= 0 {
		f.fire(f.Now())
	}
	return t
}

// Stop removes the timer from the fake clock.
func (t *fakeTimer) Stop() bool {
	f := t.clock
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, pending := range f.timers {
		if pending == t {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			return true
		}
	}
	return false
}

// Advance moves the clock forward by d and fires every timer that is due,
// in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	f.mu.Unlock()
	f.fire(now)
}

// Set moves the clock to t. Moving backwards does not fire timers.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
	f.fire(t)
}

func (f *Fake) fire(now time.Time) {
	for {
		f.mu.Lock()
		sort.SliceStable(f.timers, func(i, j int) bool {
			if f.timers[i].deadline.Equal(f.timers[j].deadline) {
				return f.timers[i].seq < f.timers[j].seq
			}
			return f.timers[i].deadline.Before(f.timers[j].deadline)
		})
		if len(f.timers) == 0 || f.timers[0].deadline.After(now) {
			f.mu.Unlock()
			return
		}
		t := f.timers[0]
		f.timers = f.timers[1:]
		f.mu.Unlock()

		if t.ch != nil {
			t.ch <- now
		}
		if t.fn != nil {
			t.fn()
		}
	}
}

// Pending returns the number of timers and After waiters not yet fired.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// NextDeadline returns the earliest pending deadline.
func (f *Fake) NextDeadline() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.timers) == 0 {
		return time.Time{}, false
	}
	next := f.timers[0].deadline
	for _, t := range f.timers[1:] {
		if t.deadline.Before(next) {
			next = t.deadline
		}
	}
	return next, true
}

// BlockUntil waits until at least n timers are pending or ctx is done.
func (f *Fake) BlockUntil(ctx context.Context, n int) error {
	for {
		if f.Pending() >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

var _ Clock = (*Fake)(nil)
