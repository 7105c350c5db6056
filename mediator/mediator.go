// Package mediator implements the event bus and timer service that glues the
// FCI-7011 control components together.
//
// Events are delivered synchronously: NoteEvent invokes every listener
// registered for the event's type, in registration order, before returning.
// Timers fire on the goroutine running Run; their callbacks return true to be
// rescheduled after the same interval, false to be dropped.
package mediator

import (
	"context"
	"sync"
	"time"
)

// Type identifies a category of event. Listeners subscribe per Type.
type Type string

// Event is anything that can be published on the bus.
type Event interface {
	EventType() Type
}

// Listener is the handle returned by AddListener. Keep it to unsubscribe.
type Listener struct {
	eventType Type
	fn        func(Event)
	removed   bool
}

// Timeout is the handle returned by AddTimeout. Cancel stops future firings;
// a callback already running completes normally.
type Timeout struct {
	m         *Mediator
	interval  time.Duration
	fn        func() bool
	next      time.Time
	cancelled bool
}

// Cancel prevents any further firings of this timeout. Safe to call more than
// once, and safe to call from within the timeout's own callback.
func (t *Timeout) Cancel() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.cancelled = true
	t.m.wakeLocked()
}

// Mediator routes events to listeners and drives registered timeouts.
//
// The zero value is not usable; call New.
type Mediator struct {
	mu        sync.Mutex
	listeners map[Type][]*Listener
	timeouts  []*Timeout
	wake      chan struct{}
	do        chan func()
	now       func() time.Time
}

func New() *Mediator {
	return &Mediator{
		listeners: make(map[Type][]*Listener),
		wake:      make(chan struct{}, 1),
		do:        make(chan func()),
		now:       time.Now,
	}
}

// AddListener subscribes fn to events of type t and returns a handle for
// RemoveListener. Listeners for the same type fire in registration order.
func (m *Mediator) AddListener(t Type, fn func(Event)) *Listener {
	l := &Listener{eventType: t, fn: fn}
	m.mu.Lock()
	m.listeners[t] = append(m.listeners[t], l)
	m.mu.Unlock()
	return l
}

// RemoveListener unsubscribes a previously registered listener. Removing a
// listener twice is a no-op.
func (m *Mediator) RemoveListener(l *Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l == nil || l.removed {
		return
	}
	l.removed = true
	ls := m.listeners[l.eventType]
	for i, cand := range ls {
		if cand == l {
			m.listeners[l.eventType] = append(ls[:i], ls[i+1:]...)
			break
		}
	}
}

// NoteEvent delivers e to every listener registered for its type, in
// registration order, synchronously. Listeners registered or removed during
// delivery take effect for the next event, not this one.
func (m *Mediator) NoteEvent(e Event) {
	m.mu.Lock()
	ls := make([]*Listener, len(m.listeners[e.EventType()]))
	copy(ls, m.listeners[e.EventType()])
	m.mu.Unlock()
	for _, l := range ls {
		m.mu.Lock()
		gone := l.removed
		m.mu.Unlock()
		if !gone {
			l.fn(e)
		}
	}
}

// AddTimeout schedules fn to run every interval. fn returns true to keep the
// timeout alive, false to drop it. The returned handle cancels it externally.
func (m *Mediator) AddTimeout(interval time.Duration, fn func() bool) *Timeout {
	t := &Timeout{m: m, interval: interval, fn: fn}
	m.mu.Lock()
	t.next = m.now().Add(interval)
	m.timeouts = append(m.timeouts, t)
	m.wakeLocked()
	m.mu.Unlock()
	return t
}

func (m *Mediator) wakeLocked() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the mediator goroutine and waits for it to finish. It is how
// code on other goroutines (HTTP handlers, the keyboard reader) calls into
// the single-threaded control state. Calling Do from within the mediator
// goroutine deadlocks; listeners and timeout callbacks must call directly.
func (m *Mediator) Do(fn func()) {
	done := make(chan struct{})
	m.do <- func() {
		defer close(done)
		fn()
	}
	<-done
}

// Run drives timeouts and Do submissions until ctx is cancelled. All timer
// callbacks and Do closures execute sequentially on this goroutine.
func (m *Mediator) Run(ctx context.Context) {
	for {
		next, ok := m.nextDue()
		var timerC <-chan time.Time
		var timer *time.Timer
		if ok {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case fn := <-m.do:
			fn()
		case <-m.wake:
		case <-timerC:
			m.runDue(m.now())
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (m *Mediator) nextDue() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next time.Time
	found := false
	for _, t := range m.timeouts {
		if t.cancelled {
			continue
		}
		if !found || t.next.Before(next) {
			next = t.next
			found = true
		}
	}
	return next, found
}

// runDue fires every timeout whose deadline has passed, run to completion one
// after the other. A callback returning false is dropped; otherwise the
// timeout is pushed out by its interval from now.
func (m *Mediator) runDue(now time.Time) {
	m.mu.Lock()
	due := make([]*Timeout, 0, len(m.timeouts))
	kept := m.timeouts[:0]
	for _, t := range m.timeouts {
		if t.cancelled {
			continue
		}
		if !t.next.After(now) {
			due = append(due, t)
		}
		kept = append(kept, t)
	}
	m.timeouts = kept
	m.mu.Unlock()

	for _, t := range due {
		m.mu.Lock()
		cancelled := t.cancelled
		m.mu.Unlock()
		if cancelled {
			continue
		}
		again := t.fn()
		m.mu.Lock()
		if !again {
			t.cancelled = true
		} else {
			t.next = now.Add(t.interval)
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	kept = m.timeouts[:0]
	for _, t := range m.timeouts {
		if !t.cancelled {
			kept = append(kept, t)
		}
	}
	m.timeouts = kept
	m.mu.Unlock()
}
