package mediator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type testEvent struct{ n int }

func (testEvent) EventType() Type { return "test" }

func TestListenersFireInRegistrationOrder(t *testing.T) {
	m := New()
	var order []int
	m.AddListener("test", func(Event) { order = append(order, 1) })
	m.AddListener("test", func(Event) { order = append(order, 2) })
	m.AddListener("test", func(Event) { order = append(order, 3) })

	m.NoteEvent(testEvent{})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestRemovedListenerDoesNotFire(t *testing.T) {
	m := New()
	var fired []string
	l := m.AddListener("test", func(Event) { fired = append(fired, "a") })
	m.AddListener("test", func(Event) { fired = append(fired, "b") })

	m.RemoveListener(l)
	m.NoteEvent(testEvent{})

	assert.Equal(t, []string{"b"}, fired)
}

func TestListenerRemovedDuringDeliveryIsSkipped(t *testing.T) {
	m := New()
	var fired []string
	var second *Listener
	m.AddListener("test", func(Event) {
		fired = append(fired, "a")
		m.RemoveListener(second)
	})
	second = m.AddListener("test", func(Event) { fired = append(fired, "b") })

	m.NoteEvent(testEvent{})

	assert.Equal(t, []string{"a"}, fired)
}

func TestEventsOnlyReachMatchingType(t *testing.T) {
	m := New()
	count := 0
	m.AddListener("other", func(Event) { count++ })

	m.NoteEvent(testEvent{})

	assert.Zero(t, count)
}

func TestTimeoutReschedulesWhileTrue(t *testing.T) {
	m := New()
	ticks := 0
	m.AddTimeout(time.Millisecond, func() bool {
		ticks++
		return ticks < 3
	})

	base := time.Now()
	for i := 1; i <= 10; i++ {
		m.runDue(base.Add(time.Duration(i) * time.Millisecond))
	}

	assert.Equal(t, 3, ticks)
}

func TestCancelledTimeoutNeverFires(t *testing.T) {
	m := New()
	ticks := 0
	to := m.AddTimeout(time.Millisecond, func() bool {
		ticks++
		return true
	})
	to.Cancel()

	m.runDue(time.Now().Add(time.Second))

	assert.Zero(t, ticks)
}

func TestDoRunsOnMediatorGoroutine(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	ran := false
	m.Do(func() { ran = true })

	assert.True(t, ran)
}

func TestTimeoutFiresUnderRun(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	fired := make(chan struct{})
	var once bool
	m.AddTimeout(5*time.Millisecond, func() bool {
		if !once {
			once = true
			close(fired)
		}
		return false
	})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback never fired")
	}
}
