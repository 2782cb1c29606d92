package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workspaces/internal/model"
)

// mockSender is a mock implementation of the Sender interface.
type mockSender struct {
	SendFunc func(ctx context.Context, e Event) error
}

func (m *mockSender) Name() string { return "mock" }

func (m *mockSender) Send(ctx context.Context, e Event) error {
	return m.SendFunc(ctx, e)
}

func testEvent(kind Kind) Event {
	return NewEvent(kind, model.Workspace{
		Pool:      "bulk",
		Name:      "sim1",
		Owner:     "alice",
		ExpiresAt: time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC),
	}, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
}

func TestDispatcher_Emit(t *testing.T) {
	d := NewDispatcher(1, &mockSender{SendFunc: func(context.Context, Event) error { return nil }})

	e := testEvent(KindCreated)
	d.Emit(e)

	select {
	case job := <-d.Jobs():
		assert.Equal(t, e.ID, job.ID)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for event to be queued")
	}
}

func TestDispatcher_DeliversToAllSenders(t *testing.T) {
	var (
		mu       sync.Mutex
		received []string
	)
	record := func(name string) Sender {
		return &namedSender{name: name, fn: func(_ context.Context, e Event) error {
			mu.Lock()
			defer mu.Unlock()
			received = append(received, name+":"+string(e.Kind))
			return nil
		}}
	}
	failing := &mockSender{SendFunc: func(context.Context, Event) error { return errors.New("relay down") }}

	d := NewDispatcher(2, failing, record("a"), record("b"))
	d.Start(context.Background())
	d.Emit(testEvent(KindCreated))
	d.Emit(testEvent(KindReminderDue))
	d.Close()

	assert.ElementsMatch(t, []string{
		"a:created", "b:created",
		"a:reminder_due", "b:reminder_due",
	}, received)

	// Emitting after Close is a no-op.
	d.Emit(testEvent(KindDeleted))
	assert.Len(t, received, 4)
}

func TestDispatcher_DrainsAfterCancel(t *testing.T) {
	var (
		mu        sync.Mutex
		delivered int
	)
	d := NewDispatcher(1, &mockSender{SendFunc: func(ctx context.Context, _ Event) error {
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() == nil {
			delivered++
		}
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	cancel()

	// More events than the queue holds: Emit must not wedge once the run
	// context is gone.
	const events = 40
	emitted := make(chan struct{})
	go func() {
		for i := 0; i < events; i++ {
			d.Emit(testEvent(KindReminderDue))
		}
		close(emitted)
	}()
	select {
	case <-emitted:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked after cancellation")
	}

	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after cancellation")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, events, delivered)
}

func TestDispatcher_CloseReleasesBlockedEmit(t *testing.T) {
	// Never started: nothing drains the queue.
	d := NewDispatcher(1, &mockSender{SendFunc: func(context.Context, Event) error { return nil }})
	for i := 0; i < cap(d.Jobs()); i++ {
		d.Emit(testEvent(KindCreated))
	}

	blocked := make(chan struct{})
	go func() {
		d.Emit(testEvent(KindDeleted))
		close(blocked)
	}()

	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()
	for _, ch := range []chan struct{}{blocked, done} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("Close and a blocked Emit deadlocked")
		}
	}
}

func TestDispatcher_CloseAfterCancel(t *testing.T) {
	d := NewDispatcher(1, &mockSender{SendFunc: func(context.Context, Event) error { return nil }})
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after cancellation")
	}
}

func TestEvent_Text(t *testing.T) {
	orig := hostname
	hostname = func() string { return "hpc01" }
	t.Cleanup(func() { hostname = orig })

	e := testEvent(KindReminderDue)
	e.DaysRemaining = 3
	require.NotEmpty(t, e.ID)
	assert.Equal(t, "Your workspace sim1 on hpc01 will expire in 3 days", e.Subject())
	assert.Contains(t, e.Body(), "workspaces extend -f bulk -d <days> sim1")

	e = testEvent(KindAutoExpired)
	e.Retention = 30 * day
	assert.Equal(t, "Your workspace sim1 on hpc01 has expired and will be deleted in 30 days", e.Subject())

	assert.NotEqual(t, testEvent(KindCreated).ID, testEvent(KindCreated).ID)
}

type namedSender struct {
	name string
	fn   func(ctx context.Context, e Event) error
}

func (s *namedSender) Name() string                            { return s.name }
func (s *namedSender) Send(ctx context.Context, e Event) error { return s.fn(ctx, e) }
