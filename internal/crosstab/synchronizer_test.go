package crosstab

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sapliy/notifysync/internal/notify"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handle(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func testEvent(id string) *notify.ChangeEvent {
	return &notify.ChangeEvent{
		Op: notify.OpInsert,
		Record: notify.Notification{
			ID:        id,
			UserID:    "user_1",
			Type:      notify.TypeMention,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		},
	}
}

func TestSynchronizer_PeerReceivesBroadcast(t *testing.T) {
	bus := NewLoopback()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recA := &recorder{}
	recB := &recorder{}
	tabA := NewSynchronizer(bus, recA.handle, nil)
	tabB := NewSynchronizer(bus, recB.handle, nil)

	go func() { _ = tabA.Run(ctx) }()
	go func() { _ = tabB.Run(ctx) }()
	time.Sleep(20 * time.Millisecond) // let both subscribe

	tabA.Broadcast(ctx, Message{
		Kind:   KindNotificationReceived,
		UserID: "user_1",
		Event:  testEvent("n1"),
	})

	waitFor(t, func() bool { return len(recB.messages()) == 1 })

	got := recB.messages()[0]
	if got.Kind != KindNotificationReceived || got.Event == nil || got.Event.Record.ID != "n1" {
		t.Fatalf("unexpected peer message: %+v", got)
	}
	if got.Origin != tabA.Origin() {
		t.Fatalf("expected origin %s, got %s", tabA.Origin(), got.Origin)
	}
}

func TestSynchronizer_OwnMessagesFiltered(t *testing.T) {
	bus := NewLoopback()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	tab := NewSynchronizer(bus, rec.handle, nil)
	go func() { _ = tab.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	tab.Broadcast(ctx, Message{Kind: KindStateChanged, UserID: "user_1", Event: testEvent("n1")})
	time.Sleep(50 * time.Millisecond)

	if got := rec.messages(); len(got) != 0 {
		t.Fatalf("a context must not receive its own broadcast, got %d messages", len(got))
	}
}

func TestSynchronizer_MalformedPeerMessageSkipped(t *testing.T) {
	bus := NewLoopback()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	tab := NewSynchronizer(bus, rec.handle, nil)
	go func() { _ = tab.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	// Garbage on the wire must not kill the loop.
	if err := bus.Publish(ctx, []byte("{not json")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	other := NewSynchronizer(bus, nil, nil)
	other.Broadcast(ctx, Message{Kind: KindQueueFlushed, UserID: "user_1"})

	waitFor(t, func() bool { return len(rec.messages()) == 1 })
	if rec.messages()[0].Kind != KindQueueFlushed {
		t.Fatalf("expected the valid message to arrive, got %+v", rec.messages())
	}
}

func TestLoopback_SlowPeerDoesNotBlockFanout(t *testing.T) {
	bus := NewLoopback()
	defer bus.Close()

	ctx := context.Background()

	// A subscriber that never drains.
	if _, cancel, err := bus.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe: %v", err)
	} else {
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < peerBufferSize*3; i++ {
			_ = bus.Publish(ctx, []byte(`{}`))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow peer")
	}
}
