package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sapliy/notifysync/internal/cache"
	"github.com/sapliy/notifysync/internal/connection"
	"github.com/sapliy/notifysync/internal/crosstab"
	"github.com/sapliy/notifysync/internal/notify"
	"github.com/sapliy/notifysync/internal/platform"
	"github.com/sapliy/notifysync/internal/queue"
	"github.com/sapliy/notifysync/internal/store"
)

// coordStore is a scriptable remote store and preference store.
type coordStore struct {
	mu          sync.Mutex
	updateErr   error
	updateHang  chan struct{} // when set, UpdateNotification blocks until closed
	deleteErr   error
	markAllErr  error
	fetchErr    error
	page        []notify.Notification
	updates     []string
	deletes     []string
	markAlls    int
	preferences *notify.Preferences
}

func (s *coordStore) FetchNotifications(ctx context.Context, userID string, filters store.Filters, cursor string) (*store.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return &store.Page{Notifications: append([]notify.Notification(nil), s.page...)}, nil
}

func (s *coordStore) UpdateNotification(ctx context.Context, id string, patch store.Patch) error {
	s.mu.Lock()
	hang := s.updateHang
	s.mu.Unlock()
	if hang != nil {
		<-hang
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	s.updates = append(s.updates, id)
	return nil
}

func (s *coordStore) DeleteNotification(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deletes = append(s.deletes, id)
	return nil
}

func (s *coordStore) MarkAllRead(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markAllErr != nil {
		return s.markAllErr
	}
	s.markAlls++
	return nil
}

func (s *coordStore) GetPreferences(ctx context.Context, userID string) (*notify.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preferences == nil {
		return &notify.Preferences{UserID: userID, Toast: true, Sound: true}, nil
	}
	return s.preferences, nil
}

func (s *coordStore) updatedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.updates...)
}

func (s *coordStore) deletedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deletes...)
}

func newTestCoordinator(t *testing.T, st *coordStore, plat platform.Adapter) (*Coordinator, *queue.Queue) {
	t.Helper()
	q, err := queue.New(st, nil, queue.Options{QueueID: "test-queue"})
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	c, err := New(Deps{
		UserID:   "u-1",
		Remote:   st,
		Prefs:    st,
		Cache:    cache.New(),
		Queue:    q,
		Platform: plat,
	}, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c, q
}

func n(id string, read bool, at time.Time) notify.Notification {
	return notify.Notification{
		ID:             id,
		UserID:         "u-1",
		Type:           notify.TypeTicketAssigned,
		Priority:       notify.PriorityMedium,
		Title:          "assigned",
		Read:           read,
		CreatedAt:      at,
		UpdatedAt:      at,
		DeliveryStatus: notify.DeliveryDelivered,
	}
}

func TestInsertEventUpdatesStateAndNotifiesSubscribers(t *testing.T) {
	st := &coordStore{}
	c, _ := newTestCoordinator(t, st, platform.Static{IsOnline: true, IsFocused: true})

	sub := c.Subscribe()
	defer sub.Close()

	c.handleEvent(notify.ChangeEvent{Op: notify.OpInsert, Record: n("n-1", false, time.Now().UTC())}, false)

	select {
	case ev := <-sub.C:
		if ev.Op != notify.OpInsert || ev.Notification.ID != "n-1" {
			t.Fatalf("event = %+v, want insert of n-1", ev)
		}
		if ev.Unread != 1 {
			t.Fatalf("unread = %d, want 1", ev.Unread)
		}
		if !ev.Toast {
			t.Fatal("toast suppressed for a fresh focused insert")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	if c.UnreadCount() != 1 {
		t.Fatalf("UnreadCount = %d, want 1", c.UnreadCount())
	}
}

func TestDuplicateAndStaleEventsAreIgnored(t *testing.T) {
	st := &coordStore{}
	c, _ := newTestCoordinator(t, st, platform.Static{IsOnline: true, IsFocused: true})

	base := time.Now().UTC()
	newer := n("n-1", true, base)
	newer.UpdatedAt = base.Add(time.Minute)
	c.handleEvent(notify.ChangeEvent{Op: notify.OpUpdate, Record: newer}, false)

	// An older snapshot of the same record must not clobber the newer one.
	older := n("n-1", false, base)
	c.handleEvent(notify.ChangeEvent{Op: notify.OpUpdate, Record: older}, false)

	if c.UnreadCount() != 0 {
		t.Fatalf("UnreadCount = %d, want 0 (stale unread echo applied)", c.UnreadCount())
	}

	// Redelivery of the same event is a no-op.
	c.handleEvent(notify.ChangeEvent{Op: notify.OpUpdate, Record: newer}, false)
	list, err := c.Notifications(context.Background())
	if err != nil {
		t.Fatalf("Notifications: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len = %d, want 1", len(list))
	}
}

func TestPreferenceDisabledTypeIsFiltered(t *testing.T) {
	st := &coordStore{preferences: &notify.Preferences{
		UserID:      "u-1",
		TypeEnabled: map[notify.Type]bool{notify.TypeTicketComment: false},
		Toast:       true,
	}}
	c, _ := newTestCoordinator(t, st, platform.Static{IsOnline: true, IsFocused: true})

	rec := n("n-1", false, time.Now().UTC())
	rec.Type = notify.TypeTicketComment
	c.handleEvent(notify.ChangeEvent{Op: notify.OpInsert, Record: rec}, false)

	if c.UnreadCount() != 0 {
		t.Fatal("disabled type surfaced anyway")
	}
}

func TestToastSuppressedWhenUnfocusedOrQuiet(t *testing.T) {
	st := &coordStore{}
	c, _ := newTestCoordinator(t, st, platform.Static{IsOnline: true, IsFocused: false})

	sub := c.Subscribe()
	defer sub.Close()
	c.handleEvent(notify.ChangeEvent{Op: notify.OpInsert, Record: n("n-1", false, time.Now().UTC())}, false)

	select {
	case ev := <-sub.C:
		if ev.Toast || ev.Sound {
			t.Fatalf("toast=%v sound=%v, want both false for unfocused context", ev.Toast, ev.Sound)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestMarkAsReadOnlineConfirms(t *testing.T) {
	st := &coordStore{}
	c, _ := newTestCoordinator(t, st, platform.Static{IsOnline: true, IsFocused: true})

	c.handleEvent(notify.ChangeEvent{Op: notify.OpInsert, Record: n("n-1", false, time.Now().UTC())}, false)
	if err := c.MarkAsRead(context.Background(), "n-1"); err != nil {
		t.Fatalf("MarkAsRead: %v", err)
	}

	if got := st.updatedIDs(); len(got) != 1 || got[0] != "n-1" {
		t.Fatalf("server updates = %v, want [n-1]", got)
	}
	if c.UnreadCount() != 0 {
		t.Fatalf("UnreadCount = %d, want 0", c.UnreadCount())
	}
	if c.Status().PendingOptimistic != 0 {
		t.Fatal("optimistic update left pending after confirmation")
	}
}

func TestMarkAsReadIsIdempotent(t *testing.T) {
	st := &coordStore{}
	c, _ := newTestCoordinator(t, st, platform.Static{IsOnline: true, IsFocused: true})

	c.handleEvent(notify.ChangeEvent{Op: notify.OpInsert, Record: n("n-1", false, time.Now().UTC())}, false)
	if err := c.MarkAsRead(context.Background(), "n-1"); err != nil {
		t.Fatalf("first MarkAsRead: %v", err)
	}
	if err := c.MarkAsRead(context.Background(), "n-1"); err != nil {
		t.Fatalf("second MarkAsRead: %v", err)
	}
	if got := st.updatedIDs(); len(got) != 1 {
		t.Fatalf("server updates = %v, want exactly one", got)
	}
}

func TestOfflineDeleteQueuesAndFlushesOnReconnect(t *testing.T) {
	st := &coordStore{}
	plat := platform.NewSimulated(false, true)
	c, q := newTestCoordinator(t, st, plat)

	c.handleEvent(notify.ChangeEvent{Op: notify.OpInsert, Record: n("n-1", false, time.Now().UTC())}, false)

	// Offline: the delete applies locally and lands in the queue.
	if err := c.Delete(context.Background(), "n-1"); err != nil {
		t.Fatalf("Delete offline: %v", err)
	}
	if len(st.deletedIDs()) != 0 {
		t.Fatal("server delete issued while offline")
	}
	if q.Depth() != 1 {
		t.Fatalf("queue depth = %d, want 1", q.Depth())
	}
	list, err := c.Notifications(context.Background())
	if err != nil {
		t.Fatalf("Notifications: %v", err)
	}
	if len(list) != 0 {
		t.Fatal("deleted notification still visible locally")
	}

	// Connectivity returns: the status callback drains the queue.
	plat.SetOnline(true)
	c.OnConnectionStatus("u-1", connection.State{Status: connection.StatusConnected})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got := st.deletedIDs(); len(got) == 1 && got[0] == "n-1" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("server deletes = %v, want [n-1] after flush", st.deletedIDs())
}

func TestRetryableFailureFallsBackToQueue(t *testing.T) {
	st := &coordStore{updateErr: fmt.Errorf("%w: gateway unreachable", notify.ErrNetwork)}
	c, q := newTestCoordinator(t, st, platform.Static{IsOnline: true, IsFocused: true})

	c.handleEvent(notify.ChangeEvent{Op: notify.OpInsert, Record: n("n-1", false, time.Now().UTC())}, false)
	if err := c.MarkAsRead(context.Background(), "n-1"); err != nil {
		t.Fatalf("MarkAsRead with retryable failure: %v", err)
	}
	if c.UnreadCount() != 0 {
		t.Fatal("optimistic read mark rolled back on a retryable failure")
	}
	if q.Depth() != 1 {
		t.Fatalf("queue depth = %d, want 1", q.Depth())
	}
}

func TestConfirmationTimeoutRestoresStateAndQueues(t *testing.T) {
	hang := make(chan struct{})
	st := &coordStore{updateHang: hang}
	q, err := queue.New(st, nil, queue.Options{QueueID: "test-queue"})
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	c, err := New(Deps{
		UserID:   "u-1",
		Remote:   st,
		Prefs:    st,
		Cache:    cache.New(),
		Queue:    q,
		Platform: platform.Static{IsOnline: true, IsFocused: true},
	}, Config{ConfirmTimeout: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)

	c.handleEvent(notify.ChangeEvent{Op: notify.OpInsert, Record: n("n-1", false, time.Now().UTC())}, false)

	// The server write stalls past the confirmation window. The mark must
	// roll back locally and land in the queue so it is not lost.
	done := make(chan error, 1)
	go func() { done <- c.MarkAsRead(context.Background(), "n-1") }()

	deadline := time.Now().Add(2 * time.Second)
	for q.Depth() != 1 || c.UnreadCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("depth = %d, unread = %d; want 1 and 1 after confirmation timeout",
				q.Depth(), c.UnreadCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if ops := q.Snapshot(); ops[0].Kind != queue.OpMarkRead || ops[0].TargetID != "n-1" {
		t.Fatalf("queued op = %+v, want markRead of n-1", ops[0])
	}
	if c.Status().PendingOptimistic != 0 {
		t.Fatal("expired update left in the optimistic ledger")
	}

	// The stalled write finally returns; nothing double-applies.
	close(hang)
	if err := <-done; err != nil {
		t.Fatalf("MarkAsRead after late server reply: %v", err)
	}
	if q.Depth() != 1 {
		t.Fatalf("queue depth = %d, want 1 (late reply must not re-queue)", q.Depth())
	}
}

func TestPermanentFailureRollsBack(t *testing.T) {
	st := &coordStore{updateErr: fmt.Errorf("%w: forbidden", notify.ErrPermission)}
	c, q := newTestCoordinator(t, st, platform.Static{IsOnline: true, IsFocused: true})

	c.handleEvent(notify.ChangeEvent{Op: notify.OpInsert, Record: n("n-1", false, time.Now().UTC())}, false)
	if err := c.MarkAsRead(context.Background(), "n-1"); err == nil {
		t.Fatal("MarkAsRead succeeded despite permission rejection")
	}
	if c.UnreadCount() != 1 {
		t.Fatalf("UnreadCount = %d, want 1 after rollback", c.UnreadCount())
	}
	if q.Depth() != 0 {
		t.Fatal("permanent failure was queued for replay")
	}
}

func TestMarkAllAsRead(t *testing.T) {
	st := &coordStore{}
	c, _ := newTestCoordinator(t, st, platform.Static{IsOnline: true, IsFocused: true})

	base := time.Now().UTC()
	c.handleEvent(notify.ChangeEvent{Op: notify.OpInsert, Record: n("n-1", false, base)}, false)
	c.handleEvent(notify.ChangeEvent{Op: notify.OpInsert, Record: n("n-2", false, base.Add(time.Second))}, false)
	c.handleEvent(notify.ChangeEvent{Op: notify.OpInsert, Record: n("n-3", true, base.Add(2*time.Second))}, false)

	if err := c.MarkAllAsRead(context.Background()); err != nil {
		t.Fatalf("MarkAllAsRead: %v", err)
	}
	if c.UnreadCount() != 0 {
		t.Fatalf("UnreadCount = %d, want 0", c.UnreadCount())
	}
	st.mu.Lock()
	calls := st.markAlls
	st.mu.Unlock()
	if calls != 1 {
		t.Fatalf("MarkAllRead calls = %d, want 1", calls)
	}
}

func TestMarkAllAsReadOfflineQueuesWithoutServerCall(t *testing.T) {
	st := &coordStore{}
	c, q := newTestCoordinator(t, st, platform.Static{IsOnline: false, IsFocused: true})

	base := time.Now().UTC()
	c.handleEvent(notify.ChangeEvent{Op: notify.OpInsert, Record: n("n-1", false, base)}, false)
	c.handleEvent(notify.ChangeEvent{Op: notify.OpInsert, Record: n("n-2", false, base.Add(time.Second))}, false)

	if err := c.MarkAllAsRead(context.Background()); err != nil {
		t.Fatalf("MarkAllAsRead offline: %v", err)
	}
	if c.UnreadCount() != 0 {
		t.Fatalf("UnreadCount = %d, want 0", c.UnreadCount())
	}
	st.mu.Lock()
	calls := st.markAlls
	st.mu.Unlock()
	if calls != 0 {
		t.Fatalf("server MarkAllRead calls = %d, want 0 while offline", calls)
	}
	if q.Depth() != 1 {
		t.Fatalf("queue depth = %d, want 1", q.Depth())
	}
	if ops := q.Snapshot(); ops[0].Kind != queue.OpMarkAllRead {
		t.Fatalf("queued op = %+v, want markAllRead", ops[0])
	}
}

func TestRefreshMergePrefersNewerLocalState(t *testing.T) {
	base := time.Now().UTC()
	stale := n("n-1", false, base)
	st := &coordStore{page: []notify.Notification{stale}}
	c, _ := newTestCoordinator(t, st, platform.Static{IsOnline: true, IsFocused: true})

	// A live event newer than the page row arrives first.
	newer := n("n-1", true, base)
	newer.UpdatedAt = base.Add(time.Minute)
	c.handleEvent(notify.ChangeEvent{Op: notify.OpInsert, Record: newer}, false)

	list, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(list) != 1 || !list[0].Read {
		t.Fatalf("refresh clobbered newer local state: %+v", list)
	}
}

func TestNotificationsSortedNewestFirst(t *testing.T) {
	st := &coordStore{}
	c, _ := newTestCoordinator(t, st, platform.Static{IsOnline: true, IsFocused: true})

	base := time.Now().UTC()
	c.handleEvent(notify.ChangeEvent{Op: notify.OpInsert, Record: n("n-old", false, base)}, false)
	c.handleEvent(notify.ChangeEvent{Op: notify.OpInsert, Record: n("n-new", false, base.Add(time.Hour))}, false)

	list, err := c.Notifications(context.Background())
	if err != nil {
		t.Fatalf("Notifications: %v", err)
	}
	if len(list) != 2 || list[0].ID != "n-new" || list[1].ID != "n-old" {
		t.Fatalf("order = %v, want newest first", []string{list[0].ID, list[1].ID})
	}
}

func TestPeerMessageAppliesWithoutToast(t *testing.T) {
	st := &coordStore{}
	c, _ := newTestCoordinator(t, st, platform.Static{IsOnline: true, IsFocused: true})

	sub := c.Subscribe()
	defer sub.Close()

	ev := notify.ChangeEvent{Op: notify.OpInsert, Record: n("n-1", false, time.Now().UTC())}
	c.HandlePeerMessage(crosstab.Message{
		Kind:   crosstab.KindNotificationReceived,
		Origin: "peer",
		UserID: "u-1",
		Event:  &ev,
		SentAt: time.Now().UTC(),
	})

	select {
	case got := <-sub.C:
		if got.Toast {
			t.Fatal("peer-originated insert produced a second toast")
		}
		if got.Notification.ID != "n-1" {
			t.Fatalf("notification id = %s, want n-1", got.Notification.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("peer message not applied")
	}
	if c.UnreadCount() != 1 {
		t.Fatalf("UnreadCount = %d, want 1", c.UnreadCount())
	}
}
