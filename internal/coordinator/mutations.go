package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sapliy/notifysync/internal/crosstab"
	"github.com/sapliy/notifysync/internal/notify"
	"github.com/sapliy/notifysync/internal/optimistic"
	"github.com/sapliy/notifysync/internal/queue"
	"github.com/sapliy/notifysync/internal/store"
)

// MarkAsRead marks one notification read. The local state flips
// immediately; the server write either confirms, falls back to the
// offline queue, or rolls the flip back on permanent rejection.
func (c *Coordinator) MarkAsRead(ctx context.Context, id string) error {
	return c.setRead(ctx, id, true)
}

// MarkAsUnread reverses a read mark.
func (c *Coordinator) MarkAsUnread(ctx context.Context, id string) error {
	return c.setRead(ctx, id, false)
}

func (c *Coordinator) setRead(ctx context.Context, id string, read bool) error {
	c.mu.Lock()
	cur, ok := c.items[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: notification %s", notify.ErrNotFound, id)
	}
	if cur.Read == read {
		c.mu.Unlock()
		return nil
	}
	applied := cur
	applied.Read = read
	applied.UpdatedAt = time.Now().UTC()
	c.items[id] = applied
	c.mu.Unlock()

	kind := queue.OpMarkRead
	if !read {
		kind = queue.OpMarkUnread
	}
	u := c.opt.Apply(id, string(kind), cur, applied)
	c.applyLocally(applied)

	return c.submit(ctx, u, kind, id, func() error {
		return c.remote.UpdateNotification(ctx, id, store.ReadPatch(read))
	})
}

// Delete removes a notification. Deleting something the server already
// deleted is a success; the states agree.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	cur, ok := c.items[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: notification %s", notify.ErrNotFound, id)
	}
	delete(c.items, id)
	unread := c.unreadLocked()
	c.mu.Unlock()

	u := c.opt.Apply(id, string(queue.OpDelete), cur, cur)
	c.storeCache()
	ev := notify.ChangeEvent{Op: notify.OpDelete, Record: notify.Notification{ID: id, UserID: c.userID}}
	c.publish(Event{Op: notify.OpDelete, Notification: ev.Record, Unread: unread})
	c.rebroadcast(crosstab.KindStateChanged, &ev)

	return c.submit(ctx, u, queue.OpDelete, id, func() error {
		return c.remote.DeleteNotification(ctx, id)
	})
}

// MarkAllAsRead flips every unread notification at once. The bulk write
// is a single server call; on a retryable failure one queued markAllRead
// operation converges later.
func (c *Coordinator) MarkAllAsRead(ctx context.Context) error {
	now := time.Now().UTC()
	c.mu.Lock()
	originals := make([]notify.Notification, 0)
	for id, n := range c.items {
		if n.Read {
			continue
		}
		originals = append(originals, n)
		n.Read = true
		n.UpdatedAt = now
		c.items[id] = n
	}
	c.mu.Unlock()
	if len(originals) == 0 {
		return nil
	}

	c.storeCache()
	c.mu.Lock()
	unread := c.unreadLocked()
	changed := make([]notify.Notification, 0, len(originals))
	for _, o := range originals {
		changed = append(changed, c.items[o.ID])
	}
	c.mu.Unlock()
	for _, n := range changed {
		ev := notify.ChangeEvent{Op: notify.OpUpdate, Record: n}
		c.publish(Event{Op: notify.OpUpdate, Notification: n, Unread: unread})
		c.rebroadcast(crosstab.KindStateChanged, &ev)
	}

	err := notify.ErrNetwork
	if c.platform.Online() {
		err = c.remote.MarkAllRead(ctx, c.userID)
		if err == nil {
			return nil
		}
	}
	if c.queue != nil && c.offlineOr(err) {
		return c.enqueue(queue.OpMarkAllRead, "")
	}

	// Permanent rejection: restore the previous read states.
	c.mu.Lock()
	for _, o := range originals {
		if cur, ok := c.items[o.ID]; ok && cur.UpdatedAt.Equal(now) {
			c.items[o.ID] = o
		}
	}
	c.mu.Unlock()
	c.storeCache()
	return fmt.Errorf("mark all read: %w", err)
}

// submit runs the server write behind an optimistic apply: confirm on
// success, hand off to the offline queue on anything retryable, roll the
// local state back on permanent rejection.
func (c *Coordinator) submit(ctx context.Context, u *optimistic.Update, kind queue.OpKind, targetID string, write func() error) error {
	if !c.platform.Online() {
		return c.handOff(u, kind, targetID)
	}

	err := write()
	switch {
	case err == nil, errors.Is(err, notify.ErrNotFound):
		// Not-found on a mutation means the server already converged.
		c.opt.Confirm(u.ID)
		return nil
	case notify.Retryable(err):
		c.logger.Warn("server write failed, queueing for replay",
			"kind", kind, "target_id", targetID, "error", err)
		return c.handOff(u, kind, targetID)
	default:
		if rolled, ok := c.opt.Rollback(u.ID); ok {
			c.restoreOriginal(rolled)
		}
		return fmt.Errorf("%s %s: %w", kind, targetID, err)
	}
}

// handOff moves a mutation from the optimistic ledger to the offline
// queue, which owns convergence from then on. With no queue available the
// optimistic apply is undone instead.
func (c *Coordinator) handOff(u *optimistic.Update, kind queue.OpKind, targetID string) error {
	if c.queue == nil {
		if rolled, ok := c.opt.Rollback(u.ID); ok {
			c.restoreOriginal(rolled)
		}
		return fmt.Errorf("%w: offline and no queue configured", notify.ErrNetwork)
	}
	if !c.opt.Cancel(u.ID) {
		// Already expired into the queue or superseded by server state.
		return nil
	}
	return c.enqueue(kind, targetID)
}

func (c *Coordinator) offlineOr(err error) bool {
	return !c.platform.Online() || notify.Retryable(err)
}

func (c *Coordinator) enqueue(kind queue.OpKind, targetID string) error {
	if _, err := c.queue.Enqueue(kind, c.userID, targetID); err != nil {
		// Storage degradation only; the operation is queued in memory.
		c.logger.Warn("offline queue persistence degraded", "error", err)
	}
	return nil
}

// onOptimisticTimeout is the confirmation-timeout handler: the server
// never answered, so the pre-optimistic state comes back and the mutation
// moves to the offline queue, whose replay converges it eventually.
func (c *Coordinator) onOptimisticTimeout(u optimistic.Update) {
	c.logger.Warn("optimistic update expired without confirmation",
		"update_id", u.ID, "target_id", u.TargetID)
	c.restoreOriginal(u)
	if c.queue != nil && u.Op != "" {
		_ = c.enqueue(queue.OpKind(u.Op), u.TargetID)
	}
}

func (c *Coordinator) restoreOriginal(u optimistic.Update) {
	c.mu.Lock()
	c.items[u.TargetID] = u.Original
	c.mu.Unlock()
	c.applyLocally(u.Original)
}

// applyLocally pushes an already-merged record to the cache, subscribers
// and peer contexts as a state change.
func (c *Coordinator) applyLocally(n notify.Notification) {
	c.mu.Lock()
	c.items[n.ID] = n
	unread := c.unreadLocked()
	c.mu.Unlock()

	c.storeCache()
	ev := notify.ChangeEvent{Op: notify.OpUpdate, Record: n}
	c.publish(Event{Op: notify.OpUpdate, Notification: n, Unread: unread})
	c.rebroadcast(crosstab.KindStateChanged, &ev)
}
