// Package queue implements the durable offline mutation queue: mark-read,
// mark-unread, delete and mark-all-read operations captured while the
// client is offline or a mutation fails, replayed in FIFO order once
// connectivity returns.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sapliy/notifysync/internal/metrics"
	"github.com/sapliy/notifysync/internal/notify"
	"github.com/sapliy/notifysync/internal/store"
)

// OpKind identifies a queued mutation.
type OpKind string

const (
	OpMarkRead    OpKind = "markRead"
	OpMarkUnread  OpKind = "markUnread"
	OpDelete      OpKind = "delete"
	OpMarkAllRead OpKind = "markAllRead"
)

// OpStatus tracks an operation through replay.
type OpStatus string

const (
	StatusPending OpStatus = "pending"
	StatusSyncing OpStatus = "syncing"
	StatusSynced  OpStatus = "synced"
	StatusFailed  OpStatus = "failed"
)

// DefaultMaxRetries caps automatic replay attempts per operation before it
// needs an explicit user retry.
const DefaultMaxRetries = 5

// QueuedOperation is one pending mutation. Operations are idempotent at
// the store boundary, so duplicate submission after a partition is
// harmless.
type QueuedOperation struct {
	ID         string    `json:"id"`
	Kind       OpKind    `json:"kind"`
	TargetID   string    `json:"target_id,omitempty"`
	UserID     string    `json:"user_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	RetryCount int       `json:"retry_count"`
	Status     OpStatus  `json:"status"`
	LastError  string    `json:"last_error,omitempty"`
	// Terminal operations are excluded from automatic replay: either the
	// server rejected them permanently or retries are exhausted. They stay
	// visible until retried or removed explicitly.
	Terminal bool `json:"terminal,omitempty"`
}

type snapshot struct {
	Items []QueuedOperation `json:"items"`
}

// Options configures a Queue.
type Options struct {
	QueueID    string
	MaxRetries int
	Logger     *slog.Logger
	// Redis, when set, records a dedup key per synced operation so a replay
	// racing a direct submission is skipped instead of re-applied.
	Redis *redis.Client
	// DedupTTL bounds how long synced-operation dedup keys live.
	DedupTTL time.Duration
}

// Queue is the durable FIFO of pending mutations. All state changes are
// persisted through the LocalStorage collaborator so the queue survives a
// process restart; when persistence fails the queue degrades to
// memory-only and keeps working.
type Queue struct {
	mu       sync.Mutex
	items    []QueuedOperation
	storage  store.LocalStorage
	remote   store.Store
	queueID  string
	maxRetry int
	logger   *slog.Logger
	rdb      *redis.Client
	dedupTTL time.Duration

	flushMu sync.Mutex // serializes Flush; enqueue stays concurrent
}

func New(remote store.Store, storage store.LocalStorage, opts Options) (*Queue, error) {
	if remote == nil {
		return nil, fmt.Errorf("remote store is required")
	}
	queueID := opts.QueueID
	if queueID == "" {
		queueID = "offline-queue"
	}
	maxRetry := opts.MaxRetries
	if maxRetry <= 0 {
		maxRetry = DefaultMaxRetries
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dedupTTL := opts.DedupTTL
	if dedupTTL <= 0 {
		dedupTTL = 24 * time.Hour
	}

	q := &Queue{
		items:    []QueuedOperation{},
		storage:  storage,
		remote:   remote,
		queueID:  queueID,
		maxRetry: maxRetry,
		logger:   logger.With("component", "offline_queue"),
		rdb:      opts.Redis,
		dedupTTL: dedupTTL,
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	metrics.QueueDepth.Set(float64(len(q.items)))
	return q, nil
}

// Enqueue appends an operation and persists the queue. A storage failure
// keeps the operation in memory and returns an ErrStorage-wrapped warning;
// the operation is still queued.
func (q *Queue) Enqueue(kind OpKind, userID, targetID string) (*QueuedOperation, error) {
	op := QueuedOperation{
		ID:         uuid.New().String(),
		Kind:       kind,
		TargetID:   targetID,
		UserID:     userID,
		EnqueuedAt: time.Now().UTC(),
		Status:     StatusPending,
	}

	q.mu.Lock()
	q.items = append(q.items, op)
	err := q.saveLocked()
	depth := len(q.items)
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	metrics.QueueEnqueued.WithLabelValues(string(kind)).Inc()

	if err != nil {
		q.logger.Warn("queue persistence failed, operation held in memory only",
			"op_id", op.ID, "kind", kind, "error", err)
		return &op, fmt.Errorf("%w: %v", notify.ErrStorage, err)
	}
	return &op, nil
}

// Flush replays every pending or retryable failed operation in enqueue
// order. Synced operations are removed; retryable failures stay queued
// with an incremented retry count; permanent failures are marked terminal
// and skipped by later automatic flushes.
func (q *Queue) Flush(ctx context.Context) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	var firstErr error
	for {
		op, ok := q.nextReplayable()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		q.setStatus(op.ID, StatusSyncing, "")

		err := q.apply(ctx, op)
		switch {
		case err == nil:
			q.markSynced(ctx, op)
		case notify.Retryable(err):
			q.markFailed(op.ID, err, false)
			metrics.QueueReplayFailures.Inc()
			if firstErr == nil {
				firstErr = err
			}
			// A transient failure here means the rest of the queue will
			// almost certainly fail too; stop and wait for the next trigger.
			return firstErr
		default:
			q.logger.Error("operation rejected permanently",
				"op_id", op.ID, "kind", op.Kind, "error", err)
			q.markFailed(op.ID, err, true)
			metrics.QueueReplayFailures.Inc()
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Retry clears the terminal flag on a failed operation so the next flush
// picks it up again. This backs the explicit retry action in the UI.
func (q *Queue) Retry(opID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID == opID && q.items[i].Status == StatusFailed {
			q.items[i].Terminal = false
			q.items[i].Status = StatusPending
			q.items[i].RetryCount = 0
			q.items[i].LastError = ""
			if err := q.saveLocked(); err != nil {
				q.logger.Warn("queue persistence failed", "error", err)
			}
			return true
		}
	}
	return false
}

// Remove discards one operation regardless of status.
func (q *Queue) Remove(opID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID == opID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			if err := q.saveLocked(); err != nil {
				q.logger.Warn("queue persistence failed", "error", err)
			}
			metrics.QueueDepth.Set(float64(len(q.items)))
			return true
		}
	}
	return false
}

// Clear discards the whole queue, durably.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = []QueuedOperation{}
	metrics.QueueDepth.Set(0)
	if q.storage == nil {
		return nil
	}
	if err := q.storage.Remove(q.queueID); err != nil {
		return fmt.Errorf("%w: %v", notify.ErrStorage, err)
	}
	return nil
}

// Snapshot returns a copy of the current queue contents for the visible
// sync/retry surface.
func (q *Queue) Snapshot() []QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueuedOperation(nil), q.items...)
}

// Depth returns the number of queued operations.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) apply(ctx context.Context, op QueuedOperation) error {
	if q.alreadyApplied(ctx, op.ID) {
		q.logger.Info("operation already applied, skipping replay", "op_id", op.ID)
		return nil
	}

	var err error
	switch op.Kind {
	case OpMarkRead:
		err = q.remote.UpdateNotification(ctx, op.TargetID, store.ReadPatch(true))
	case OpMarkUnread:
		err = q.remote.UpdateNotification(ctx, op.TargetID, store.ReadPatch(false))
	case OpDelete:
		err = q.remote.DeleteNotification(ctx, op.TargetID)
	case OpMarkAllRead:
		err = q.remote.MarkAllRead(ctx, op.UserID)
	default:
		return fmt.Errorf("%w: unknown operation kind %q", notify.ErrValidation, op.Kind)
	}
	// The store treats a delete of an already-deleted notification as
	// success; a NotFound still means the end state holds.
	if err != nil && op.Kind == OpDelete && notify.Classify(err) == notify.ErrNotFound {
		return nil
	}
	return err
}

func (q *Queue) nextReplayable() (QueuedOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.items {
		if op.Terminal {
			continue
		}
		if op.Status == StatusPending || op.Status == StatusFailed {
			return op, true
		}
	}
	return QueuedOperation{}, false
}

func (q *Queue) setStatus(opID string, status OpStatus, lastError string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID == opID {
			q.items[i].Status = status
			q.items[i].LastError = lastError
			break
		}
	}
	if err := q.saveLocked(); err != nil {
		q.logger.Warn("queue persistence failed", "error", err)
	}
}

func (q *Queue) markSynced(ctx context.Context, op QueuedOperation) {
	if q.rdb != nil {
		if err := q.rdb.Set(ctx, dedupKey(op.ID), "1", q.dedupTTL).Err(); err != nil {
			q.logger.Warn("failed to record dedup key", "op_id", op.ID, "error", err)
		}
	}

	q.mu.Lock()
	for i := range q.items {
		if q.items[i].ID == op.ID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	if err := q.saveLocked(); err != nil {
		q.logger.Warn("queue persistence failed", "error", err)
	}
	depth := len(q.items)
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	metrics.QueueSynced.WithLabelValues(string(op.Kind)).Inc()
}

func (q *Queue) markFailed(opID string, cause error, terminal bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID != opID {
			continue
		}
		q.items[i].Status = StatusFailed
		q.items[i].RetryCount++
		q.items[i].LastError = cause.Error()
		if terminal || q.items[i].RetryCount >= q.maxRetry {
			q.items[i].Terminal = true
		}
		break
	}
	if err := q.saveLocked(); err != nil {
		q.logger.Warn("queue persistence failed", "error", err)
	}
}

func (q *Queue) alreadyApplied(ctx context.Context, opID string) bool {
	if q.rdb == nil {
		return false
	}
	exists, err := q.rdb.Exists(ctx, dedupKey(opID)).Result()
	if err != nil {
		q.logger.Warn("dedup check failed", "op_id", opID, "error", err)
		return false
	}
	return exists > 0
}

func dedupKey(opID string) string {
	return "notifysync:op:synced:" + opID
}

func (q *Queue) load() error {
	if q.storage == nil {
		return nil
	}
	data, err := q.storage.Load(q.queueID)
	if err != nil {
		return fmt.Errorf("%w: loading queue %s: %v", notify.ErrStorage, q.queueID, err)
	}
	if len(data) == 0 {
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: queue %s is corrupt: %v", notify.ErrStorage, q.queueID, err)
	}
	// Operations caught mid-sync by a crash go back to pending.
	for i := range snap.Items {
		if snap.Items[i].Status == StatusSyncing {
			snap.Items[i].Status = StatusPending
		}
	}
	q.items = snap.Items
	if q.items == nil {
		q.items = []QueuedOperation{}
	}
	return nil
}

func (q *Queue) saveLocked() error {
	if q.storage == nil {
		return nil
	}
	data, err := json.Marshal(snapshot{Items: q.items})
	if err != nil {
		return err
	}
	return q.storage.Persist(q.queueID, data)
}
