// Package optimistic tracks local state changes applied ahead of server
// confirmation. Every user action lands immediately in presentation state;
// this manager remembers the original so a failed or timed-out mutation
// can be rolled back, and discards the pending record when a newer
// server-confirmed state supersedes it.
package optimistic

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sapliy/notifysync/internal/metrics"
	"github.com/sapliy/notifysync/internal/notify"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusRolledBack Status = "rolledBack"
)

// DefaultConfirmTimeout bounds how long an update may wait for server
// confirmation before it is rolled back automatically.
const DefaultConfirmTimeout = 10 * time.Second

// Update is one in-flight optimistic change. Never persisted; it lives
// only for the current session. Op is the caller's mutation kind, carried
// so an expired update can still be replayed through the offline queue.
type Update struct {
	ID       string
	TargetID string
	Op       string
	Applied  notify.Notification
	Original notify.Notification
	IssuedAt time.Time
	Status   Status
}

type pendingUpdate struct {
	update Update
	timer  *time.Timer
}

// TimeoutFunc receives updates that expired without confirmation, after
// their state has been marked rolledBack. The coordinator restores the
// original presentation state and hands the mutation to the offline queue.
type TimeoutFunc func(Update)

type Manager struct {
	mu       sync.Mutex
	pending  map[string]*pendingUpdate // by update id
	byTarget map[string]string         // target id -> latest pending update id
	timeout  time.Duration
	onExpiry TimeoutFunc
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Manager)

func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l.With("component", "optimistic")
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(onExpiry TimeoutFunc, opts ...Option) *Manager {
	m := &Manager{
		pending:  make(map[string]*pendingUpdate),
		byTarget: make(map[string]string),
		timeout:  DefaultConfirmTimeout,
		onExpiry: onExpiry,
		logger:   slog.Default().With("component", "optimistic"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply records an optimistic transition from original to applied state
// for the target and arms the confirmation timeout. The caller has already
// updated presentation state; Apply only tracks the pending confirmation.
// A second Apply against the same target replaces the first but keeps the
// oldest original, so a full rollback restores pre-optimistic state.
func (m *Manager) Apply(targetID, op string, original, applied notify.Notification) *Update {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prevID, ok := m.byTarget[targetID]; ok {
		if prev, ok := m.pending[prevID]; ok {
			original = prev.update.Original
			prev.timer.Stop()
			delete(m.pending, prevID)
		}
	}

	u := Update{
		ID:       uuid.New().String(),
		TargetID: targetID,
		Op:       op,
		Applied:  applied,
		Original: original,
		IssuedAt: m.now(),
		Status:   StatusPending,
	}

	p := &pendingUpdate{update: u}
	p.timer = time.AfterFunc(m.timeout, func() { m.expire(u.ID) })
	m.pending[u.ID] = p
	m.byTarget[targetID] = u.ID

	return &u
}

// Confirm finalizes a pending update. Returns false when the update is
// unknown (already rolled back, expired, or superseded).
func (m *Manager) Confirm(updateID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[updateID]
	if !ok {
		return false
	}
	p.timer.Stop()
	m.removeLocked(p)
	return true
}

// Rollback cancels a pending update and returns the original state the
// caller must restore. Invalidation of affected cache entries is the
// caller's half of the contract.
func (m *Manager) Rollback(updateID string) (Update, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[updateID]
	if !ok {
		return Update{}, false
	}
	p.timer.Stop()
	p.update.Status = StatusRolledBack
	m.removeLocked(p)
	metrics.OptimisticRollbacks.Inc()
	return p.update, true
}

// Cancel discards a pending update without rollback bookkeeping, for the
// case where the user issues a reversing action before confirmation.
func (m *Manager) Cancel(updateID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[updateID]
	if !ok {
		return false
	}
	p.timer.Stop()
	m.removeLocked(p)
	return true
}

// ResolveServerState applies the last-writer-wins conflict rule: when a
// server-confirmed state newer than the optimistic apply arrives for a
// target, the pending update is discarded without rollback. Returns true
// when a pending update was discarded.
func (m *Manager) ResolveServerState(targetID string, serverUpdatedAt time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byTarget[targetID]
	if !ok {
		return false
	}
	p, ok := m.pending[id]
	if !ok {
		return false
	}
	if serverUpdatedAt.Before(p.update.IssuedAt) {
		// Stale server echo of older state; the optimistic update stands.
		return false
	}
	p.timer.Stop()
	m.removeLocked(p)
	m.logger.Debug("server state superseded optimistic update",
		"target_id", targetID, "update_id", id)
	return true
}

// HasPending reports whether a target has an update awaiting confirmation.
func (m *Manager) HasPending(targetID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byTarget[targetID]
	return ok
}

// PendingCount returns the number of updates awaiting confirmation.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close stops all confirmation timers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pending {
		p.timer.Stop()
	}
	m.pending = make(map[string]*pendingUpdate)
	m.byTarget = make(map[string]string)
}

func (m *Manager) expire(updateID string) {
	m.mu.Lock()
	p, ok := m.pending[updateID]
	if !ok {
		m.mu.Unlock()
		return
	}
	p.update.Status = StatusRolledBack
	m.removeLocked(p)
	m.mu.Unlock()

	metrics.OptimisticRollbacks.Inc()
	m.logger.Warn("optimistic update expired without confirmation",
		"update_id", updateID, "target_id", p.update.TargetID)
	if m.onExpiry != nil {
		m.onExpiry(p.update)
	}
}

func (m *Manager) removeLocked(p *pendingUpdate) {
	delete(m.pending, p.update.ID)
	if m.byTarget[p.update.TargetID] == p.update.ID {
		delete(m.byTarget, p.update.TargetID)
	}
}
