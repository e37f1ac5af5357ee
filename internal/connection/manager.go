// Package connection owns the lifecycle of live change-stream
// subscriptions: connect, heartbeat, failure detection, exponential
// backoff reconnection, polling fallback, and missed-event resync after
// any connectivity gap. One logical connection exists per user; the
// Registry deduplicates acquirers on top.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sapliy/notifysync/internal/metrics"
	"github.com/sapliy/notifysync/internal/notify"
	"github.com/sapliy/notifysync/internal/store"
	"github.com/sapliy/notifysync/internal/stream"
)

// Status is the connection state machine's current state.
type Status string

const (
	StatusDisconnected    Status = "disconnected"
	StatusConnecting      Status = "connecting"
	StatusConnected       Status = "connected"
	StatusReconnecting    Status = "reconnecting"
	StatusError           Status = "error"
	StatusPollingFallback Status = "polling-fallback"
)

// AllStatuses is used to keep the state gauge exhaustive.
var AllStatuses = []string{
	string(StatusDisconnected), string(StatusConnecting), string(StatusConnected),
	string(StatusReconnecting), string(StatusError), string(StatusPollingFallback),
}

// State is the per-user connection state surfaced to status consumers.
type State struct {
	Status              Status        `json:"status"`
	LastConnectedAt     time.Time     `json:"last_connected_at"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CurrentBackoffDelay time.Duration `json:"current_backoff_delay"`
}

// Sink receives validated change events in arrival order. Live events and
// resync'd missed events arrive through the same sink.
type Sink func(ev notify.ChangeEvent)

// StatusFunc observes state transitions.
type StatusFunc func(userID string, state State)

// Config carries the resilience constants. The zero value is filled in
// from DefaultConfig.
type Config struct {
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	JitterFactor      float64
	MaxFailures       int // consecutive failures before polling fallback
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ResyncPageLimit   int
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:         1 * time.Second,
		MaxDelay:          30 * time.Second,
		JitterFactor:      0.2,
		MaxFailures:       5,
		PollInterval:      30 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		ResyncPageLimit:   100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.JitterFactor <= 0 {
		c.JitterFactor = d.JitterFactor
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = d.MaxFailures
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.ResyncPageLimit <= 0 {
		c.ResyncPageLimit = d.ResyncPageLimit
	}
	return c
}

// Manager runs one connection loop per connected user.
type Manager struct {
	source   stream.Source
	remote   store.Store
	cfg      Config
	logger   *slog.Logger
	onStatus StatusFunc

	mu    sync.Mutex
	conns map[string]*userConn
}

type userConn struct {
	userID string
	sink   Sink
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state State
}

func NewManager(source stream.Source, remote store.Store, cfg Config, logger *slog.Logger, onStatus StatusFunc) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		source:   source,
		remote:   remote,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "connection"),
		onStatus: onStatus,
		conns:    make(map[string]*userConn),
	}
}

// Connect establishes (or reuses) the logical live subscription for the
// user and starts its supervision loop.
func (m *Manager) Connect(userID string, sink Sink) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[userID]; ok {
		return fmt.Errorf("user %s is already connected", userID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	uc := &userConn{
		userID: userID,
		sink:   sink,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  State{Status: StatusDisconnected},
	}
	m.conns[userID] = uc

	go m.run(ctx, uc)
	return nil
}

// Disconnect tears the user's connection down and waits for the loop to
// exit. Reconnection and heartbeat timers are canceled with it.
func (m *Manager) Disconnect(userID string) {
	m.mu.Lock()
	uc, ok := m.conns[userID]
	if ok {
		delete(m.conns, userID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	uc.cancel()
	<-uc.done
}

// Status returns the user's connection state; a zero disconnected state
// for unknown users.
func (m *Manager) Status(userID string) State {
	m.mu.Lock()
	uc, ok := m.conns[userID]
	m.mu.Unlock()
	if !ok {
		return State{Status: StatusDisconnected}
	}
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return uc.state
}

// Close disconnects every user.
func (m *Manager) Close() {
	m.mu.Lock()
	users := make([]string, 0, len(m.conns))
	for id := range m.conns {
		users = append(users, id)
	}
	m.mu.Unlock()
	for _, id := range users {
		m.Disconnect(id)
	}
}

func (m *Manager) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.BaseDelay
	bo.RandomizationFactor = m.cfg.JitterFactor
	bo.Multiplier = 2
	bo.MaxInterval = m.cfg.MaxDelay
	return bo
}

// run supervises one user's subscription until Disconnect.
func (m *Manager) run(ctx context.Context, uc *userConn) {
	defer close(uc.done)
	defer m.setStatus(uc, func(s *State) { s.Status = StatusDisconnected })

	bo := m.newBackoff()

	for {
		if ctx.Err() != nil {
			return
		}

		m.setStatus(uc, func(s *State) {
			if s.ConsecutiveFailures == 0 {
				s.Status = StatusConnecting
			} else {
				s.Status = StatusReconnecting
			}
		})

		conn, err := m.source.Connect(ctx, uc.userID)
		if err != nil {
			if errors.Is(err, notify.ErrPermission) {
				m.logger.Error("subscription rejected, giving up", "user_id", uc.userID, "error", err)
				m.setStatus(uc, func(s *State) { s.Status = StatusError })
				return
			}
			if !m.handleFailure(ctx, uc, bo, err) {
				return
			}
			continue
		}

		// Heal the gap before consuming live traffic, then serve.
		m.resyncGap(ctx, uc)
		m.setStatus(uc, func(s *State) {
			s.Status = StatusConnected
			s.ConsecutiveFailures = 0
			s.CurrentBackoffDelay = 0
			s.LastConnectedAt = time.Now().UTC()
		})
		bo.Reset()
		m.logger.Info("change stream connected", "user_id", uc.userID)

		serveErr := m.serve(ctx, uc, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("change stream lost", "user_id", uc.userID, "error", serveErr)
		if !m.handleFailure(ctx, uc, bo, serveErr) {
			return
		}
	}
}

// handleFailure counts a failure, then either sleeps out the backoff or,
// past the threshold, drops into polling fallback. Returns false when the
// loop should exit.
func (m *Manager) handleFailure(ctx context.Context, uc *userConn, bo *backoff.ExponentialBackOff, cause error) bool {
	metrics.Reconnects.Inc()

	var failures int
	delay := bo.NextBackOff()
	m.setStatus(uc, func(s *State) {
		s.ConsecutiveFailures++
		s.CurrentBackoffDelay = delay
		s.Status = StatusReconnecting
		failures = s.ConsecutiveFailures
	})

	if failures >= m.cfg.MaxFailures {
		if !m.pollLoop(ctx, uc) {
			return false
		}
		// A successful poll resets the failure budget; retry live.
		m.setStatus(uc, func(s *State) {
			s.ConsecutiveFailures = 0
			s.CurrentBackoffDelay = 0
		})
		bo.Reset()
		return true
	}

	m.logger.Info("reconnecting after backoff",
		"user_id", uc.userID, "attempt", failures, "delay", delay, "error", cause)
	return sleepCtx(ctx, delay)
}

// serve pumps live events and heartbeats until the connection dies.
func (m *Manager) serve(ctx context.Context, uc *userConn, conn stream.Conn) error {
	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case data, ok := <-conn.Events():
			if !ok {
				if err := conn.Err(); err != nil {
					return err
				}
				return fmt.Errorf("%w: stream closed", notify.ErrNetwork)
			}
			ev, err := notify.DecodeChangeEvent(data)
			if err != nil {
				// One corrupt event never aborts the stream.
				m.logger.Warn("dropping invalid change event", "user_id", uc.userID, "error", err)
				metrics.EventsDropped.Inc()
				continue
			}
			metrics.EventsReceived.WithLabelValues(string(ev.Op)).Inc()
			m.touch(uc)
			uc.sink(*ev)

		case <-heartbeat.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("heartbeat failed: %w", err)
			}
			m.touch(uc)
		}
	}
}

// pollLoop is the degraded mode past the failure threshold: a full
// refresh query on a fixed interval instead of a live connection.
// Returns true once a poll succeeds, false when the context ends.
func (m *Manager) pollLoop(ctx context.Context, uc *userConn) bool {
	m.setStatus(uc, func(s *State) { s.Status = StatusPollingFallback })
	m.logger.Warn("entering polling fallback", "user_id", uc.userID, "interval", m.cfg.PollInterval)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := m.resync(ctx, uc, m.since(uc)); err == nil {
			m.logger.Info("poll succeeded, resuming live connection", "user_id", uc.userID)
			return true
		} else if errors.Is(err, notify.ErrPermission) {
			m.setStatus(uc, func(s *State) { s.Status = StatusError })
			return false
		} else {
			m.logger.Warn("poll failed", "user_id", uc.userID, "error", err)
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// resyncGap heals the missed-event window after a reconnect. Failures are
// logged, not fatal: the live stream is up and polling-fallback or the
// next gap will heal what this pass missed.
func (m *Manager) resyncGap(ctx context.Context, uc *userConn) {
	since := m.since(uc)
	if since.IsZero() {
		return // first connect; the coordinator does the initial fetch
	}
	if err := m.resync(ctx, uc, since); err != nil {
		m.logger.Warn("missed-event resync failed", "user_id", uc.userID, "error", err)
	}
}

// resync fetches every notification created after the gap started and
// feeds it through the same sink as live events, ordered by creation
// time. Both the reconnect path and the polling fallback run through
// here; the only difference is the trigger.
func (m *Manager) resync(ctx context.Context, uc *userConn, since time.Time) error {
	timer := prometheus.NewTimer(metrics.ResyncDuration)
	defer timer.ObserveDuration()

	filters := store.Filters{Since: since, Limit: m.cfg.ResyncPageLimit}
	cursor := ""
	for {
		page, err := m.remote.FetchNotifications(ctx, uc.userID, filters, cursor)
		if err != nil {
			return err
		}
		for i := range page.Notifications {
			rec := page.Notifications[i]
			metrics.EventsReceived.WithLabelValues(string(notify.OpInsert)).Inc()
			uc.sink(notify.ChangeEvent{Op: notify.OpInsert, Record: rec})
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	m.touch(uc)
	return nil
}

// touch records that the stream was provably live just now, narrowing the
// next missed-event window.
func (m *Manager) touch(uc *userConn) {
	uc.mu.Lock()
	uc.state.LastConnectedAt = time.Now().UTC()
	uc.mu.Unlock()
}

func (m *Manager) since(uc *userConn) time.Time {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return uc.state.LastConnectedAt
}

func (m *Manager) setStatus(uc *userConn, mutate func(*State)) {
	uc.mu.Lock()
	before := uc.state.Status
	mutate(&uc.state)
	after := uc.state
	uc.mu.Unlock()

	if before != after.Status {
		metrics.SetConnectionState(string(after.Status), AllStatuses)
		m.logger.Debug("connection state changed",
			"user_id", uc.userID, "from", before, "to", after.Status)
	}
	if m.onStatus != nil {
		m.onStatus(uc.userID, after)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
