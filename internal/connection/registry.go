package connection

import (
	"log/slog"
	"sync"

	"github.com/sapliy/notifysync/internal/notify"
)

// Registry deduplicates subscriptions: any number of acquirers for the
// same user share one underlying connection, each receiving the full
// event flow. The connection is opened on the first Acquire and torn
// down when the last Lease is released.
type Registry struct {
	mgr    *Manager
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	refs    int
	nextID  int
	sinks   map[int]Sink
	sinksMu sync.RWMutex
}

// Lease is one acquirer's handle on a shared connection.
type Lease struct {
	reg    *Registry
	userID string
	sinkID int

	once sync.Once
}

func NewRegistry(mgr *Manager, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		mgr:     mgr,
		logger:  logger.With("component", "registry"),
		entries: make(map[string]*entry),
	}
}

// Acquire attaches a sink to the user's connection, dialing it if this is
// the first acquirer. Concurrent Acquires for the same user never open a
// second connection.
func (r *Registry) Acquire(userID string, sink Sink) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok {
		e = &entry{sinks: make(map[int]Sink)}
		if err := r.mgr.Connect(userID, e.fanOut); err != nil {
			return nil, err
		}
		r.entries[userID] = e
		r.logger.Debug("first subscriber, connection opened", "user_id", userID)
	}

	e.refs++
	e.sinksMu.Lock()
	id := e.nextID
	e.nextID++
	e.sinks[id] = sink
	e.sinksMu.Unlock()

	return &Lease{reg: r, userID: userID, sinkID: id}, nil
}

// Subscribers reports the number of live leases for a user.
func (r *Registry) Subscribers(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[userID]; ok {
		return e.refs
	}
	return 0
}

// Release detaches the lease. The last release for a user closes the
// shared connection. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.reg.release(l.userID, l.sinkID)
	})
}

func (r *Registry) release(userID string, sinkID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok {
		return
	}
	e.sinksMu.Lock()
	delete(e.sinks, sinkID)
	e.sinksMu.Unlock()
	e.refs--
	if e.refs > 0 {
		return
	}
	delete(r.entries, userID)
	r.logger.Debug("last subscriber gone, closing connection", "user_id", userID)
	// Teardown completes under the lock so an Acquire racing the last
	// release never finds the manager mid-disconnect.
	r.mgr.Disconnect(userID)
}

// fanOut delivers one event to every attached sink. Sinks run inline; a
// slow consumer should buffer on its own side.
func (e *entry) fanOut(ev notify.ChangeEvent) {
	e.sinksMu.RLock()
	sinks := make([]Sink, 0, len(e.sinks))
	for _, s := range e.sinks {
		sinks = append(sinks, s)
	}
	e.sinksMu.RUnlock()
	for _, s := range sinks {
		s(ev)
	}
}
