// Package coordinator is the delivery hub for one user's notifications.
// It owns the local working set, runs every change event through the same
// pipeline regardless of origin (live stream, resync, peer context), and
// routes user mutations through the optimistic-update and offline-queue
// machinery so the visible state stays responsive under any connectivity.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sapliy/notifysync/internal/cache"
	"github.com/sapliy/notifysync/internal/connection"
	"github.com/sapliy/notifysync/internal/crosstab"
	"github.com/sapliy/notifysync/internal/metrics"
	"github.com/sapliy/notifysync/internal/notify"
	"github.com/sapliy/notifysync/internal/optimistic"
	"github.com/sapliy/notifysync/internal/platform"
	"github.com/sapliy/notifysync/internal/queue"
	"github.com/sapliy/notifysync/internal/store"
)

// Event is what subscribers receive: the applied change plus the derived
// presentation hints. Toast and Sound are already gated on preferences,
// quiet hours and focus; a subscriber just acts on them.
type Event struct {
	Op           notify.ChangeOp     `json:"op"`
	Notification notify.Notification `json:"notification"`
	Unread       int                 `json:"unread"`
	Toast        bool                `json:"toast"`
	Sound        bool                `json:"sound"`
}

// Subscription is one consumer's handle on the event flow.
type Subscription struct {
	C    <-chan Event
	id   int
	c    chan Event
	coor *Coordinator
	once sync.Once
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.coor.unsubscribe(s.id) })
}

const subscriberBuffer = 32

// Config tunes the coordinator. Zero values get defaults.
type Config struct {
	PageLimit      int
	CacheTTL       time.Duration
	ConfirmTimeout time.Duration // optimistic confirmation window
}

// Deps are the collaborators the coordinator orchestrates. Registry,
// Tabs and Platform are optional; everything else is required.
type Deps struct {
	UserID   string
	Remote   store.Store
	Prefs    store.PreferenceStore
	Cache    *cache.Cache
	Queue    *queue.Queue
	Registry *connection.Registry
	Tabs     *crosstab.Synchronizer
	Platform platform.Adapter
	Logger   *slog.Logger
}

// Coordinator mediates between the connection layer, the cache, the
// offline queue, the optimistic-update manager and peer contexts.
type Coordinator struct {
	userID    string
	remote    store.Store
	prefs     store.PreferenceStore
	cache     *cache.Cache
	queue     *queue.Queue
	registry  *connection.Registry
	tabs      *crosstab.Synchronizer
	platform  platform.Adapter
	opt       *optimistic.Manager
	logger    *slog.Logger
	pageLimit int
	cacheTTL  time.Duration

	mu        sync.Mutex
	items     map[string]notify.Notification
	subs      map[int]chan Event
	nextSubID int
	connState connection.State
	lease     *connection.Lease
	cancel    context.CancelFunc
}

func New(deps Deps, cfg Config) (*Coordinator, error) {
	if deps.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if deps.Remote == nil {
		return nil, fmt.Errorf("remote store is required")
	}
	if deps.Cache == nil {
		deps.Cache = cache.New()
	}
	if deps.Platform == nil {
		deps.Platform = platform.Static{IsOnline: true, IsFocused: true}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 100
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cache.DefaultTTL
	}

	c := &Coordinator{
		userID:    deps.UserID,
		remote:    deps.Remote,
		prefs:     deps.Prefs,
		cache:     deps.Cache,
		queue:     deps.Queue,
		registry:  deps.Registry,
		tabs:      deps.Tabs,
		platform:  deps.Platform,
		logger:    deps.Logger.With("component", "coordinator", "user_id", deps.UserID),
		pageLimit: cfg.PageLimit,
		cacheTTL:  cfg.CacheTTL,
		items:     make(map[string]notify.Notification),
		subs:      make(map[int]chan Event),
		connState: connection.State{Status: connection.StatusDisconnected},
	}
	opts := []optimistic.Option{optimistic.WithLogger(deps.Logger)}
	if cfg.ConfirmTimeout > 0 {
		opts = append(opts, optimistic.WithTimeout(cfg.ConfirmTimeout))
	}
	c.opt = optimistic.NewManager(c.onOptimisticTimeout, opts...)
	return c, nil
}

// AttachRegistry wires the subscription registry. The registry needs the
// connection manager, which needs this coordinator's status callback, so
// it arrives after construction. Must be called before Start.
func (c *Coordinator) AttachRegistry(r *connection.Registry) {
	c.registry = r
}

// AttachTabs wires the peer-context synchronizer. Must be called before
// Start.
func (c *Coordinator) AttachTabs(t *crosstab.Synchronizer) {
	c.tabs = t
}

// Start attaches the coordinator to the live stream, the peer fabric and
// the platform network signal. It returns once attached; event processing
// runs in the background until Close.
func (c *Coordinator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	if c.registry != nil {
		lease, err := c.registry.Acquire(c.userID, func(ev notify.ChangeEvent) {
			c.handleEvent(ev, false)
		})
		if err != nil {
			cancel()
			return fmt.Errorf("acquire subscription: %w", err)
		}
		c.mu.Lock()
		c.lease = lease
		c.cancel = cancel
		c.mu.Unlock()
	} else {
		c.mu.Lock()
		c.cancel = cancel
		c.mu.Unlock()
	}

	if c.tabs != nil {
		go func() {
			if err := c.tabs.Run(runCtx); err != nil && runCtx.Err() == nil {
				c.logger.Warn("peer sync loop stopped", "error", err)
			}
		}()
	}

	stopNet := c.platform.OnNetworkChange(func(online bool) {
		if online {
			c.logger.Info("network restored, flushing offline queue")
			go c.flushQueue(context.Background())
		}
	})
	go func() {
		<-runCtx.Done()
		stopNet()
	}()

	return nil
}

// Close detaches everything and stops pending optimistic timers.
func (c *Coordinator) Close() {
	c.mu.Lock()
	lease := c.lease
	cancel := c.cancel
	c.lease = nil
	c.cancel = nil
	subs := c.subs
	c.subs = make(map[int]chan Event)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if lease != nil {
		lease.Release()
	}
	c.opt.Close()
	for _, ch := range subs {
		close(ch)
	}
}

// Subscribe registers a consumer for delivery events. Events are dropped
// for consumers that stop draining; state stays queryable regardless.
func (c *Coordinator) Subscribe() *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	ch := make(chan Event, subscriberBuffer)
	c.subs[id] = ch
	return &Subscription{C: ch, id: id, c: ch, coor: c}
}

func (c *Coordinator) unsubscribe(id int) {
	c.mu.Lock()
	ch, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

// OnConnectionStatus is wired as the connection manager's status callback.
// Regaining the live stream triggers an offline-queue flush.
func (c *Coordinator) OnConnectionStatus(userID string, st connection.State) {
	if userID != c.userID {
		return
	}
	c.mu.Lock()
	prev := c.connState.Status
	c.connState = st
	c.mu.Unlock()

	if st.Status == connection.StatusConnected && prev != connection.StatusConnected {
		go c.flushQueue(context.Background())
	}
}

// handleEvent is the single pipeline every change runs through: staleness
// check, optimistic reconciliation, state merge, cache write, gated
// fan-out, and peer rebroadcast for locally received changes.
func (c *Coordinator) handleEvent(ev notify.ChangeEvent, fromPeer bool) {
	id := ev.Record.ID
	if ev.Record.UserID != "" && ev.Record.UserID != c.userID {
		return
	}

	prefs := c.preferences(context.Background())
	if ev.Op != notify.OpDelete && !prefs.TypeAllowed(ev.Record.Type) {
		c.logger.Debug("notification type disabled by preferences", "id", id, "type", ev.Record.Type)
		return
	}

	c.mu.Lock()
	if cur, ok := c.items[id]; ok && ev.StaleRelativeTo(cur.UpdatedAt) {
		c.mu.Unlock()
		c.logger.Debug("dropping stale change", "id", id, "op", ev.Op)
		return
	}
	if c.opt.HasPending(id) && !c.opt.ResolveServerState(id, ev.Record.UpdatedAt) {
		// Stale server echo of pre-optimistic state; the local apply stands.
		c.mu.Unlock()
		return
	}
	isNew := false
	switch ev.Op {
	case notify.OpDelete:
		delete(c.items, id)
	default:
		_, existed := c.items[id]
		isNew = ev.Op == notify.OpInsert && !existed
		c.items[id] = ev.Record
	}
	unread := c.unreadLocked()
	c.mu.Unlock()

	c.storeCache()

	toast, sound := c.gateSideEffects(prefs, isNew && !fromPeer)
	c.publish(Event{
		Op:           ev.Op,
		Notification: ev.Record,
		Unread:       unread,
		Toast:        toast,
		Sound:        sound,
	})

	if !fromPeer {
		c.rebroadcast(crosstab.KindNotificationReceived, &ev)
	}
}

// gateSideEffects decides whether a toast and sound should fire for a
// fresh notification. All suppression reasons collapse here: repeat
// delivery, peer origin, preferences, quiet hours, unfocused context.
func (c *Coordinator) gateSideEffects(prefs *notify.Preferences, fresh bool) (toast, sound bool) {
	if !fresh {
		return false, false
	}
	if prefs != nil && prefs.QuietHours.Contains(time.Now()) {
		return false, false
	}
	if !c.platform.Focused() {
		return false, false
	}
	toast = prefs == nil || prefs.Toast
	sound = prefs != nil && prefs.Sound
	return toast, sound
}

func (c *Coordinator) publish(ev Event) {
	c.mu.Lock()
	subs := make([]chan Event, 0, len(c.subs))
	for _, ch := range c.subs {
		subs = append(subs, ch)
	}
	c.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Slow consumer; state is still queryable via Notifications.
		}
	}
}

func (c *Coordinator) rebroadcast(kind crosstab.MessageKind, ev *notify.ChangeEvent) {
	if c.tabs == nil {
		return
	}
	c.tabs.Broadcast(context.Background(), crosstab.Message{
		Kind:   kind,
		UserID: c.userID,
		Event:  ev,
		SentAt: time.Now().UTC(),
	})
}

// HandlePeerMessage is wired as the crosstab synchronizer's handler. Peer
// changes run the normal pipeline but never rebroadcast or toast again.
func (c *Coordinator) HandlePeerMessage(msg crosstab.Message) {
	if msg.UserID != "" && msg.UserID != c.userID {
		return
	}
	switch msg.Kind {
	case crosstab.KindNotificationReceived, crosstab.KindStateChanged:
		if msg.Event != nil {
			c.handleEvent(*msg.Event, true)
		}
	case crosstab.KindQueueFlushed:
		// A peer drained the shared queue; our snapshot may hold synced
		// entries. Refresh to converge.
		go func() {
			if _, err := c.Refresh(context.Background()); err != nil {
				c.logger.Debug("refresh after peer flush failed", "error", err)
			}
		}()
	}
}

// Notifications returns the user's working set, newest first. A fresh
// cache serves directly; expired-but-present data is returned immediately
// while a background refresh revalidates; a cold cache fetches inline.
func (c *Coordinator) Notifications(ctx context.Context) ([]notify.Notification, error) {
	if v, ok := c.cache.Get(c.listKey()); ok {
		metrics.CacheHits.Inc()
		return v.([]notify.Notification), nil
	}
	if v, stale, ok := c.cache.GetStale(c.listKey()); ok && stale {
		metrics.CacheHits.Inc()
		go func() {
			if _, err := c.Refresh(context.Background()); err != nil {
				c.logger.Debug("background revalidation failed", "error", err)
			}
		}()
		return v.([]notify.Notification), nil
	}
	metrics.CacheMisses.Inc()
	return c.Refresh(ctx)
}

// Refresh fetches the first page from the server and merges it into the
// working set. Newer local state wins: a page row older than what a live
// event or optimistic apply already produced is ignored.
func (c *Coordinator) Refresh(ctx context.Context) ([]notify.Notification, error) {
	page, err := c.remote.FetchNotifications(ctx, c.userID, store.Filters{Limit: c.pageLimit}, "")
	if err != nil {
		return nil, fmt.Errorf("refresh notifications: %w", err)
	}
	prefs := c.preferences(ctx)

	c.mu.Lock()
	for _, n := range page.Notifications {
		if !prefs.TypeAllowed(n.Type) {
			continue
		}
		if cur, ok := c.items[n.ID]; ok && !n.NewerThan(cur.UpdatedAt) && !n.UpdatedAt.Equal(cur.UpdatedAt) {
			continue
		}
		if c.opt.HasPending(n.ID) && !c.opt.ResolveServerState(n.ID, n.UpdatedAt) {
			continue
		}
		c.items[n.ID] = n
	}
	list := c.sortedLocked()
	c.mu.Unlock()

	c.cache.Set(c.listKey(), list, c.cacheTTL)
	return list, nil
}

// UnreadCount reports the number of unread notifications in the working set.
func (c *Coordinator) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unreadLocked()
}

// Status is the aggregate health view served by the status API.
type Status struct {
	Connection        connection.State `json:"connection"`
	QueueDepth        int              `json:"queue_depth"`
	PendingOptimistic int              `json:"pending_optimistic"`
	Unread            int              `json:"unread"`
	CacheSize         int              `json:"cache_size"`
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	st := Status{
		Connection: c.connState,
		Unread:     c.unreadLocked(),
	}
	c.mu.Unlock()
	st.PendingOptimistic = c.opt.PendingCount()
	st.CacheSize = c.cache.Len()
	if c.queue != nil {
		st.QueueDepth = c.queue.Depth()
	}
	return st
}

func (c *Coordinator) flushQueue(ctx context.Context) {
	if c.queue == nil {
		return
	}
	if err := c.queue.Flush(ctx); err != nil {
		c.logger.Warn("offline queue flush failed", "error", err)
		return
	}
	c.rebroadcast(crosstab.KindQueueFlushed, nil)
}

func (c *Coordinator) unreadLocked() int {
	n := 0
	for _, item := range c.items {
		if !item.Read {
			n++
		}
	}
	return n
}

func (c *Coordinator) sortedLocked() []notify.Notification {
	list := make([]notify.Notification, 0, len(c.items))
	for _, n := range c.items {
		list = append(list, n)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

func (c *Coordinator) storeCache() {
	c.mu.Lock()
	list := c.sortedLocked()
	c.mu.Unlock()
	c.cache.Set(c.listKey(), list, c.cacheTTL)
}

func (c *Coordinator) listKey() string {
	return "notifications:" + c.userID
}

func (c *Coordinator) prefsKey() string {
	return "preferences:" + c.userID
}
