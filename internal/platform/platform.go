// Package platform abstracts the ambient environment signals the
// coordinator reacts to: network availability changes and whether this
// context currently holds user focus. Keeping them behind an interface
// keeps the resilience logic testable without a real environment.
package platform

import "sync"

// Adapter surfaces ambient environment signals.
type Adapter interface {
	// OnNetworkChange registers a callback invoked whenever network
	// availability flips. The returned cancel func unregisters it.
	OnNetworkChange(fn func(online bool)) (cancel func())
	// Online reports current network availability.
	Online() bool
	// Focused reports whether this context is the one the user is looking
	// at. Only the focused context produces toasts and sounds.
	Focused() bool
}

// Static is an Adapter with fixed answers, used by the daemon when no
// environment integration is wired: always online, always focused.
type Static struct {
	IsOnline  bool
	IsFocused bool
}

func (s Static) OnNetworkChange(func(online bool)) (cancel func()) { return func() {} }
func (s Static) Online() bool                                      { return s.IsOnline }
func (s Static) Focused() bool                                     { return s.IsFocused }

// Simulated is a controllable Adapter for tests and embedded hosts that
// know their own focus/network state.
type Simulated struct {
	mu        sync.Mutex
	online    bool
	focused   bool
	listeners map[int]func(online bool)
	nextID    int
}

func NewSimulated(online, focused bool) *Simulated {
	return &Simulated{
		online:    online,
		focused:   focused,
		listeners: make(map[int]func(online bool)),
	}
}

func (s *Simulated) OnNetworkChange(fn func(online bool)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Simulated) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *Simulated) Focused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focused
}

// SetOnline flips network availability and notifies listeners.
func (s *Simulated) SetOnline(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	fns := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// SetFocused flips the focus flag.
func (s *Simulated) SetFocused(focused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focused = focused
}
