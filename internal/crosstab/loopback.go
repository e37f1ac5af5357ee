package crosstab

import (
	"context"
	"sync"
)

// peerBufferSize bounds each subscriber's backlog. A peer that stops
// draining loses oldest-undelivered messages rather than blocking the
// fan-out; resync heals whatever it missed.
const peerBufferSize = 64

// Loopback is an in-process Broadcaster connecting every subscriber in
// the same process. It backs single-process deployments and tests.
type Loopback struct {
	mu     sync.Mutex
	peers  map[int]chan []byte
	nextID int
	closed bool
}

func NewLoopback() *Loopback {
	return &Loopback{peers: make(map[int]chan []byte)}
}

func (l *Loopback) Publish(_ context.Context, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.peers {
		select {
		case ch <- data:
		default:
			// Full buffer: drop the oldest message to make room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- data:
			default:
			}
		}
	}
	return nil
}

func (l *Loopback) Subscribe(_ context.Context) (<-chan []byte, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	ch := make(chan []byte, peerBufferSize)
	l.peers[id] = ch

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.peers[id]; ok {
			delete(l.peers, id)
			close(ch)
		}
	}
	return ch, cancel, nil
}

// Close tears down every subscription.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for id, ch := range l.peers {
		delete(l.peers, id)
		close(ch)
	}
	return nil
}
