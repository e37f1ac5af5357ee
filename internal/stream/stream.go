// Package stream abstracts the live change-stream transport. The
// connection manager owns reconnection, heartbeat and resync uniformly;
// a Source only knows how to dial once and hand back raw messages.
package stream

import "context"

// Source dials one live subscription to a user's change stream.
type Source interface {
	Connect(ctx context.Context, userID string) (Conn, error)
}

// Conn is one established stream connection.
type Conn interface {
	// Events yields raw change messages in arrival order. The channel is
	// closed when the connection dies; Err then reports why.
	Events() <-chan []byte
	// Ping probes liveness; an error is treated as a connection failure.
	Ping(ctx context.Context) error
	// Err returns the terminal error after Events closes, nil on clean close.
	Err() error
	Close() error
}
