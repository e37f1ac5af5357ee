package crosstab

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBroadcaster fans messages out across processes through redis
// pub/sub on a per-user channel.
type RedisBroadcaster struct {
	rdb     *redis.Client
	channel string
}

func NewRedisBroadcaster(rdb *redis.Client, userID string) (*RedisBroadcaster, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	return &RedisBroadcaster{
		rdb:     rdb,
		channel: "notifysync:crosstab:" + userID,
	}, nil
}

func (b *RedisBroadcaster) Publish(ctx context.Context, data []byte) error {
	return b.rdb.Publish(ctx, b.channel, data).Err()
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context) (<-chan []byte, func(), error) {
	sub := b.rdb.Subscribe(ctx, b.channel)
	// Force the subscription to be established before we report success.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, err
	}

	out := make(chan []byte, peerBufferSize)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { sub.Close() }
	return out, cancel, nil
}
