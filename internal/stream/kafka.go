package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/sapliy/notifysync/internal/notify"
)

// KafkaSource consumes change events from a shared topic keyed by user,
// with one consumer group per client instance so every context sees the
// full stream for its user.
type KafkaSource struct {
	brokers []string
	topic   string
	groupID string
}

func NewKafkaSource(brokers []string, topic, groupID string) (*KafkaSource, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if topic == "" {
		topic = "notifysync.changes"
	}
	return &KafkaSource{brokers: brokers, topic: topic, groupID: groupID}, nil
}

func (s *KafkaSource) Connect(ctx context.Context, userID string) (Conn, error) {
	groupID := s.groupID
	if groupID == "" {
		groupID = "notifysync-" + userID
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  s.brokers,
		Topic:    s.topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	c := &kafkaConn{
		reader: reader,
		userID: userID,
		events: make(chan []byte, wsEventBuffer),
		cancel: cancel,
	}
	go c.consume(runCtx)
	return c, nil
}

type kafkaConn struct {
	reader *kafka.Reader
	userID string
	events chan []byte
	cancel context.CancelFunc

	mu     sync.Mutex
	err    error
	closed bool
}

func (c *kafkaConn) Events() <-chan []byte { return c.events }

func (c *kafkaConn) consume(ctx context.Context) {
	defer close(c.events)
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			c.mu.Lock()
			if !c.closed && ctx.Err() == nil {
				c.err = fmt.Errorf("%w: kafka read: %v", notify.Classify(err), err)
			}
			c.mu.Unlock()
			return
		}
		// The topic is shared across users; the key carries the user id.
		if len(m.Key) != 0 && string(m.Key) != c.userID {
			continue
		}
		select {
		case c.events <- m.Value:
		case <-ctx.Done():
			return
		}
	}
}

func (c *kafkaConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: kafka reader closed", notify.ErrNetwork)
	}
	if c.err != nil {
		return c.err
	}
	return nil
}

func (c *kafkaConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *kafkaConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	return c.reader.Close()
}
