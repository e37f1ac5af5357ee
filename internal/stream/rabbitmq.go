package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sapliy/notifysync/internal/notify"
)

const rabbitHeartbeat = 10 * time.Second

// RabbitSource consumes change events from a per-user durable queue on a
// RabbitMQ broker, for deployments where the store publishes changes into
// AMQP instead of serving a websocket.
type RabbitSource struct {
	url         string
	queuePrefix string
}

func NewRabbitSource(url, queuePrefix string) (*RabbitSource, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("rabbitmq URL is required")
	}
	if queuePrefix == "" {
		queuePrefix = "notifysync.changes."
	}
	return &RabbitSource{url: url, queuePrefix: queuePrefix}, nil
}

func (s *RabbitSource) Connect(ctx context.Context, userID string) (Conn, error) {
	conn, err := amqp.DialConfig(s.url, amqp.Config{Heartbeat: rabbitHeartbeat})
	if err != nil {
		return nil, fmt.Errorf("%w: rabbitmq dial: %v", notify.ErrNetwork, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: rabbitmq channel: %v", notify.ErrNetwork, err)
	}

	queueName := s.queuePrefix + userID
	if _, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("%w: declaring queue %s: %v", notify.ErrNetwork, queueName, err)
	}

	deliveries, err := ch.Consume(
		queueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("%w: consuming %s: %v", notify.ErrNetwork, queueName, err)
	}

	c := &rabbitConn{
		conn:   conn,
		ch:     ch,
		events: make(chan []byte, wsEventBuffer),
	}
	go c.consume(deliveries)
	return c, nil
}

type rabbitConn struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	events chan []byte

	mu     sync.Mutex
	err    error
	closed bool
}

func (c *rabbitConn) Events() <-chan []byte { return c.events }

func (c *rabbitConn) consume(deliveries <-chan amqp.Delivery) {
	defer close(c.events)
	for d := range deliveries {
		c.events <- d.Body
		// At-least-once is the contract; the event path applies
		// idempotently, so ack after handoff is safe.
		_ = d.Ack(false)
	}
	c.mu.Lock()
	if !c.closed {
		c.err = fmt.Errorf("%w: rabbitmq delivery channel closed", notify.ErrNetwork)
	}
	c.mu.Unlock()
}

// Ping relies on AMQP's own heartbeating: a dead connection reports
// closed here without a round trip.
func (c *rabbitConn) Ping(context.Context) error {
	if c.conn.IsClosed() {
		return fmt.Errorf("%w: rabbitmq connection closed", notify.ErrNetwork)
	}
	return nil
}

func (c *rabbitConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *rabbitConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.ch.Close()
	return c.conn.Close()
}
