package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sapliy/notifysync/internal/notify"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsReadLimit        = 1 << 20
	wsWriteTimeout     = 5 * time.Second
	wsEventBuffer      = 256
)

// WebsocketSource dials the store's change-stream websocket endpoint,
// /v1/users/{id}/changes on the configured base URL.
type WebsocketSource struct {
	baseURL string
	token   string
	dialer  *websocket.Dialer
}

func NewWebsocketSource(baseURL, token string) (*WebsocketSource, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("stream base URL is required")
	}
	// Accept http(s) base URLs and rewrite the scheme.
	baseURL = strings.Replace(baseURL, "http://", "ws://", 1)
	baseURL = strings.Replace(baseURL, "https://", "wss://", 1)

	return &WebsocketSource{
		baseURL: baseURL,
		token:   strings.TrimSpace(token),
		dialer: &websocket.Dialer{
			HandshakeTimeout: wsHandshakeTimeout,
		},
	}, nil
}

func (s *WebsocketSource) Connect(ctx context.Context, userID string) (Conn, error) {
	endpoint := fmt.Sprintf("%s/v1/users/%s/changes", s.baseURL, url.PathEscape(userID))

	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}

	ws, resp, err := s.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: websocket dial rejected: status=%d", notify.ErrPermission, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: websocket dial: %v", notify.Classify(err), err)
	}
	ws.SetReadLimit(wsReadLimit)

	c := &wsConn{
		ws:     ws,
		events: make(chan []byte, wsEventBuffer),
		pongs:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	ws.SetPongHandler(func(string) error {
		select {
		case c.pongs <- struct{}{}:
		default:
		}
		return nil
	})

	go c.readPump()
	return c, nil
}

type wsConn struct {
	ws     *websocket.Conn
	events chan []byte
	pongs  chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

func (c *wsConn) Events() <-chan []byte { return c.events }

func (c *wsConn) readPump() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if !c.closed && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.err = fmt.Errorf("%w: websocket read: %v", notify.Classify(err), err)
			}
			c.mu.Unlock()
			return
		}
		// A closed conn may leave the buffer undrained; never block on it.
		select {
		case c.events <- data:
		case <-c.done:
			return
		}
	}
}

// Ping sends a control ping and waits for the pong the read pump observes.
func (c *wsConn) Ping(ctx context.Context) error {
	// Drain a stale pong so we wait for the answer to this ping.
	select {
	case <-c.pongs:
	default:
	}

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return fmt.Errorf("%w: websocket ping: %v", notify.Classify(err), err)
	}

	select {
	case <-c.pongs:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: no pong received", notify.ErrTimeout)
	}
}

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)

	deadline := time.Now().Add(wsWriteTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}
