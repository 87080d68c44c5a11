package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/canvass/internal/core"
)

// EventHandler is called for each event received via WebSocket.
type EventHandler func(event core.Event)

// WSClient follows a campaign's dashboard event stream.
type WSClient struct {
	baseURL   string
	apiKey    string
	campaign  string
	reconnect bool

	mu       sync.RWMutex
	conn     *websocket.Conn
	handlers []EventHandler

	done      chan struct{}
	closeOnce sync.Once
}

type WSOption func(*WSClient)

func WithWSAPIKey(key string) WSOption {
	return func(c *WSClient) {
		c.apiKey = key
	}
}

// WithAutoReconnect controls redialing after the connection drops.
func WithAutoReconnect(enabled bool) WSOption {
	return func(c *WSClient) {
		c.reconnect = enabled
	}
}

func NewWSClient(baseURL, campaign string, opts ...WSOption) *WSClient {
	c := &WSClient{
		baseURL:   baseURL,
		campaign:  campaign,
		done:      make(chan struct{}),
		reconnect: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *WSClient) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Connect dials the server and starts dispatching events until Close or
// ctx is done.
func (c *WSClient) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.setConn(conn)
	go c.readLoop(ctx)
	return nil
}

func (c *WSClient) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return nil, fmt.Errorf("build websocket url: %w", err)
	}
	opts := &websocket.DialOptions{}
	if c.apiKey != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.apiKey}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

func (c *WSClient) buildWSURL() (string, error) {
	if c.campaign == "" {
		return "", fmt.Errorf("campaign is required")
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/campaigns/" + url.PathEscape(c.campaign)
	return u.String(), nil
}

func (c *WSClient) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *WSClient) readLoop(ctx context.Context) {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		var event core.Event
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			if !c.reconnect || c.closed() || ctx.Err() != nil {
				return
			}
			next, ok := c.redial(ctx)
			if !ok {
				return
			}
			c.setConn(next)
			continue
		}
		c.dispatchEvent(event)
	}
}

func (c *WSClient) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *WSClient) dispatchEvent(event core.Event) {
	c.mu.RLock()
	handlers := make([]EventHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

func (c *WSClient) redial(ctx context.Context) (*websocket.Conn, bool) {
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-c.done:
			return nil, false
		case <-ctx.Done():
			return nil, false
		case <-time.After(backoff):
		}

		conn, err := c.dial(ctx)
		if err == nil {
			return conn, true
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// EventFilter narrows the events passed to a handler. Empty fields match
// everything.
type EventFilter struct {
	Types      []core.EventType
	LocationID string
}

func FilteredEventHandler(filter EventFilter, handler EventHandler) EventHandler {
	return func(event core.Event) {
		if len(filter.Types) > 0 {
			matched := false
			for _, t := range filter.Types {
				if event.Type == t {
					matched = true
					break
				}
			}
			if !matched {
				return
			}
		}
		if filter.LocationID != "" && event.LocationID != filter.LocationID {
			return
		}
		handler(event)
	}
}
