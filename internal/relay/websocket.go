package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lacrypta/checkout/internal/event"
	"github.com/lacrypta/checkout/internal/idgen"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	getTimeout = 10 * time.Second
)

// normalCloseCodes are close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// frame is the wire format spoken with a relay endpoint.
type frame struct {
	Op     string       `json:"op"` // publish, subscribe, unsubscribe, get, event, result, notfound
	Sub    string       `json:"sub,omitempty"`
	Filter *Filter      `json:"filter,omitempty"`
	Event  *event.Event `json:"event,omitempty"`
	ID     string       `json:"id,omitempty"`
	OK     bool         `json:"ok,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

// WSClient is a relay connection over a websocket. A single writer
// goroutine owns the connection for writes; the read pump dispatches
// incoming events to their subscriptions.
type WSClient struct {
	conn   *websocket.Conn
	logger *slog.Logger
	send   chan []byte

	mu      sync.Mutex
	subs    map[string]*Subscription
	pending map[string]chan *frame // in-flight get requests by request id
	closed  bool

	done chan struct{}
}

// DialWS connects to a relay websocket endpoint.
func DialWS(ctx context.Context, url string, logger *slog.Logger) (*WSClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", url, err)
	}

	c := &WSClient{
		conn:    conn,
		logger:  logger,
		send:    make(chan []byte, 256),
		subs:    make(map[string]*Subscription),
		pending: make(map[string]chan *frame),
		done:    make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

func (c *WSClient) Get(ctx context.Context, id string) (*event.Event, error) {
	reqID := idgen.WithPrefix("req_")
	reply := make(chan *frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[reqID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	if err := c.enqueue(&frame{Op: "get", Sub: reqID, ID: id}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(getTimeout)
	defer timer.Stop()
	select {
	case f := <-reply:
		if f.Op == "notfound" || f.Event == nil {
			return nil, ErrEventNotFound
		}
		return f.Event, nil
	case <-timer.C:
		return nil, fmt.Errorf("relay: get %s: timeout", id)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *WSClient) Publish(_ context.Context, ev *event.Event) error {
	return c.enqueue(&frame{Op: "publish", Event: ev})
}

func (c *WSClient) Subscribe(_ context.Context, f Filter) (*Subscription, error) {
	sub := &Subscription{
		id:     idgen.WithPrefix("sub_"),
		events: make(chan *event.Event, subscriptionBuffer),
		cancel: c.unsubscribe,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.subs[sub.id] = sub
	c.mu.Unlock()

	if err := c.enqueue(&frame{Op: "subscribe", Sub: sub.id, Filter: &f}); err != nil {
		c.mu.Lock()
		delete(c.subs, sub.id)
		c.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

func (c *WSClient) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	delete(c.subs, sub.id)
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		_ = c.enqueue(&frame{Op: "unsubscribe", Sub: sub.id})
	}
}

// Close tears down the connection. Open subscriptions have their channels
// closed so consumers unblock.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	<-c.done
	return nil
}

func (c *WSClient) enqueue(f *frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("relay: send buffer full")
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("relay write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("relay ping failed", "error", err)
				return
			}
		}
	}
}

func (c *WSClient) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(512 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.logger.Warn("relay read error", "error", err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.logger.Warn("relay sent malformed frame", "error", err)
			continue
		}
		c.dispatch(&f)
	}
}

func (c *WSClient) dispatch(f *frame) {
	switch f.Op {
	case "event":
		c.mu.Lock()
		sub, ok := c.subs[f.Sub]
		c.mu.Unlock()
		if !ok || f.Event == nil {
			return
		}
		if !sub.deliver(f.Event) {
			c.logger.Warn("subscription stopped or full, dropping event",
				"sub", f.Sub, "event", f.Event.ID)
		}

	case "result", "notfound":
		c.mu.Lock()
		reply, ok := c.pending[f.Sub]
		c.mu.Unlock()
		if ok {
			select {
			case reply <- f:
			default:
			}
		}
	}
}

// teardown runs when the read pump exits: the connection is gone, so every
// open subscription is stopped and pending gets are failed.
func (c *WSClient) teardown() {
	c.mu.Lock()
	c.closed = true
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*Subscription)
	c.pending = make(map[string]chan *frame)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
	close(c.done)
}
