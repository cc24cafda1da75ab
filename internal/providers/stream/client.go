// Package stream implements the explorer stream protocol over a
// websocket, so the object cache can watch clusters through a remote
// explorer instead of talking to them directly.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/otterscale/kube-explorer/internal/config"
	"github.com/otterscale/kube-explorer/internal/core"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 16 << 20
)

// Client is a core.StreamTransport speaking the stream protocol to a
// remote endpoint. Calls and subscriptions are correlated by id; one
// reader goroutine dispatches every incoming frame.
type Client struct {
	url    string
	dialer *websocket.Dialer
	log    *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu         sync.Mutex
	pending    map[string]chan core.StreamReply
	subs       map[string]core.StreamHandler
	cancelling map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient returns a Client for the configured stream url.
func NewClient(conf *config.Config) *Client {
	return newClient(conf.StreamURL())
}

func newClient(url string) *Client {
	return &Client{
		url:        url,
		dialer:     websocket.DefaultDialer,
		log:        slog.Default().With("component", "stream-client", "url", url),
		pending:    map[string]chan core.StreamReply{},
		subs:       map[string]core.StreamHandler{},
		cancelling: map[string]struct{}{},
		done:       make(chan struct{}),
	}
}

var _ core.StreamTransport = (*Client)(nil)

// Connect dials the endpoint and starts the reader. A client connects
// once; a lost connection fails every call and subscription.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return errors.New("stream has already been connected")
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return &core.DomainError{Code: core.ErrorCodeUnavailable, Message: "failed to connect stream", Cause: err}
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.conn = conn
	go c.readLoop(conn)
	go c.pingLoop(conn)

	c.log.Info("stream connected")
	return nil
}

// Call sends a call and waits for its reply.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := callID()
	ch := make(chan core.StreamReply, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(id, method, params); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.Error != "" {
			return nil, fmt.Errorf("%s: %s", method, reply.Error)
		}
		return reply.Result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Subscribe sends a call whose replies keep arriving until Cancel.
func (c *Client) Subscribe(method string, params any, handler core.StreamHandler) (string, error) {
	id := callID()

	c.mu.Lock()
	c.subs[id] = handler
	c.mu.Unlock()

	if err := c.send(id, method, params); err != nil {
		c.forget(id)
		return "", err
	}
	return id, nil
}

// Cancel stops subscription id. Pushes still in flight for it, and the
// acknowledgement, are dropped.
func (c *Client) Cancel(id string) error {
	c.mu.Lock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	if ok {
		c.cancelling[id] = struct{}{}
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("subscription %s not found", id)
	}
	return c.send(id, core.MethodCancel, nil)
}

// Close closes the connection. Outstanding calls and subscriptions
// receive an error.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return conn.Close()
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (c *Client) send(id, method string, params any) error {
	call := core.StreamCall{Type: core.StreamMessageCall, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return &core.ErrInvalidInput{Field: "params", Message: err.Error()}
		}
		call.Params = raw
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &core.ErrNotReady{Subsystem: "stream"}
	}

	select {
	case <-c.done:
		return &core.DomainError{Code: core.ErrorCodeUnavailable, Message: "stream closed"}
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(call); err != nil {
		return &core.DomainError{Code: core.ErrorCodeUnavailable, Message: "failed to write stream call", Cause: err}
	}
	return nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	var err error
	defer func() { c.fail(err) }()

	for {
		var data []byte
		_, data, err = conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Error("stream read failed", "error", err)
			}
			return
		}

		var reply core.StreamReply
		if uerr := json.Unmarshal(data, &reply); uerr != nil {
			c.log.Warn("malformed stream message", "error", uerr)
			continue
		}
		c.dispatch(reply)
	}
}

func (c *Client) dispatch(reply core.StreamReply) {
	c.mu.Lock()
	if ch, ok := c.pending[reply.ID]; ok {
		delete(c.pending, reply.ID)
		c.mu.Unlock()
		ch <- reply
		return
	}
	if _, ok := c.cancelling[reply.ID]; ok {
		if reply.Error != "" || bytes.Equal(reply.Result, core.StreamResultOK) {
			delete(c.cancelling, reply.ID)
		}
		c.mu.Unlock()
		return
	}
	handler, ok := c.subs[reply.ID]
	c.mu.Unlock()

	if !ok {
		c.log.Warn("unregistered message id", "id", reply.ID)
		return
	}

	handler(decodeEvent(reply))
}

func decodeEvent(reply core.StreamReply) core.StreamEvent {
	if reply.Error != "" {
		return core.StreamEvent{Err: errors.New(reply.Error)}
	}

	var result core.WatchResult
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		return core.StreamEvent{Err: fmt.Errorf("malformed watch result: %w", err)}
	}
	if result.JSON == "" {
		return core.StreamEvent{Err: errors.New("no manifest (JSON) in response")}
	}
	return core.StreamEvent{Type: result.Event, Manifest: json.RawMessage(result.JSON)}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Warn("stream ping failed", "error", err)
				return
			}
		}
	}
}

// fail tears down every call and subscription once the connection is
// gone.
func (c *Client) fail(cause error) {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		pending := c.pending
		subs := c.subs
		c.pending = map[string]chan core.StreamReply{}
		c.subs = map[string]core.StreamHandler{}
		c.mu.Unlock()

		msg := "stream closed"
		if cause != nil {
			msg = fmt.Sprintf("stream closed: %v", cause)
		}
		for id, ch := range pending {
			ch <- core.StreamReply{ID: id, Error: msg}
		}
		for _, handler := range subs {
			handler(core.StreamEvent{Err: &core.DomainError{Code: core.ErrorCodeUnavailable, Message: "stream closed", Cause: cause}})
		}
	})
}

// callID returns a short random id: the first segment of a UUID.
func callID() string {
	id, _, _ := strings.Cut(uuid.NewString(), "-")
	return id
}
