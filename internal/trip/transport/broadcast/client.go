package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/steveyegge/tripsync/internal/trip/transport"
)

// ClientConfig holds client configuration.
type ClientConfig struct {
	// DialTimeout bounds connecting to the hub when no context is at hand.
	DialTimeout time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client is a transport.Channel backed by a hub. It connects lazily and
// reconnects on the next operation after the connection drops; a drop ends
// every live subscription with transport.ErrUnavailable.
type Client struct {
	url    string
	cfg    ClientConfig
	logger *slog.Logger

	dialMu sync.Mutex
	// subMu orders subscribe and unsubscribe frames for the same path.
	subMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  uint64
	pending map[uint64]chan Message
	subs    map[string]map[*transport.Feed]struct{}
	closed  bool
}

var _ transport.Channel = (*Client)(nil)

// NewClient returns a client for the hub WebSocket endpoint at url
// (for example "ws://localhost:8787/ws").
func NewClient(url string, cfg ClientConfig) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		url:     url,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "broadcast", "hub", url),
		pending: make(map[uint64]chan Message),
		subs:    make(map[string]map[*transport.Feed]struct{}),
	}
}

// connect returns the live connection, dialing if there is none.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, transport.ErrClosed
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, transport.Unavailable("dial "+c.url, err)
	}
	conn.SetReadLimit(maxFrameSize)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, transport.ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Debug("connected")
	go c.readLoop(conn)
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var m Message
		if err := wsjson.Read(context.Background(), conn, &m); err != nil {
			c.dropped(conn, err)
			return
		}
		c.dispatch(m)
	}
}

func (c *Client) dispatch(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Only subscription deliveries carry no id; they arrive in commit order.
	if m.Op == OpSnapshot && m.ID == 0 {
		snap := m.Snapshot()
		for feed := range c.subs[m.Path] {
			feed.Push(snap)
		}
		return
	}

	if reply, ok := c.pending[m.ID]; ok {
		delete(c.pending, m.ID)
		reply <- m
	}
}

// dropped ends everything that depended on conn.
func (c *Client) dropped(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[uint64]chan Message)
	subs := c.subs
	c.subs = make(map[string]map[*transport.Feed]struct{})
	closed := c.closed
	c.mu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	if closed {
		return
	}

	c.logger.Warn("connection lost", "error", cause)
	lost := transport.Unavailable("hub connection", cause)
	for _, reply := range pending {
		close(reply)
	}
	for _, feeds := range subs {
		for feed := range feeds {
			feed.Fail(lost)
		}
	}
}

// request sends m and waits for the matching reply.
func (c *Client) request(ctx context.Context, m Message) (Message, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return Message{}, err
	}

	reply := make(chan Message, 1)
	c.mu.Lock()
	c.nextID++
	m.ID = c.nextID
	c.pending[m.ID] = reply
	c.mu.Unlock()

	if err := wsjson.Write(ctx, conn, m); err != nil {
		c.mu.Lock()
		delete(c.pending, m.ID)
		c.mu.Unlock()
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		return Message{}, transport.Unavailable(m.Op+" "+m.Path, err)
	}

	select {
	case r, ok := <-reply:
		if !ok {
			return Message{}, transport.Unavailable(m.Op+" "+m.Path, errors.New("connection lost"))
		}
		if r.Op == OpError {
			return Message{}, replyErr(m.Op+" "+m.Path, r)
		}
		return r, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, m.ID)
		c.mu.Unlock()
		return Message{}, ctx.Err()
	}
}

// ReadOnce implements transport.Channel.
func (c *Client) ReadOnce(ctx context.Context, path string) (transport.Snapshot, error) {
	if err := transport.ValidatePath(path); err != nil {
		return transport.Snapshot{}, err
	}
	r, err := c.request(ctx, Message{Op: OpRead, Path: path})
	if err != nil {
		return transport.Snapshot{}, err
	}
	return r.Snapshot(), nil
}

// Subscribe implements transport.Channel.
func (c *Client) Subscribe(path string, onChange func(transport.Snapshot), onError func(error)) (transport.Subscription, error) {
	if err := transport.ValidatePath(path); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()
	if _, err := c.connect(ctx); err != nil {
		return nil, err
	}

	feed := transport.NewFeed(onChange, onError)

	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	first := len(c.subs[path]) == 0
	if first {
		c.subs[path] = make(map[*transport.Feed]struct{})
	}
	c.subs[path][feed] = struct{}{}
	c.mu.Unlock()

	if first {
		// The hub answers with the current value on the subscription itself.
		if _, err := c.request(ctx, Message{Op: OpSubscribe, Path: path}); err != nil {
			c.removeFeed(path, feed)
			feed.Cancel()
			return nil, err
		}
	} else {
		// Already subscribed at the hub; fetch the current value for the
		// newcomer.
		r, err := c.request(ctx, Message{Op: OpRead, Path: path})
		if err != nil {
			c.removeFeed(path, feed)
			feed.Cancel()
			return nil, err
		}
		feed.Push(r.Snapshot())
	}

	return transport.SubscriptionFunc(func() {
		feed.Cancel()
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if c.removeFeed(path, feed) {
			c.unsubscribe(path)
		}
	}), nil
}

// removeFeed reports whether feed was the last one for path.
func (c *Client) removeFeed(path string, feed *transport.Feed) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	feeds, ok := c.subs[path]
	if !ok {
		return false
	}
	if _, ok := feeds[feed]; !ok {
		return false
	}
	delete(feeds, feed)
	if len(feeds) == 0 {
		delete(c.subs, path)
		return true
	}
	return false
}

// unsubscribe tells the hub to stop sending path. The frame is written
// before it returns, so a later subscribe to path reaches the hub after it.
// Callers hold subMu.
func (c *Client) unsubscribe(path string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, Message{Op: OpUnsubscribe, Path: path}); err != nil {
		c.logger.Debug("unsubscribe failed", "path", path, "error", err)
	}
}

// WriteAtPath implements transport.Channel.
func (c *Client) WriteAtPath(ctx context.Context, path string, value json.RawMessage) error {
	if err := transport.ValidatePath(path); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("write %s: value is not valid JSON", path)
	}
	_, err := c.request(ctx, Message{Op: OpPublish, Path: path, Payload: value})
	return err
}

// WriteAtKey implements transport.Channel.
func (c *Client) WriteAtKey(ctx context.Context, path, key string, value json.RawMessage) error {
	if err := transport.ValidatePath(path); err != nil {
		return err
	}
	if err := transport.ValidateKey(key); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("write %s/%s: value is not valid JSON", path, key)
	}
	_, err := c.request(ctx, Message{Op: OpPutKey, Path: path, Key: key, Payload: value})
	return err
}

// DeleteAtKey implements transport.Channel.
func (c *Client) DeleteAtKey(ctx context.Context, path, key string) error {
	if err := transport.ValidatePath(path); err != nil {
		return err
	}
	if err := transport.ValidateKey(key); err != nil {
		return err
	}
	_, err := c.request(ctx, Message{Op: OpDeleteKey, Path: path, Key: key})
	return err
}

// Close implements transport.Channel.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	subs := c.subs
	c.subs = make(map[string]map[*transport.Feed]struct{})
	pending := c.pending
	c.pending = make(map[uint64]chan Message)
	c.mu.Unlock()

	for _, reply := range pending {
		close(reply)
	}
	for _, feeds := range subs {
		for feed := range feeds {
			feed.Cancel()
		}
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "")
	}
	return nil
}
