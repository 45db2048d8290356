package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/steveyegge/tripsync/internal/trip/metrics"
	"github.com/steveyegge/tripsync/internal/trip/transport"
	"github.com/steveyegge/tripsync/internal/trip/transport/memstore"
)

// HubConfig holds hub configuration.
type HubConfig struct {
	// Addr to listen on (default: ":8787").
	Addr string
	// Logger for hub activity (default: slog.Default()).
	Logger *slog.Logger
	// SendBuffer is how many frames may queue for one client before it is
	// disconnected as too slow.
	SendBuffer int
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// Routes are extra handlers mounted next to /ws and /health.
	Routes map[string]http.Handler
}

// DefaultHubConfig returns sensible defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Addr:         ":8787",
		Logger:       slog.Default(),
		SendBuffer:   256,
		WriteTimeout: 5 * time.Second,
	}
}

// Hub relays path changes between WebSocket clients and remembers the last
// value of every path.
type Hub struct {
	cfg    HubConfig
	logger *slog.Logger
	store  *memstore.Store

	listener net.Listener
	server   *http.Server

	peersMu sync.Mutex
	peers   map[*peer]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub. Call Start to listen on cfg.Addr, or mount
// Handler on an existing server.
func NewHub(cfg HubConfig) *Hub {
	def := DefaultHubConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "hub"),
		store:  memstore.New(),
		peers:  make(map[*peer]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler returns the hub's HTTP routes.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWebSocket)
	mux.HandleFunc("/health", h.handleHealth)
	for pattern, handler := range h.cfg.Routes {
		mux.Handle(pattern, handler)
	}
	return mux
}

// Start begins listening. It returns once the listener is bound.
func (h *Hub) Start() error {
	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.cfg.Addr, err)
	}
	h.listener = ln

	h.server = &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.logger.Info("hub listening", "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address, or the configured one before Start.
func (h *Hub) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.cfg.Addr
}

// Stop disconnects every client and shuts the server down.
func (h *Hub) Stop(ctx context.Context) error {
	h.logger.Info("stopping hub")
	h.cancel()

	h.peersMu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.peersMu.Unlock()
	for _, p := range peers {
		p.close(websocket.StatusGoingAway, "hub shutting down")
	}

	var err error
	if h.server != nil {
		if shutdownErr := h.server.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("server shutdown error: %w", shutdownErr)
		}
	}
	h.wg.Wait()
	return err
}

// Deny makes writes to path fail with a permission error.
func (h *Hub) Deny(path string) { h.store.Deny(path) }

// Allow lifts a Deny.
func (h *Hub) Allow(path string) { h.store.Allow(path) }

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	return len(h.peers)
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	p := &peer{
		hub:  h,
		conn: conn,
		ch:   h.store.Connect(),
		send: make(chan Message, h.cfg.SendBuffer),
		subs: make(map[string]transport.Subscription),
		done: make(chan struct{}),
	}

	h.peersMu.Lock()
	h.peers[p] = struct{}{}
	count := len(h.peers)
	h.peersMu.Unlock()
	metrics.HubClients.Inc()
	h.logger.Info("client connected", "remote", r.RemoteAddr, "clients", count)

	h.wg.Add(1)
	go p.writeLoop()

	p.readLoop()
	h.remove(p)
}

func (h *Hub) remove(p *peer) {
	h.peersMu.Lock()
	_, ok := h.peers[p]
	delete(h.peers, p)
	count := len(h.peers)
	h.peersMu.Unlock()
	if !ok {
		return
	}

	p.close(websocket.StatusNormalClosure, "")
	metrics.HubClients.Dec()
	h.logger.Info("client disconnected", "clients", count)
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": h.Clients(),
	})
}

const maxFrameSize = 4 << 20

// peer is one connected client.
type peer struct {
	hub  *Hub
	conn *websocket.Conn
	ch   *memstore.Client
	send chan Message

	mu   sync.Mutex
	subs map[string]transport.Subscription

	done chan struct{}
	once sync.Once
}

func (p *peer) readLoop() {
	for {
		var m Message
		if err := wsjson.Read(p.hub.ctx, p.conn, &m); err != nil {
			return
		}
		if reply, ok := p.handle(m); ok {
			p.enqueue(reply)
		}
		select {
		case <-p.done:
			return
		default:
		}
	}
}

// handle executes one request and returns the reply, if any.
func (p *peer) handle(m Message) (Message, bool) {
	ctx, cancel := context.WithTimeout(p.hub.ctx, p.hub.cfg.WriteTimeout)
	defer cancel()

	var err error
	switch m.Op {
	case OpSubscribe:
		err = p.subscribe(m.Path)
	case OpUnsubscribe:
		p.unsubscribe(m.Path)
		if m.ID == 0 {
			return Message{}, false
		}
	case OpRead:
		snap, err := p.ch.ReadOnce(ctx, m.Path)
		if err != nil {
			return errorMessage(m.ID, err), true
		}
		return snapshotMessage(snap, m.ID, time.Now()), true
	case OpPublish:
		err = p.ch.WriteAtPath(ctx, m.Path, m.Payload)
	case OpPutKey:
		err = p.ch.WriteAtKey(ctx, m.Path, m.Key, m.Payload)
	case OpDeleteKey:
		err = p.ch.DeleteAtKey(ctx, m.Path, m.Key)
	default:
		err = fmt.Errorf("unknown op %q", m.Op)
	}
	if err != nil {
		p.hub.logger.Debug("request failed", "op", m.Op, "path", m.Path, "error", err)
		return errorMessage(m.ID, err), true
	}
	return Message{Op: OpAck, ID: m.ID, Path: m.Path}, true
}

func (p *peer) subscribe(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[path]; ok {
		return nil
	}
	sub, err := p.ch.Subscribe(path, func(snap transport.Snapshot) {
		msg := snapshotMessage(snap, 0, time.Now())
		metrics.HubMessages.WithLabelValues(msg.Type).Inc()
		p.enqueue(msg)
	}, nil)
	if err != nil {
		return err
	}
	p.subs[path] = sub
	return nil
}

func (p *peer) unsubscribe(path string) {
	p.mu.Lock()
	sub, ok := p.subs[path]
	delete(p.subs, path)
	p.mu.Unlock()
	if ok {
		sub.Cancel()
	}
}

// enqueue queues a frame; a client that cannot keep up is disconnected.
func (p *peer) enqueue(m Message) {
	select {
	case <-p.done:
	case p.send <- m:
	default:
		p.hub.logger.Warn("client too slow, disconnecting")
		go p.hub.remove(p)
	}
}

func (p *peer) writeLoop() {
	defer p.hub.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case m := <-p.send:
			ctx, cancel := context.WithTimeout(context.Background(), p.hub.cfg.WriteTimeout)
			err := wsjson.Write(ctx, p.conn, m)
			cancel()
			if err != nil {
				p.hub.logger.Debug("failed to send to client", "error", err)
				go p.hub.remove(p)
				return
			}
		}
	}
}

func (p *peer) close(code websocket.StatusCode, reason string) {
	p.once.Do(func() {
		close(p.done)

		p.mu.Lock()
		subs := p.subs
		p.subs = make(map[string]transport.Subscription)
		p.mu.Unlock()
		for _, sub := range subs {
			sub.Cancel()
		}
		_ = p.ch.Close()
		_ = p.conn.Close(code, reason)
	})
}
