package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/tripsync/internal/trip/cache"
	"github.com/steveyegge/tripsync/internal/trip/schema"
	"github.com/steveyegge/tripsync/internal/trip/syncer"
	"github.com/steveyegge/tripsync/internal/trip/transport"
)

const testPath = "trips/test/expenses"

func startHub(t *testing.T) (*Hub, *httptest.Server, string) {
	t.Helper()
	hub := NewHub(HubConfig{})
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hub.Stop(ctx)
		srv.Close()
	})
	return hub, srv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	c := NewClient(url, ClientConfig{DialTimeout: 2 * time.Second})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type recorder struct {
	snaps  chan transport.Snapshot
	errors chan error
}

func subscribe(t *testing.T, c *Client, path string) *recorder {
	t.Helper()
	r := &recorder{snaps: make(chan transport.Snapshot, 32), errors: make(chan error, 4)}
	sub, err := c.Subscribe(path,
		func(s transport.Snapshot) { r.snaps <- s },
		func(err error) { r.errors <- err })
	require.NoError(t, err)
	t.Cleanup(sub.Cancel)
	return r
}

func (r *recorder) next(t *testing.T) transport.Snapshot {
	t.Helper()
	select {
	case s := <-r.snaps:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return transport.Snapshot{}
	}
}

func TestClient_CatchUpEchoAndRelay(t *testing.T) {
	_, _, url := startHub(t)
	a := newClient(t, url)
	b := newClient(t, url)

	ra := subscribe(t, a, testPath)
	rb := subscribe(t, b, testPath)
	require.False(t, ra.next(t).Exists)
	require.False(t, rb.next(t).Exists)

	ctx := context.Background()
	require.NoError(t, a.WriteAtKey(ctx, testPath, "e1", json.RawMessage(`{"id":"e1"}`)))

	echo := ra.next(t)
	require.Equal(t, `{"e1":{"id":"e1"}}`, string(echo.Value))
	relayed := rb.next(t)
	require.Equal(t, echo.Value, relayed.Value)
	require.Contains(t, relayed.CreatedAt, "e1")

	require.NoError(t, b.DeleteAtKey(ctx, testPath, "e1"))
	require.Equal(t, `{}`, string(ra.next(t).Value))

	snap, err := a.ReadOnce(ctx, testPath)
	require.NoError(t, err)
	require.True(t, snap.Exists)
	require.Equal(t, `{}`, string(snap.Value))
}

func TestClient_SecondSubscriberGetsCurrentValue(t *testing.T) {
	_, _, url := startHub(t)
	c := newClient(t, url)
	require.NoError(t, c.WriteAtPath(context.Background(), testPath, json.RawMessage(`[1]`)))

	first := subscribe(t, c, testPath)
	require.Equal(t, `[1]`, string(first.next(t).Value))
	second := subscribe(t, c, testPath)
	require.Equal(t, `[1]`, string(second.next(t).Value))
}

func TestClient_Errors(t *testing.T) {
	hub, _, url := startHub(t)
	c := newClient(t, url)
	ctx := context.Background()

	require.NoError(t, c.WriteAtPath(ctx, testPath, json.RawMessage(`[]`)))
	require.ErrorIs(t, c.WriteAtKey(ctx, testPath, "a", json.RawMessage(`{}`)), transport.ErrShapeMismatch)

	hub.Deny(testPath)
	err := c.WriteAtPath(ctx, testPath, json.RawMessage(`[1]`))
	require.ErrorIs(t, err, transport.ErrPermissionDenied)
	require.False(t, transport.IsRetryable(err))
	hub.Allow(testPath)
	require.NoError(t, c.WriteAtPath(ctx, testPath, json.RawMessage(`[1]`)))
}

func TestClient_HubUnreachable(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/ws", ClientConfig{DialTimeout: time.Second})
	defer c.Close()

	_, err := c.ReadOnce(context.Background(), testPath)
	require.ErrorIs(t, err, transport.ErrUnavailable)
	_, err = c.Subscribe(testPath, func(transport.Snapshot) {}, nil)
	require.ErrorIs(t, err, transport.ErrUnavailable)
}

// hubSwitch serves whichever hub is current, so a test can restart the hub
// behind a fixed URL.
type hubSwitch struct {
	mu  sync.Mutex
	hub *Hub
}

func (s *hubSwitch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	h := s.hub.Handler()
	s.mu.Unlock()
	h.ServeHTTP(w, r)
}

// restart replaces the hub with a fresh one and stops the old one, which
// drops every client and loses all stored values.
func (s *hubSwitch) restart(t *testing.T) *Hub {
	t.Helper()
	next := NewHub(HubConfig{})
	s.mu.Lock()
	old := s.hub
	s.hub = next
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, old.Stop(ctx))
	return next
}

func startRestartableHub(t *testing.T) (*hubSwitch, string) {
	t.Helper()
	sw := &hubSwitch{hub: NewHub(HubConfig{})}
	srv := httptest.NewServer(sw)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sw.mu.Lock()
		hub := sw.hub
		sw.mu.Unlock()
		_ = hub.Stop(ctx)
		srv.Close()
	})
	return sw, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestClient_DropEndsSubscriptionsAndReconnects(t *testing.T) {
	sw, url := startRestartableHub(t)
	c := newClient(t, url)
	r := subscribe(t, c, testPath)
	r.next(t)

	sw.restart(t)

	select {
	case err := <-r.errors:
		require.ErrorIs(t, err, transport.ErrUnavailable)
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not fail after the connection dropped")
	}

	// The next operation dials again.
	require.Eventually(t, func() bool {
		return c.WriteAtPath(context.Background(), testPath, json.RawMessage(`["again"]`)) == nil
	}, 3*time.Second, 20*time.Millisecond)
	r2 := subscribe(t, c, testPath)
	require.Equal(t, `["again"]`, string(r2.next(t).Value))
}

func TestClient_ResubscribeAfterCancel(t *testing.T) {
	_, _, url := startHub(t)
	c := newClient(t, url)
	other := newClient(t, url)

	for i := range 20 {
		sub, err := c.Subscribe(testPath, func(transport.Snapshot) {}, nil)
		require.NoError(t, err)
		sub.Cancel()

		// Subscribing again right away must not be undone by the earlier
		// cancel reaching the hub late.
		r := &recorder{snaps: make(chan transport.Snapshot, 32), errors: make(chan error, 4)}
		again, err := c.Subscribe(testPath,
			func(s transport.Snapshot) { r.snaps <- s },
			func(err error) { r.errors <- err })
		require.NoError(t, err)
		r.next(t)

		value := json.RawMessage(fmt.Sprintf(`[%d]`, i))
		require.NoError(t, other.WriteAtPath(context.Background(), testPath, value))
		require.Equal(t, string(value), string(r.next(t).Value))
		again.Cancel()
	}
}

func TestSynchronizer_RepublishesAfterHubRestart(t *testing.T) {
	sw, url := startRestartableHub(t)
	c := newClient(t, url)

	def := syncer.Definition[schema.Expense]{
		Name:     "expenses",
		Path:     testPath,
		CacheKey: cache.KeyExpenses,
		Shape:    transport.PerRecord,
		Order:    syncer.OrderNewestFirst,
		Kind:     schema.KindExpense,
	}
	opts := syncer.DefaultOptions()
	opts.RetryBase = 10 * time.Millisecond
	opts.RetryMax = 50 * time.Millisecond
	opts.RepublishOnAbsent = true
	s, err := syncer.New(def, c, cache.NewMemory(), opts)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.State() == syncer.Synced }, 3*time.Second, 10*time.Millisecond)

	e1 := schema.Expense{
		ID:          "e1",
		Description: "Grab to the resort",
		Category:    schema.CategoryTransport,
		Amount:      250000,
		Currency:    schema.CurrencyVND,
		Timestamp:   1710900000000,
		CreatedBy:   "user-1",
	}
	require.NoError(t, s.Mutate([]schema.Expense{e1}))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Flush(ctx))
	require.Eventually(t, func() bool {
		snap, err := c.ReadOnce(context.Background(), testPath)
		return err == nil && snap.Exists
	}, 3*time.Second, 10*time.Millisecond)

	sw.restart(t)

	// After reconnecting, the fresh hub has nothing; the synchronizer writes
	// its value back instead of emptying itself.
	require.Eventually(t, func() bool {
		snap, err := c.ReadOnce(context.Background(), testPath)
		if err != nil || !snap.Exists {
			return false
		}
		entries, err := transport.DecodeKeyed(snap.Value)
		return err == nil && len(entries) == 1 && entries["e1"] != nil
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return s.State() == syncer.Synced }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, []schema.Expense{e1}, s.Get())
}

func TestHub_WireFormat(t *testing.T) {
	_, _, url := startHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, Message{Op: OpSubscribe, ID: 1, Path: "trips/test/ideas"}))
	require.NoError(t, wsjson.Write(ctx, conn, Message{Op: OpPublish, ID: 2, Path: "trips/test/ideas", Payload: json.RawMessage(`["x"]`)}))

	var sawAck, sawSync bool
	for !(sawAck && sawSync) {
		var m Message
		require.NoError(t, wsjson.Read(ctx, conn, &m))
		switch {
		case m.Op == OpAck && m.ID == 2:
			sawAck = true
		case m.Op == OpSnapshot && m.Exists:
			require.Equal(t, "SYNC_IDEAS", m.Type)
			require.Equal(t, `["x"]`, string(m.Payload))
			sawSync = true
		}
	}
}

func TestHub_Health(t *testing.T) {
	_, srv, url := startHub(t)
	c := newClient(t, url)
	_, err := c.ReadOnce(context.Background(), testPath)
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body.Status)
	require.Equal(t, 1, body.Clients)
}
