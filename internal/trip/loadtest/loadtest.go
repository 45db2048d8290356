// Package loadtest drives several trip sessions against one shared store
// and checks that they converge.
//
// Every client adds and removes expenses at random. Once all clients are
// done and their writes have been flushed, the run waits for every client
// to hold the same set of expense ids as the store.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/tripsync/internal/trip/cache"
	"github.com/steveyegge/tripsync/internal/trip/identity"
	"github.com/steveyegge/tripsync/internal/trip/schema"
	"github.com/steveyegge/tripsync/internal/trip/session"
	"github.com/steveyegge/tripsync/internal/trip/syncer"
	"github.com/steveyegge/tripsync/internal/trip/transport"
	"github.com/steveyegge/tripsync/internal/trip/transport/memstore"
)

// MaxClients bounds Options.Clients.
const MaxClients = 10

// Options configures a run.
type Options struct {
	Clients            int
	MutationsPerClient int
	// Seed makes the sequence of adds and removes reproducible.
	Seed int64
	// RemoveRatio is the chance that a mutation removes one of the
	// client's own expenses instead of adding one (default 0.3).
	RemoveRatio float64
	// Timeout bounds waiting for convergence (default 10s).
	Timeout time.Duration
	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

// LatencyStats captures how long changes took to reach other clients.
type LatencyStats struct {
	Min     time.Duration
	Max     time.Duration
	Mean    time.Duration
	P50     time.Duration // Median
	P95     time.Duration
	P99     time.Duration
	Samples int
}

// Result summarizes a run.
type Result struct {
	// Converged is true when every client ended with the store's value.
	Converged bool
	// Records is the number of expenses left in the store.
	Records   int
	Mutations int
	Duration  time.Duration
	// EchoLatency measures from an add on one client until each other
	// client first saw the new expense.
	EchoLatency LatencyStats
}

func (o Options) withDefaults() (Options, error) {
	if o.Clients <= 0 || o.Clients > MaxClients {
		return o, fmt.Errorf("clients must be between 1 and %d (got %d)", MaxClients, o.Clients)
	}
	if o.MutationsPerClient <= 0 {
		return o, fmt.Errorf("mutations per client must be positive (got %d)", o.MutationsPerClient)
	}
	if o.RemoveRatio <= 0 || o.RemoveRatio >= 1 {
		o.RemoveRatio = 0.3
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o, nil
}

// observer records when each client first saw each expense id.
type observer struct {
	mu    sync.Mutex
	added map[string]time.Time
	owner map[string]int
	seen  []map[string]time.Time
}

func newObserver(clients int) *observer {
	o := &observer{
		added: make(map[string]time.Time),
		owner: make(map[string]int),
		seen:  make([]map[string]time.Time, clients),
	}
	for i := range o.seen {
		o.seen[i] = make(map[string]time.Time)
	}
	return o
}

func (o *observer) recordAdd(client int, id string, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.added[id] = at
	o.owner[id] = client
}

func (o *observer) recordSeen(client int, expenses []schema.Expense) {
	now := time.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range expenses {
		if _, ok := o.seen[client][e.ID]; !ok {
			o.seen[client][e.ID] = now
		}
	}
}

func (o *observer) latencies() []time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []time.Duration
	for id, at := range o.added {
		for client, seen := range o.seen {
			if client == o.owner[id] {
				continue
			}
			if t, ok := seen[id]; ok && !t.Before(at) {
				out = append(out, t.Sub(at))
			}
		}
	}
	return out
}

// Run executes a load test against a fresh in-memory store.
func Run(ctx context.Context, opts Options) (*Result, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	store := memstore.New()
	obs := newObserver(opts.Clients)

	sessions := make([]*session.Session, 0, opts.Clients)
	defer func() {
		for _, s := range sessions {
			_ = s.Close()
		}
	}()

	for i := 0; i < opts.Clients; i++ {
		ident := identity.New(cache.NewMemory(), opts.Logger)
		if _, err := ident.Login(fmt.Sprintf("client-%d", i)); err != nil {
			return nil, fmt.Errorf("client %d: %w", i, err)
		}
		s, err := session.New(store.Connect(), cache.NewMemory(), ident, session.Config{
			TripID: "loadtest",
			Logger: opts.Logger.With("client", i),
			Sync: syncer.Options{
				RetryBase: 10 * time.Millisecond,
				RetryMax:  200 * time.Millisecond,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("client %d: %w", i, err)
		}
		sessions = append(sessions, s)

		client := i
		s.Expenses.OnChange(func(expenses []schema.Expense) { obs.recordSeen(client, expenses) })
		if err := s.Start(ctx); err != nil {
			return nil, fmt.Errorf("client %d: %w", i, err)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := waitSynced(waitCtx, sessions); err != nil {
		return nil, err
	}

	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range sessions {
		rng := rand.New(rand.NewSource(opts.Seed + int64(i)))
		g.Go(func() error {
			return runClient(gctx, i, s, rng, opts, obs)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, s := range sessions {
		if err := s.Flush(waitCtx); err != nil {
			return nil, fmt.Errorf("flush: %w", err)
		}
	}

	path := transport.CollectionPath("loadtest", session.Expenses)
	converged, records := waitConverged(waitCtx, store, path, sessions)

	res := &Result{
		Converged:   converged,
		Records:     records,
		Mutations:   opts.Clients * opts.MutationsPerClient,
		Duration:    time.Since(started),
		EchoLatency: computeLatencyStats(obs.latencies()),
	}
	opts.Logger.Info("load test finished",
		"clients", opts.Clients,
		"mutations", res.Mutations,
		"records", res.Records,
		"converged", res.Converged,
		"duration", res.Duration)
	return res, nil
}

func runClient(ctx context.Context, client int, s *session.Session, rng *rand.Rand, opts Options, obs *observer) error {
	var own []string
	for j := 0; j < opts.MutationsPerClient; j++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(own) > 0 && rng.Float64() < opts.RemoveRatio {
			idx := rng.Intn(len(own))
			err := s.RemoveExpense(own[idx])
			switch {
			case err == nil:
				own = slices.Delete(own, idx, idx+1)
				continue
			case errors.Is(err, syncer.ErrNotFound):
				// A snapshot taken before our add landed is showing; add instead.
			default:
				return fmt.Errorf("client %d remove %s: %w", client, own[idx], err)
			}
		}

		at := time.Now()
		e, err := s.AddExpense(session.ExpenseInput{
			Description: fmt.Sprintf("client %d expense %d", client, j),
			Category:    schema.Categories[rng.Intn(len(schema.Categories))],
			Amount:      float64(1000 * (1 + rng.Intn(500))),
			Currency:    schema.CurrencyVND,
		})
		if err != nil {
			return fmt.Errorf("client %d add: %w", client, err)
		}
		obs.recordAdd(client, e.ID, at)
		own = append(own, e.ID)

		// Yield now and then so writes from different clients interleave.
		if rng.Intn(4) == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	return nil
}

func waitSynced(ctx context.Context, sessions []*session.Session) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		ready := true
		for _, s := range sessions {
			if s.Expenses.State() != syncer.Synced {
				ready = false
				break
			}
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("clients did not sync: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// waitConverged polls until every client holds the ids in the store, or ctx
// ends. It returns whether they converged and the number of stored records.
func waitConverged(ctx context.Context, store *memstore.Store, path string, sessions []*session.Session) (bool, int) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		want, err := storedIDs(store.Snapshot(path))
		if err == nil {
			same := true
			for _, s := range sessions {
				got := schema.IDs(s.Expenses.Get())
				sort.Strings(got)
				if !slices.Equal(got, want) {
					same = false
					break
				}
			}
			if same {
				return true, len(want)
			}
		}
		select {
		case <-ctx.Done():
			return false, len(want)
		case <-ticker.C:
		}
	}
}

func storedIDs(snap transport.Snapshot) ([]string, error) {
	if !snap.Exists {
		return []string{}, nil
	}
	entries, err := transport.DecodeKeyed(snap.Value)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return LatencyStats{
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
		Mean:    sum / time.Duration(len(durations)),
		P50:     sorted[len(sorted)*50/100],
		P95:     sorted[len(sorted)*95/100],
		P99:     sorted[len(sorted)*99/100],
		Samples: len(durations),
	}
}

// PrintStats writes the statistics in a human-readable form.
func (s LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Echo latency:\n")
	fmt.Fprintf(w, "  Samples:       %d\n", s.Samples)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
