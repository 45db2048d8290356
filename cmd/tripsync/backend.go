package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/steveyegge/tripsync/internal/config"
	"github.com/steveyegge/tripsync/internal/trip/cache"
	"github.com/steveyegge/tripsync/internal/trip/identity"
	"github.com/steveyegge/tripsync/internal/trip/session"
	"github.com/steveyegge/tripsync/internal/trip/syncer"
	"github.com/steveyegge/tripsync/internal/trip/transport"
	"github.com/steveyegge/tripsync/internal/trip/transport/broadcast"
	"github.com/steveyegge/tripsync/internal/trip/transport/filestore"
	"github.com/steveyegge/tripsync/internal/trip/transport/memstore"
	"github.com/steveyegge/tripsync/internal/trip/transport/sqlstore"
)

// syncTimeout bounds how long one-shot commands wait for the first sync.
const syncTimeout = 10 * time.Second

// openChannel connects to the configured shared state backend.
func openChannel(ctx context.Context) (transport.Channel, error) {
	logger := slog.Default()
	switch cfg.Backend {
	case config.BackendMemory:
		return memstore.New().Connect(), nil
	case config.BackendFile:
		return filestore.Open(cfg.StorePath(), filestore.Config{
			Debounce: cfg.Sync.Debounce,
			Logger:   logger,
		})
	case config.BackendSQLite:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return sqlstore.Open(ctx, cfg.StorePath(), sqlstore.Config{
			PollInterval: cfg.Sync.PollInterval,
			Logger:       logger,
		})
	case config.BackendBroadcast:
		return broadcast.NewClient(cfg.Hub.URL, broadcast.ClientConfig{Logger: logger}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// openCache opens the device-local cache.
func openCache(ctx context.Context) (cache.Cache, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	switch cfg.Cache.Kind {
	case config.CacheFile:
		return cache.OpenFile(cfg.CachePath())
	default:
		return cache.OpenSQLite(ctx, cfg.CachePath())
	}
}

// tripRuntime is everything a command needs to work on the trip.
type tripRuntime struct {
	ch    transport.Channel
	cache cache.Cache
	ident *identity.Store
	sess  *session.Session
}

// openSession opens the backend and cache and starts a session. With
// requireSync it fails unless every collection syncs within syncTimeout;
// otherwise it falls back to cached data with a warning.
func openSession(ctx context.Context, requireSync bool) (*tripRuntime, error) {
	c, err := openCache(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := openChannel(ctx)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	rt := &tripRuntime{ch: ch, cache: c, ident: identity.New(c, nil)}
	rt.sess, err = session.New(ch, c, rt.ident, session.Config{
		TripID:  cfg.TripID,
		Members: cfg.Members,
		Sync: syncer.Options{
			RetryBase:         cfg.Sync.RetryBase,
			RetryMax:          cfg.Sync.RetryMax,
			RepublishOnAbsent: cfg.Backend == config.BackendBroadcast,
		},
	})
	if err != nil {
		_ = ch.Close()
		_ = c.Close()
		return nil, err
	}
	if err := rt.sess.Start(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}

	if err := waitSynced(ctx, rt.sess); err != nil {
		if requireSync {
			_ = rt.Close()
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "%s %v; showing cached data\n", RenderWarn("⚠"), err)
	}
	return rt, nil
}

func waitSynced(ctx context.Context, sess *session.Session) error {
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		states := sess.States()
		var pending []string
		for name, st := range states {
			if st != syncer.Synced {
				pending = append(pending, name+"="+st.String())
			}
		}
		if len(pending) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			sort.Strings(pending)
			return fmt.Errorf("not synced after %v (%s)", syncTimeout, strings.Join(pending, ", "))
		case <-ticker.C:
		}
	}
}

// Close flushes queued writes and releases everything.
func (rt *tripRuntime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()

	var errs []error
	if err := rt.sess.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("some changes were not shared yet: %w", err))
	}
	errs = append(errs, rt.sess.Close(), rt.ch.Close(), rt.cache.Close())
	return errors.Join(errs...)
}

// drainErrors prints errors reported by the session until it closes.
func drainErrors(sess *session.Session) {
	go func() {
		for err := range sess.Errors() {
			fmt.Fprintf(os.Stderr, "%s %v\n", RenderFail("✗"), err)
		}
	}()
}
