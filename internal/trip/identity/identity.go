// Package identity manages who the local user is on this device.
//
// There is no authentication: an identity is a random id plus a display
// name, created on first use and stored in the local cache. Logging out only
// forgets the identity; cached trip data stays on the device.
package identity

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/steveyegge/tripsync/internal/trip/cache"
	"github.com/steveyegge/tripsync/internal/trip/schema"
)

// AnonymousName is the display name of an identity nobody has named yet.
const AnonymousName = "Anonymous"

// Provider yields the current identity.
type Provider interface {
	Current() (schema.Identity, error)
}

// Store persists the identity in a cache under cache.KeyUser.
type Store struct {
	cache  cache.Cache
	logger *slog.Logger

	mu      sync.Mutex
	current *schema.Identity
}

var _ Provider = (*Store)(nil)

// New returns a Store backed by c.
// If logger is nil, slog.Default() is used.
func New(c cache.Cache, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{cache: c, logger: logger.With("component", "identity")}
}

// Current returns the stored identity, creating and persisting an
// anonymous one if none exists or the stored one is unreadable.
func (s *Store) Current() (schema.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return *s.current, nil
	}

	var stored schema.Identity
	ok, err := cache.GetJSON(s.cache, cache.KeyUser, &stored)
	if err != nil {
		s.logger.Warn("discarding unreadable identity", "err", err)
	}
	if ok && stored.Validate() == nil {
		s.current = &stored
		return stored, nil
	}

	anon := schema.Identity{ID: "anon-" + shortID(5), DisplayName: AnonymousName}
	if err := cache.PutJSON(s.cache, cache.KeyUser, anon); err != nil {
		return schema.Identity{}, fmt.Errorf("persist identity: %w", err)
	}
	s.logger.Info("created anonymous identity", "id", anon.ID)
	s.current = &anon
	return anon, nil
}

// Login replaces the identity with a fresh one using displayName.
func (s *Store) Login(displayName string) (schema.Identity, error) {
	id := schema.Identity{ID: shortID(9), DisplayName: strings.TrimSpace(displayName)}
	if err := id.Validate(); err != nil {
		return schema.Identity{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := cache.PutJSON(s.cache, cache.KeyUser, id); err != nil {
		return schema.Identity{}, fmt.Errorf("persist identity: %w", err)
	}
	s.logger.Info("logged in", "id", id.ID, "name", id.DisplayName)
	s.current = &id
	return id, nil
}

// Logout forgets the identity. Cached collections are kept.
func (s *Store) Logout() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.cache.Delete(cache.KeyUser); err != nil {
		return fmt.Errorf("forget identity: %w", err)
	}
	s.current = nil
	return nil
}

func shortID(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}
