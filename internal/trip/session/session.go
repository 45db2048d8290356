// Package session wires the four shared collections of one trip together
// with the local user's identity and exposes the trip's domain operations.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/steveyegge/tripsync/internal/trip/cache"
	"github.com/steveyegge/tripsync/internal/trip/identity"
	"github.com/steveyegge/tripsync/internal/trip/schema"
	"github.com/steveyegge/tripsync/internal/trip/seed"
	"github.com/steveyegge/tripsync/internal/trip/syncer"
	"github.com/steveyegge/tripsync/internal/trip/transport"
)

// Collection names.
const (
	Itinerary = "itinerary"
	Expenses  = "expenses"
	Ideas     = "ideas"
	Prep      = "prep"
)

// CollectionNames lists every collection in display order.
var CollectionNames = []string{Itinerary, Expenses, Ideas, Prep}

// DefaultMembers are the people on the trip.
var DefaultMembers = []string{"Eunbyul", "Soyeon", "Dahyun", "Woohyun", "Heejin", "Minyoung"}

// Config holds session configuration.
type Config struct {
	// TripID selects the shared paths, trips/<TripID>/<collection>.
	TripID string
	// Members are the trip participants. Defaults to DefaultMembers.
	Members []string
	// Sync configures every synchronizer. Its Logger is replaced by Logger.
	Sync syncer.Options
	// Clock stamps new records. Defaults to the real clock.
	Clock clockwork.Clock
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// NewID generates record ids. Defaults to random UUIDs.
	NewID func() string
}

// Session is one device's view of a trip.
type Session struct {
	cfg      Config
	logger   *slog.Logger
	identity identity.Provider

	Itinerary *syncer.Synchronizer[schema.DaySchedule]
	Expenses  *syncer.Synchronizer[schema.Expense]
	Ideas     *syncer.Synchronizer[schema.GameIdea]
	Prep      *syncer.Synchronizer[schema.PrepItem]

	// Serialize read-modify-write operations per collection.
	itineraryMu sync.Mutex
	expensesMu  sync.Mutex
	ideasMu     sync.Mutex
	prepMu      sync.Mutex

	errs     chan error
	fanIn    sync.WaitGroup
	closeErr error
	closed   sync.Once
}

// ItineraryDefinition describes the itinerary collection of a trip.
func ItineraryDefinition(tripID string) syncer.Definition[schema.DaySchedule] {
	return syncer.Definition[schema.DaySchedule]{
		Name:     Itinerary,
		Path:     transport.CollectionPath(tripID, Itinerary),
		CacheKey: cache.KeyItinerary,
		Shape:    transport.WholeTree,
		Order:    syncer.OrderPreserve,
		Kind:     schema.KindDay,
		Seed:     seed.Itinerary(),
	}
}

// ExpensesDefinition describes the expenses collection of a trip.
func ExpensesDefinition(tripID string) syncer.Definition[schema.Expense] {
	return syncer.Definition[schema.Expense]{
		Name:     Expenses,
		Path:     transport.CollectionPath(tripID, Expenses),
		CacheKey: cache.KeyExpenses,
		Shape:    transport.PerRecord,
		Order:    syncer.OrderNewestFirst,
		Kind:     schema.KindExpense,
	}
}

// IdeasDefinition describes the game ideas collection of a trip.
func IdeasDefinition(tripID string) syncer.Definition[schema.GameIdea] {
	return syncer.Definition[schema.GameIdea]{
		Name:     Ideas,
		Path:     transport.CollectionPath(tripID, Ideas),
		CacheKey: cache.KeyIdeas,
		Shape:    transport.PerRecord,
		Order:    syncer.OrderNewestFirst,
		Kind:     schema.KindIdea,
	}
}

// PrepDefinition describes the preparation checklist of a trip.
func PrepDefinition(tripID string) syncer.Definition[schema.PrepItem] {
	return syncer.Definition[schema.PrepItem]{
		Name:     Prep,
		Path:     transport.CollectionPath(tripID, Prep),
		CacheKey: cache.KeyPrep,
		Shape:    transport.WholeTree,
		Order:    syncer.OrderPreserve,
		Kind:     schema.KindPrep,
		Seed:     seed.PrepChecklist(),
	}
}

// New creates the synchronizers of a trip. Nothing is subscribed until
// Start. The caller must Close the session.
func New(ch transport.Channel, c cache.Cache, ident identity.Provider, cfg Config) (*Session, error) {
	if cfg.TripID == "" {
		return nil, fmt.Errorf("trip id is required")
	}
	if ident == nil {
		return nil, fmt.Errorf("identity provider is required")
	}
	if len(cfg.Members) == 0 {
		cfg.Members = DefaultMembers
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	cfg.Sync.Logger = cfg.Logger

	s := &Session{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "session", "trip", cfg.TripID),
		identity: ident,
	}

	var err error
	if s.Itinerary, err = syncer.New(ItineraryDefinition(cfg.TripID), ch, c, cfg.Sync); err != nil {
		return nil, err
	}
	created := []syncer.Lifecycle{s.Itinerary}
	fail := func(err error) (*Session, error) {
		for _, col := range created {
			_ = col.Close()
		}
		return nil, err
	}
	if s.Expenses, err = syncer.New(ExpensesDefinition(cfg.TripID), ch, c, cfg.Sync); err != nil {
		return fail(err)
	}
	created = append(created, s.Expenses)
	if s.Ideas, err = syncer.New(IdeasDefinition(cfg.TripID), ch, c, cfg.Sync); err != nil {
		return fail(err)
	}
	created = append(created, s.Ideas)
	if s.Prep, err = syncer.New(PrepDefinition(cfg.TripID), ch, c, cfg.Sync); err != nil {
		return fail(err)
	}

	s.errs = make(chan error, 4*len(CollectionNames))
	for _, col := range s.Collections() {
		s.fanIn.Add(1)
		go s.forward(col)
	}
	go func() {
		s.fanIn.Wait()
		close(s.errs)
	}()

	return s, nil
}

func (s *Session) forward(col syncer.Lifecycle) {
	defer s.fanIn.Done()
	for err := range col.Errors() {
		select {
		case s.errs <- err:
		default:
			s.logger.Warn("session error channel full, dropping error", "error", err)
		}
	}
}

// Collections returns the synchronizers in display order.
func (s *Session) Collections() []syncer.Lifecycle {
	return []syncer.Lifecycle{s.Itinerary, s.Expenses, s.Ideas, s.Prep}
}

// Collection returns the synchronizer with the given name.
func (s *Session) Collection(name string) (syncer.Lifecycle, bool) {
	for _, c := range s.Collections() {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// Members returns the trip participants.
func (s *Session) Members() []string {
	return append([]string(nil), s.cfg.Members...)
}

// TripID returns the trip this session belongs to.
func (s *Session) TripID() string {
	return s.cfg.TripID
}

// Start subscribes every collection.
func (s *Session) Start(ctx context.Context) error {
	for _, c := range s.Collections() {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
	}
	s.logger.Info("session started")
	return nil
}

// States returns the state of every collection.
func (s *Session) States() map[string]syncer.State {
	states := make(map[string]syncer.State, len(CollectionNames))
	for _, c := range s.Collections() {
		states[c.Name()] = c.State()
	}
	return states
}

// Errors returns the fan-in of every collection's errors. It is closed
// after Close.
func (s *Session) Errors() <-chan error {
	return s.errs
}

// Flush waits for every queued write of every collection.
func (s *Session) Flush(ctx context.Context) error {
	var errs []error
	for _, c := range s.Collections() {
		if err := c.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close stops every collection. It is idempotent.
func (s *Session) Close() error {
	s.closed.Do(func() {
		var errs []error
		for _, c := range s.Collections() {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", c.Name(), err))
			}
		}
		s.closeErr = errors.Join(errs...)
		s.logger.Debug("session closed")
	})
	return s.closeErr
}

func (s *Session) now() int64 {
	return s.cfg.Clock.Now().UnixMilli()
}

func (s *Session) author() (string, error) {
	id, err := s.identity.Current()
	if err != nil {
		return "", fmt.Errorf("identity: %w", err)
	}
	return id.DisplayName, nil
}
