package session

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/tripsync/internal/trip/cache"
	"github.com/steveyegge/tripsync/internal/trip/identity"
	"github.com/steveyegge/tripsync/internal/trip/schema"
	"github.com/steveyegge/tripsync/internal/trip/seed"
	"github.com/steveyegge/tripsync/internal/trip/syncer"
	"github.com/steveyegge/tripsync/internal/trip/transport"
	"github.com/steveyegge/tripsync/internal/trip/transport/memstore"
)

var start = time.Date(2026, 3, 20, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store *memstore.Store
	clock *clockwork.FakeClock
	ids   atomic.Int64
}

func newFixture() *fixture {
	clock := clockwork.NewFakeClockAt(start)
	return &fixture{store: memstore.New(memstore.WithClock(clock)), clock: clock}
}

// session returns a started session that has synced every collection.
func (f *fixture) session(t *testing.T, name string) *Session {
	t.Helper()
	s := f.offline(t, name)
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		for _, st := range s.States() {
			if st != syncer.Synced {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return s
}

// offline returns a session that writes to the store but never subscribes,
// so its local value only changes through its own operations.
func (f *fixture) offline(t *testing.T, name string) *Session {
	t.Helper()
	ident := identity.New(cache.NewMemory(), nil)
	_, err := ident.Login(name)
	require.NoError(t, err)

	s, err := New(f.store.Connect(), cache.NewMemory(), ident, Config{
		TripID: "test",
		Sync:   syncer.Options{RetryBase: 5 * time.Millisecond, RetryMax: 20 * time.Millisecond},
		Clock:  f.clock,
		NewID:  func() string { return fmt.Sprintf("id-%d", f.ids.Add(1)) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func flushAll(t *testing.T, sessions ...*Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, s := range sessions {
		require.NoError(t, s.Flush(ctx))
	}
}

func TestNew_RequiresTripAndIdentity(t *testing.T) {
	store := memstore.New()
	ident := identity.New(cache.NewMemory(), nil)

	_, err := New(store.Connect(), cache.NewMemory(), ident, Config{})
	require.Error(t, err)
	_, err = New(store.Connect(), cache.NewMemory(), nil, Config{TripID: "t"})
	require.Error(t, err)
}

func TestSession_SeedsCuratedCollections(t *testing.T) {
	f := newFixture()
	s := f.session(t, "Dahyun")

	require.Eventually(t, func() bool {
		return cmp.Equal(seed.Itinerary().Seed(), s.Itinerary.Get(), cmpopts.EquateEmpty()) &&
			cmp.Equal(seed.PrepChecklist().Seed(), s.Prep.Get(), cmpopts.EquateEmpty())
	}, 2*time.Second, 5*time.Millisecond)
	require.Empty(t, s.Expenses.Get())
	require.Empty(t, s.Ideas.Get())

	require.Equal(t, []string{Itinerary, Expenses, Ideas, Prep}, names(s.Collections()))
	col, ok := s.Collection(Prep)
	require.True(t, ok)
	require.Equal(t, transport.CollectionPath("test", Prep), col.(*syncer.Synchronizer[schema.PrepItem]).Path())
	require.Equal(t, DefaultMembers, s.Members())
}

func names(cols []syncer.Lifecycle) []string {
	var out []string
	for _, c := range cols {
		out = append(out, c.Name())
	}
	return out
}

func TestSession_Expenses(t *testing.T) {
	f := newFixture()
	a := f.session(t, "Dahyun")
	b := f.session(t, "Soyeon")

	first, err := a.AddExpense(ExpenseInput{
		Description: " Pho ",
		Category:    schema.CategoryFood,
		Amount:      120000,
	})
	require.NoError(t, err)
	require.Equal(t, "Pho", first.Description)
	require.Equal(t, schema.CurrencyVND, first.Currency)
	require.Equal(t, "Dahyun", first.CreatedBy)
	require.Equal(t, start.UnixMilli(), first.Timestamp)
	flushAll(t, a)

	f.clock.Advance(time.Minute)
	second, err := b.AddExpense(ExpenseInput{
		Description: "Taxi",
		Category:    schema.CategoryTransport,
		Amount:      30000,
		Currency:    schema.CurrencyKRW,
		Payer:       "Heejin",
	})
	require.NoError(t, err)
	flushAll(t, a, b)

	want := []string{second.ID, first.ID}
	for _, s := range []*Session{a, b} {
		require.Eventually(t, func() bool {
			return cmp.Equal(want, schema.IDs(s.Expenses.Get()))
		}, 2*time.Second, 5*time.Millisecond)
	}

	second.Description = "Grab taxi"
	require.NoError(t, b.UpdateExpense(second))
	flushAll(t, b)
	require.Eventually(t, func() bool {
		got := a.Expenses.Get()
		return len(got) == 2 && got[0].Description == "Grab taxi"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.RemoveExpense(first.ID))
	require.ErrorIs(t, a.RemoveExpense(first.ID), syncer.ErrNotFound)
	flushAll(t, a)
	require.Eventually(t, func() bool {
		return cmp.Equal([]string{second.ID}, schema.IDs(b.Expenses.Get()))
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSession_AddExpenseRejectsInvalidInput(t *testing.T) {
	f := newFixture()
	s := f.session(t, "Dahyun")

	_, err := s.AddExpense(ExpenseInput{Description: "Nothing", Category: schema.CategoryFood})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = s.AddExpense(ExpenseInput{Description: "Bad", Category: "gambling", Amount: 1})
	require.ErrorIs(t, err, ErrInvalidInput)
	require.Empty(t, s.Expenses.Get())
}

func TestSession_Ideas(t *testing.T) {
	f := newFixture()
	s := f.session(t, "Woohyun")

	_, err := s.AddIdea("   ")
	require.ErrorIs(t, err, ErrInvalidInput)

	first, err := s.AddIdea("Mafia")
	require.NoError(t, err)
	flushAll(t, s)
	f.clock.Advance(time.Second)
	second, err := s.AddIdea("Liar game")
	require.NoError(t, err)
	flushAll(t, s)
	require.Eventually(t, func() bool {
		return cmp.Equal([]string{second.ID, first.ID}, schema.IDs(s.Ideas.Get()))
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.RemoveIdea(first.ID))
	flushAll(t, s)
	require.Eventually(t, func() bool {
		return cmp.Equal([]string{second.ID}, schema.IDs(s.Ideas.Get()))
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSession_Prep(t *testing.T) {
	f := newFixture()
	s := f.offline(t, "Heejin")
	seeded := len(s.Prep.Get())

	personal, err := s.AddPrepItem("Sunscreen", false, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"Heejin"}, personal.AssignedTo)

	shared, err := s.AddPrepItem("Speaker", true, []string{"Minyoung"})
	require.NoError(t, err)
	require.Equal(t, []string{"Minyoung"}, shared.AssignedTo)

	common, err := s.AddPrepItem("Card games", true, nil)
	require.NoError(t, err)
	require.Empty(t, common.AssignedTo)

	items := s.Prep.Get()
	require.Len(t, items, seeded+3)
	require.Equal(t, common.ID, items[len(items)-1].ID)

	done, err := s.TogglePrepItem(personal.ID)
	require.NoError(t, err)
	require.True(t, done)
	done, err = s.TogglePrepItem(personal.ID)
	require.NoError(t, err)
	require.False(t, done)
	_, err = s.TogglePrepItem("missing")
	require.ErrorIs(t, err, syncer.ErrNotFound)

	require.NoError(t, s.RemovePrepItem(shared.ID))
	require.Len(t, s.Prep.Get(), seeded+2)

	require.NoError(t, s.ResetPrep())
	flushAll(t, s)
	want := seed.PrepChecklist().Seed()
	require.Empty(t, cmp.Diff(want, s.Prep.Get(), cmpopts.EquateEmpty()))
	require.Empty(t, cmp.Diff(want, mustPrep(t, f.store), cmpopts.EquateEmpty()))
}

func mustPrep(t *testing.T, store *memstore.Store) []schema.PrepItem {
	t.Helper()
	snap := store.Snapshot(transport.CollectionPath("test", Prep))
	require.True(t, snap.Exists)
	var items []schema.PrepItem
	require.NoError(t, json.Unmarshal(snap.Value, &items))
	return items
}

func TestSession_Activities(t *testing.T) {
	f := newFixture()
	s := f.offline(t, "Eunbyul")

	day := s.Itinerary.Get()[0]
	before := len(day.Timeline)

	early, err := s.AddActivity(day.ID, schema.ActivityTimeline, "00:30", "Wake-up call")
	require.NoError(t, err)
	late, err := s.AddActivity(day.ID, schema.ActivityResort, "~late", "Night swim")
	require.NoError(t, err)

	day = s.Itinerary.Get()[0]
	require.Len(t, day.Timeline, before+1)
	require.Equal(t, early.ID, day.Timeline[0].ID)
	require.Equal(t, late.ID, day.ResortProgram[len(day.ResortProgram)-1].ID)

	_, err = s.AddActivity("no-such-day", schema.ActivityTimeline, "10:00", "x")
	require.ErrorIs(t, err, syncer.ErrNotFound)
	_, err = s.AddActivity(day.ID, schema.ActivityTimeline, "10:00", " ")
	require.ErrorIs(t, err, ErrInvalidInput)

	require.NoError(t, s.RemoveActivity(day.ID, schema.ActivityTimeline, early.ID))
	require.ErrorIs(t, s.RemoveActivity(day.ID, schema.ActivityTimeline, early.ID), syncer.ErrNotFound)
	require.Len(t, s.Itinerary.Get()[0].Timeline, before)
}

func TestSession_CloseEndsErrors(t *testing.T) {
	f := newFixture()
	s := f.session(t, "Dahyun")
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case _, ok := <-s.Errors():
		for ok {
			_, ok = <-s.Errors()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("errors channel not closed")
	}

	_, err := s.AddIdea("too late")
	require.ErrorIs(t, err, syncer.ErrClosed)
}

func TestSession_ErrorsFanIn(t *testing.T) {
	f := newFixture()
	s := f.session(t, "Dahyun")
	f.store.Deny(transport.CollectionPath("test", Ideas))

	_, err := s.AddIdea("Charades")
	require.NoError(t, err)

	select {
	case err := <-s.Errors():
		var serr *syncer.Error
		require.ErrorAs(t, err, &serr)
		require.Equal(t, Ideas, serr.Collection)
		require.ErrorIs(t, err, transport.ErrPermissionDenied)
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}
}

func TestSummarize(t *testing.T) {
	expenses := []schema.Expense{
		{ID: "a", Category: schema.CategoryFood, Amount: 100000, Currency: schema.CurrencyVND, CreatedBy: "Dahyun"},
		{ID: "b", Category: schema.CategoryFood, Amount: 6000, Currency: schema.CurrencyKRW, CreatedBy: "Soyeon", Payer: "Heejin"},
		{ID: "c", Category: schema.CategoryTransport, Amount: 20000, Currency: schema.CurrencyVND, CreatedBy: "Dahyun"},
	}
	sum := Summarize(expenses, 6)

	require.Equal(t, 3, sum.Count)
	require.Equal(t, float64(5500+6000+1100), sum.TotalKRW)
	require.Equal(t, float64(2100), sum.PerPersonKRW)
	require.Equal(t, map[schema.Category]float64{
		schema.CategoryFood:      11500,
		schema.CategoryTransport: 1100,
	}, sum.ByCategory)
	require.Equal(t, map[string]float64{"Dahyun": 6600, "Heejin": 6000}, sum.ByPayer)

	require.Zero(t, Summarize(nil, 0).PerPersonKRW)
}

func TestSummarize_RoundsOnceAfterSumming(t *testing.T) {
	// 10010 dong is 550.55 won; rounding each one first would add up to 1653.
	var expenses []schema.Expense
	for _, id := range []string{"a", "b", "c"} {
		expenses = append(expenses, schema.Expense{ID: id, Category: schema.CategoryFood, Amount: 10010, Currency: schema.CurrencyVND, CreatedBy: "Dahyun"})
	}
	require.InDelta(t, 550.55, ToKRW(expenses[0]), 1e-9)

	sum := Summarize(expenses, 2)
	require.Equal(t, float64(1652), sum.TotalKRW)
	require.Equal(t, float64(826), sum.PerPersonKRW)
	require.Equal(t, float64(1652), sum.ByCategory[schema.CategoryFood])
	require.Equal(t, float64(1652), sum.ByPayer["Dahyun"])
}

func TestWriteExpensesCSV(t *testing.T) {
	var buf bytes.Buffer
	err := WriteExpensesCSV(&buf, []schema.Expense{{
		ID:          "a",
		Description: "Dinner, seafood",
		Category:    schema.CategoryFood,
		Amount:      250000,
		Currency:    schema.CurrencyVND,
		CreatedBy:   "Dahyun",
		ExpenseDate: "2026-03-20",
		Payer:       "Soyeon",
	}})
	require.NoError(t, err)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Equal(t, [][]string{
		{"date", "category", "description", "amount", "currency", "krw", "payer", "createdBy"},
		{"2026-03-20", "food", "Dinner, seafood", "250000", "VND", "13750", "Soyeon", "Dahyun"},
	}, rows)
}

func TestPrepFor(t *testing.T) {
	items := []schema.PrepItem{
		{ID: "passport", CreatedBy: seed.SystemAuthor},
		{ID: "speaker", IsCommon: true, CreatedBy: seed.SystemAuthor},
		{ID: "assigned", IsCommon: true, AssignedTo: []string{"Dahyun"}, CreatedBy: "Soyeon"},
		{ID: "own", CreatedBy: "Dahyun"},
		{ID: "others", CreatedBy: "Soyeon"},
		{ID: "for-heejin", AssignedTo: []string{"Heejin"}, CreatedBy: "Dahyun"},
	}

	require.Equal(t, []string{"passport", "assigned", "own"}, schema.IDs(PrepFor(items, "Dahyun")))
	require.Equal(t, []string{"passport", "for-heejin"}, schema.IDs(PrepFor(items, "Heejin")))
	require.Equal(t, []string{"speaker", "assigned"}, schema.IDs(CommonPrep(items)))
}
