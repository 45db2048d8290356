package session

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/steveyegge/tripsync/internal/trip/schema"
	"github.com/steveyegge/tripsync/internal/trip/seed"
	"github.com/steveyegge/tripsync/internal/trip/syncer"
)

// ErrInvalidInput is returned when a domain operation is given a record
// that fails validation.
var ErrInvalidInput = errors.New("invalid input")

// ExpenseInput is what a user enters for a new expense.
type ExpenseInput struct {
	Description string
	Category    schema.Category
	Amount      float64
	Currency    schema.Currency
	ExpenseDate string
	Payer       string
}

// AddExpense records a new expense and returns it. The newest expense is
// listed first.
func (s *Session) AddExpense(in ExpenseInput) (schema.Expense, error) {
	author, err := s.author()
	if err != nil {
		return schema.Expense{}, err
	}
	e := schema.Expense{
		ID:          s.cfg.NewID(),
		Description: strings.TrimSpace(in.Description),
		Category:    in.Category,
		Amount:      in.Amount,
		Currency:    in.Currency,
		Timestamp:   s.now(),
		CreatedBy:   author,
		ExpenseDate: in.ExpenseDate,
		Payer:       in.Payer,
	}
	if e.Currency == "" {
		e.Currency = schema.CurrencyVND
	}
	if err := e.Validate(); err != nil {
		return schema.Expense{}, fmt.Errorf("%w: expense: %v", ErrInvalidInput, err)
	}

	s.expensesMu.Lock()
	defer s.expensesMu.Unlock()
	next := append([]schema.Expense{e}, s.Expenses.Get()...)
	if err := s.Expenses.Mutate(next); err != nil {
		return schema.Expense{}, err
	}
	return e, nil
}

// UpdateExpense replaces an existing expense.
func (s *Session) UpdateExpense(e schema.Expense) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: expense: %v", ErrInvalidInput, err)
	}
	s.expensesMu.Lock()
	defer s.expensesMu.Unlock()
	return s.Expenses.Update(e)
}

// RemoveExpense deletes the expense with the given id.
func (s *Session) RemoveExpense(id string) error {
	s.expensesMu.Lock()
	defer s.expensesMu.Unlock()
	return removeByID(s.Expenses, id)
}

// AddIdea records a new game idea and returns it.
func (s *Session) AddIdea(text string) (schema.GameIdea, error) {
	author, err := s.author()
	if err != nil {
		return schema.GameIdea{}, err
	}
	idea := schema.GameIdea{
		ID:        s.cfg.NewID(),
		Text:      strings.TrimSpace(text),
		CreatedBy: author,
		Timestamp: s.now(),
	}
	if err := idea.Validate(); err != nil {
		return schema.GameIdea{}, fmt.Errorf("%w: idea: %v", ErrInvalidInput, err)
	}

	s.ideasMu.Lock()
	defer s.ideasMu.Unlock()
	next := append([]schema.GameIdea{idea}, s.Ideas.Get()...)
	if err := s.Ideas.Mutate(next); err != nil {
		return schema.GameIdea{}, err
	}
	return idea, nil
}

// RemoveIdea deletes the idea with the given id.
func (s *Session) RemoveIdea(id string) error {
	s.ideasMu.Lock()
	defer s.ideasMu.Unlock()
	return removeByID(s.Ideas, id)
}

// AddPrepItem appends an item to the checklist. A personal item with no
// assignees is assigned to its creator.
func (s *Session) AddPrepItem(text string, common bool, assignees []string) (schema.PrepItem, error) {
	author, err := s.author()
	if err != nil {
		return schema.PrepItem{}, err
	}
	item := schema.PrepItem{
		ID:        s.cfg.NewID(),
		Text:      strings.TrimSpace(text),
		IsCommon:  common,
		CreatedBy: author,
		Timestamp: s.now(),
	}
	switch {
	case len(assignees) > 0:
		item.AssignedTo = slices.Clone(assignees)
	case !common:
		item.AssignedTo = []string{author}
	}
	if err := item.Validate(); err != nil {
		return schema.PrepItem{}, fmt.Errorf("%w: prep item: %v", ErrInvalidInput, err)
	}

	s.prepMu.Lock()
	defer s.prepMu.Unlock()
	next := append(s.Prep.Get(), item)
	if err := s.Prep.Mutate(next); err != nil {
		return schema.PrepItem{}, err
	}
	return item, nil
}

// TogglePrepItem flips the completed flag of an item and returns its new
// value.
func (s *Session) TogglePrepItem(id string) (bool, error) {
	s.prepMu.Lock()
	defer s.prepMu.Unlock()

	items := s.Prep.Get()
	idx := schema.IndexByID(items, id)
	if idx < 0 {
		return false, &syncer.Error{Collection: Prep, Op: "toggle", Key: id, Err: syncer.ErrNotFound}
	}
	item := items[idx]
	item.IsCompleted = !item.IsCompleted
	if err := s.Prep.Update(item); err != nil {
		return false, err
	}
	return item.IsCompleted, nil
}

// RemovePrepItem deletes the item with the given id.
func (s *Session) RemovePrepItem(id string) error {
	s.prepMu.Lock()
	defer s.prepMu.Unlock()
	return removeByID(s.Prep, id)
}

// ResetPrep replaces the checklist with the recommended one.
func (s *Session) ResetPrep() error {
	s.prepMu.Lock()
	defer s.prepMu.Unlock()
	return s.Prep.Mutate(seed.PrepChecklist().Seed())
}

// AddActivity adds an activity to one list of a day. The list stays sorted
// by time.
func (s *Session) AddActivity(dayID string, kind schema.ActivityKind, at, description string) (schema.Activity, error) {
	act := schema.Activity{
		ID:          s.cfg.NewID(),
		Time:        strings.TrimSpace(at),
		Description: strings.TrimSpace(description),
	}
	if err := act.Validate(); err != nil {
		return schema.Activity{}, fmt.Errorf("%w: activity: %v", ErrInvalidInput, err)
	}

	err := s.updateDay(dayID, func(day *schema.DaySchedule) error {
		acts := append(slices.Clone(day.Activities(kind)), act)
		slices.SortStableFunc(acts, func(a, b schema.Activity) int {
			return strings.Compare(a.Time, b.Time)
		})
		day.SetActivities(kind, acts)
		return nil
	})
	if err != nil {
		return schema.Activity{}, err
	}
	return act, nil
}

// RemoveActivity deletes an activity from one list of a day.
func (s *Session) RemoveActivity(dayID string, kind schema.ActivityKind, activityID string) error {
	return s.updateDay(dayID, func(day *schema.DaySchedule) error {
		acts := day.Activities(kind)
		idx := slices.IndexFunc(acts, func(a schema.Activity) bool { return a.ID == activityID })
		if idx < 0 {
			return &syncer.Error{Collection: Itinerary, Op: "remove_activity", Key: activityID, Err: syncer.ErrNotFound}
		}
		day.SetActivities(kind, slices.Delete(slices.Clone(acts), idx, idx+1))
		return nil
	})
}

func (s *Session) updateDay(dayID string, edit func(*schema.DaySchedule) error) error {
	s.itineraryMu.Lock()
	defer s.itineraryMu.Unlock()

	days := s.Itinerary.Get()
	idx := schema.IndexByID(days, dayID)
	if idx < 0 {
		return &syncer.Error{Collection: Itinerary, Op: "update", Key: dayID, Err: syncer.ErrNotFound}
	}
	day := days[idx]
	if err := edit(&day); err != nil {
		return err
	}
	return s.Itinerary.Update(day)
}

func removeByID[T schema.Record](col *syncer.Synchronizer[T], id string) error {
	records := col.Get()
	idx := schema.IndexByID(records, id)
	if idx < 0 {
		return &syncer.Error{Collection: col.Name(), Op: "remove", Key: id, Err: syncer.ErrNotFound}
	}
	return col.Mutate(slices.Delete(records, idx, idx+1))
}
