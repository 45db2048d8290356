package schema

import (
	"fmt"
	"slices"
	"strings"
)

// Record is implemented by every element of a shared collection.
type Record interface {
	// RecordID returns the unique, stable id of the record.
	RecordID() string
	// RecordTimestamp returns the creation time in ms since epoch, or 0
	// for records that are not time-ordered.
	RecordTimestamp() int64
}

// Category classifies an expense.
type Category string

const (
	CategoryAccommodation Category = "accommodation"
	CategoryTransport     Category = "transport"
	CategoryFood          Category = "food"
	CategoryShopping      Category = "shopping"
	CategoryAlcohol       Category = "alcohol"
	CategoryOther         Category = "other"
)

// Categories lists every valid expense category in display order.
var Categories = []Category{
	CategoryAccommodation,
	CategoryTransport,
	CategoryFood,
	CategoryShopping,
	CategoryAlcohol,
	CategoryOther,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Currency is the currency an expense was paid in.
type Currency string

const (
	CurrencyVND Currency = "VND"
	CurrencyKRW Currency = "KRW"
)

// Valid reports whether c is a supported currency.
func (c Currency) Valid() bool {
	return c == CurrencyVND || c == CurrencyKRW
}

// Identity is the local user's identity on this device.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Validate checks if the Identity has valid field values.
func (i *Identity) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(i.DisplayName) == "" {
		return fmt.Errorf("displayName is required")
	}
	return nil
}

// Expense is a single shared expense.
type Expense struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Category    Category `json:"category"`
	Amount      float64  `json:"amount"`
	Currency    Currency `json:"currency"`
	Timestamp   int64    `json:"timestamp"`
	CreatedBy   string   `json:"createdBy"`

	// ExpenseDate is the trip day the money was spent (e.g. "2026-03-20").
	ExpenseDate string `json:"expenseDate,omitempty"`
	// Payer is the member who paid, if different from CreatedBy.
	Payer string `json:"payer,omitempty"`
}

func (e Expense) RecordID() string       { return e.ID }
func (e Expense) RecordTimestamp() int64 { return e.Timestamp }

// Validate checks if the Expense has valid field values.
func (e *Expense) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(e.Description) == "" {
		return fmt.Errorf("description is required")
	}
	if len(e.Description) > 500 {
		return fmt.Errorf("description must be 500 characters or less (got %d)", len(e.Description))
	}
	if !e.Category.Valid() {
		return fmt.Errorf("unknown category %q", e.Category)
	}
	if e.Amount <= 0 {
		return fmt.Errorf("amount must be positive (got %v)", e.Amount)
	}
	if !e.Currency.Valid() {
		return fmt.Errorf("unsupported currency %q", e.Currency)
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("timestamp is required")
	}
	if e.CreatedBy == "" {
		return fmt.Errorf("createdBy is required")
	}
	return nil
}

// GameIdea is a suggestion for something to do together.
type GameIdea struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	CreatedBy string `json:"createdBy"`
	Timestamp int64  `json:"timestamp"`
}

func (g GameIdea) RecordID() string       { return g.ID }
func (g GameIdea) RecordTimestamp() int64 { return g.Timestamp }

// Validate checks if the GameIdea has valid field values.
func (g *GameIdea) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(g.Text) == "" {
		return fmt.Errorf("text is required")
	}
	if g.Timestamp <= 0 {
		return fmt.Errorf("timestamp is required")
	}
	if g.CreatedBy == "" {
		return fmt.Errorf("createdBy is required")
	}
	return nil
}

// PrepItem is one entry of the preparation checklist.
//
// Common items are brought once for the whole group. Personal items list the
// members they apply to in AssignedTo.
type PrepItem struct {
	ID          string   `json:"id"`
	Text        string   `json:"text"`
	IsCommon    bool     `json:"isCommon"`
	AssignedTo  []string `json:"assignedTo,omitempty"`
	IsCompleted bool     `json:"isCompleted"`
	CreatedBy   string   `json:"createdBy"`
	Timestamp   int64    `json:"timestamp,omitempty"`
}

func (p PrepItem) RecordID() string       { return p.ID }
func (p PrepItem) RecordTimestamp() int64 { return p.Timestamp }

// Clone returns a copy of p that shares no memory with it.
func (p PrepItem) Clone() PrepItem {
	p.AssignedTo = slices.Clone(p.AssignedTo)
	return p
}

// Validate checks if the PrepItem has valid field values.
func (p *PrepItem) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("text is required")
	}
	if p.CreatedBy == "" {
		return fmt.Errorf("createdBy is required")
	}
	return nil
}

// ActivityKind selects one of the two activity lists of a day.
type ActivityKind string

const (
	ActivityTimeline ActivityKind = "timeline"
	ActivityResort   ActivityKind = "resort"
)

// Activity is a scheduled item within a day.
type Activity struct {
	ID              string `json:"id"`
	Time            string `json:"time"`
	Description     string `json:"description"`
	IsPaid          bool   `json:"isPaid,omitempty"`
	RequiresBooking bool   `json:"requiresBooking,omitempty"`
}

// Validate checks if the Activity has valid field values.
func (a *Activity) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(a.Description) == "" {
		return fmt.Errorf("description is required")
	}
	return nil
}

// DaySchedule is one day of the itinerary.
type DaySchedule struct {
	ID            string     `json:"id"`
	Date          string     `json:"date"`
	DayName       string     `json:"dayName"`
	Title         string     `json:"title"`
	Timeline      []Activity `json:"timeline"`
	ResortProgram []Activity `json:"resortProgram,omitempty"`
}

func (d DaySchedule) RecordID() string       { return d.ID }
func (d DaySchedule) RecordTimestamp() int64 { return 0 }

// Clone returns a copy of d that shares no memory with it.
func (d DaySchedule) Clone() DaySchedule {
	d.Timeline = slices.Clone(d.Timeline)
	d.ResortProgram = slices.Clone(d.ResortProgram)
	return d
}

// Validate checks if the DaySchedule and its activities have valid field values.
func (d *DaySchedule) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("id is required")
	}
	if d.Date == "" {
		return fmt.Errorf("date is required")
	}
	for i := range d.Timeline {
		if err := d.Timeline[i].Validate(); err != nil {
			return fmt.Errorf("timeline[%d]: %w", i, err)
		}
	}
	for i := range d.ResortProgram {
		if err := d.ResortProgram[i].Validate(); err != nil {
			return fmt.Errorf("resortProgram[%d]: %w", i, err)
		}
	}
	return nil
}

// Activities returns the activity list of the given kind.
func (d *DaySchedule) Activities(kind ActivityKind) []Activity {
	if kind == ActivityResort {
		return d.ResortProgram
	}
	return d.Timeline
}

// SetActivities replaces the activity list of the given kind.
func (d *DaySchedule) SetActivities(kind ActivityKind, activities []Activity) {
	if kind == ActivityResort {
		d.ResortProgram = activities
		return
	}
	d.Timeline = activities
}
