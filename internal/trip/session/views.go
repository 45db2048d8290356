package session

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"

	"github.com/steveyegge/tripsync/internal/trip/schema"
	"github.com/steveyegge/tripsync/internal/trip/seed"
)

// VNDToKRW converts Vietnamese dong to Korean won.
const VNDToKRW = 0.055

// ToKRW returns the amount of e in won, unrounded. Round only for display.
func ToKRW(e schema.Expense) float64 {
	if e.Currency == schema.CurrencyVND {
		return e.Amount * VNDToKRW
	}
	return e.Amount
}

// Summary totals the expenses of a trip. Totals are summed from unrounded
// conversions and rounded to whole won once.
type Summary struct {
	// TotalKRW is every expense converted to won.
	TotalKRW float64
	// PerPersonKRW is TotalKRW split evenly between the members.
	PerPersonKRW float64
	// ByCategory holds the won total per category.
	ByCategory map[schema.Category]float64
	// ByPayer holds the won total per payer, falling back to the creator.
	ByPayer map[string]float64
	Count   int
}

// Summarize totals expenses for a group of the given size.
func Summarize(expenses []schema.Expense, members int) Summary {
	sum := Summary{
		ByCategory: make(map[schema.Category]float64),
		ByPayer:    make(map[string]float64),
		Count:      len(expenses),
	}
	for _, e := range expenses {
		krw := ToKRW(e)
		sum.TotalKRW += krw
		sum.ByCategory[e.Category] += krw
		payer := e.Payer
		if payer == "" {
			payer = e.CreatedBy
		}
		sum.ByPayer[payer] += krw
	}
	if members > 0 {
		sum.PerPersonKRW = math.Round(sum.TotalKRW / float64(members))
	}
	sum.TotalKRW = math.Round(sum.TotalKRW)
	for c, v := range sum.ByCategory {
		sum.ByCategory[c] = math.Round(v)
	}
	for p, v := range sum.ByPayer {
		sum.ByPayer[p] = math.Round(v)
	}
	return sum
}

// ExpenseSummary totals the current expenses of the trip.
func (s *Session) ExpenseSummary() Summary {
	return Summarize(s.Expenses.Get(), len(s.cfg.Members))
}

var csvHeader = []string{"date", "category", "description", "amount", "currency", "krw", "payer", "createdBy"}

// WriteExpensesCSV writes expenses as CSV with a header row.
func WriteExpensesCSV(w io.Writer, expenses []schema.Expense) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, e := range expenses {
		row := []string{
			e.ExpenseDate,
			string(e.Category),
			e.Description,
			strconv.FormatFloat(e.Amount, 'f', -1, 64),
			string(e.Currency),
			strconv.FormatFloat(ToKRW(e), 'f', 0, 64),
			e.Payer,
			e.CreatedBy,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %s: %w", e.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// PrepFor returns the checklist items that concern member: items assigned
// to them, their own unassigned personal items, and personal items from
// the recommended list.
func PrepFor(items []schema.PrepItem, member string) []schema.PrepItem {
	var out []schema.PrepItem
	for _, item := range items {
		switch {
		case !item.IsCommon && item.CreatedBy == seed.SystemAuthor:
		case slices.Contains(item.AssignedTo, member):
		case !item.IsCommon && len(item.AssignedTo) == 0 && item.CreatedBy == member:
		default:
			continue
		}
		out = append(out, item)
	}
	return out
}

// CommonPrep returns the items the group brings once.
func CommonPrep(items []schema.PrepItem) []schema.PrepItem {
	var out []schema.PrepItem
	for _, item := range items {
		if item.IsCommon {
			out = append(out, item)
		}
	}
	return out
}
