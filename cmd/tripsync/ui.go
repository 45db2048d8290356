package main

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/steveyegge/tripsync/internal/trip/schema"
	"github.com/steveyegge/tripsync/internal/trip/session"
	"github.com/steveyegge/tripsync/internal/trip/syncer"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	titleStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
)

func init() {
	// No escape codes when piped.
	if !term.IsTerminal(int(os.Stdout.Fd())) || termenv.EnvNoColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func formatAmount(amount float64) string {
	s := strconv.FormatFloat(amount, 'f', 0, 64)
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 && s[i-1] != '-' {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatTime(ms int64) string {
	if ms <= 0 {
		return ""
	}
	return time.UnixMilli(ms).Local().Format("Jan 2 15:04")
}

func renderExpenses(w io.Writer, expenses []schema.Expense, members int) {
	if len(expenses) == 0 {
		fmt.Fprintln(w, RenderMuted("No expenses yet."))
		return
	}
	t := newTable("ID", "When", "Category", "Description", "Amount", "KRW", "Paid by")
	for _, e := range expenses {
		payer := e.Payer
		if payer == "" {
			payer = e.CreatedBy
		}
		when := e.ExpenseDate
		if when == "" {
			when = formatTime(e.Timestamp)
		}
		t.Row(shortID(e.ID), when, string(e.Category), e.Description,
			formatAmount(e.Amount)+" "+string(e.Currency),
			formatAmount(session.ToKRW(e)), payer)
	}
	fmt.Fprintln(w, t.String())

	sum := session.Summarize(expenses, members)
	fmt.Fprintf(w, "%s %s KRW total, %s KRW per person (%d people)\n",
		RenderAccent("Σ"), formatAmount(sum.TotalKRW), formatAmount(sum.PerPersonKRW), members)
}

func renderIdeas(w io.Writer, ideas []schema.GameIdea) {
	if len(ideas) == 0 {
		fmt.Fprintln(w, RenderMuted("No game ideas yet."))
		return
	}
	t := newTable("ID", "Idea", "By", "When")
	for _, idea := range ideas {
		t.Row(shortID(idea.ID), idea.Text, idea.CreatedBy, formatTime(idea.Timestamp))
	}
	fmt.Fprintln(w, t.String())
}

func renderPrep(w io.Writer, items []schema.PrepItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, RenderMuted("Nothing on the checklist."))
		return
	}
	t := newTable("", "ID", "Item", "Kind", "Assigned to")
	for _, item := range items {
		check := "[ ]"
		if item.IsCompleted {
			check = RenderPass("[x]")
		}
		kind := "personal"
		if item.IsCommon {
			kind = "common"
		}
		t.Row(check, shortID(item.ID), item.Text, kind, strings.Join(item.AssignedTo, ", "))
	}
	fmt.Fprintln(w, t.String())
}

func renderItinerary(w io.Writer, days []schema.DaySchedule) {
	if len(days) == 0 {
		fmt.Fprintln(w, RenderMuted("No itinerary."))
		return
	}
	for _, day := range days {
		fmt.Fprintf(w, "%s %s\n", titleStyle.Render(fmt.Sprintf("%s (%s) %s", day.Date, day.DayName, day.Title)), RenderMuted(day.ID))
		renderActivities(w, "Timeline", day.Timeline)
		renderActivities(w, "Resort program", day.ResortProgram)
		fmt.Fprintln(w)
	}
}

func renderActivities(w io.Writer, title string, acts []schema.Activity) {
	if len(acts) == 0 {
		return
	}
	fmt.Fprintf(w, "  %s\n", RenderAccent(title))
	for _, a := range acts {
		var tags []string
		if a.IsPaid {
			tags = append(tags, "paid")
		}
		if a.RequiresBooking {
			tags = append(tags, "booking")
		}
		line := fmt.Sprintf("    %-14s %s", a.Time, a.Description)
		if len(tags) > 0 {
			line += " " + warnStyle.Render("["+strings.Join(tags, ", ")+"]")
		}
		fmt.Fprintf(w, "%s %s\n", line, RenderMuted(a.ID))
	}
}

func renderStates(w io.Writer, states map[string]syncer.State) {
	for _, name := range session.CollectionNames {
		st, ok := states[name]
		if !ok {
			continue
		}
		mark := RenderWarn("●")
		switch st {
		case syncer.Synced:
			mark = RenderPass("●")
		case syncer.Closed:
			mark = RenderFail("●")
		}
		fmt.Fprintf(w, "%s %-10s %s\n", mark, name, st)
	}
}

// shortID trims generated UUIDs for display; any unique prefix is accepted
// wherever an id is expected.
func shortID(id string) string {
	if len(id) == 36 && strings.Count(id, "-") == 4 {
		return id[:8]
	}
	return id
}

// resolveID expands a unique id prefix against ids.
func resolveID(prefix string, ids []string) (string, error) {
	var match string
	for _, id := range ids {
		if id == prefix {
			return id, nil
		}
		if strings.HasPrefix(id, prefix) {
			if match != "" {
				return "", fmt.Errorf("id %q is ambiguous", prefix)
			}
			match = id
		}
	}
	if match == "" {
		return "", fmt.Errorf("no record with id %q", prefix)
	}
	return match, nil
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
