package seed

import (
	"embed"
	"fmt"
	"slices"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/steveyegge/tripsync/internal/trip/schema"
)

// SystemAuthor is the creator recorded on seeded records.
const SystemAuthor = "system"

//go:embed defaults/*.toml
var defaultFiles embed.FS

type itineraryFile struct {
	Day []struct {
		ID            string          `toml:"id"`
		Date          string          `toml:"date"`
		DayName       string          `toml:"dayName"`
		Title         string          `toml:"title"`
		Timeline      []activityEntry `toml:"timeline"`
		ResortProgram []activityEntry `toml:"resortProgram"`
	} `toml:"day"`
}

type activityEntry struct {
	ID              string `toml:"id"`
	Time            string `toml:"time"`
	Description     string `toml:"description"`
	IsPaid          bool   `toml:"isPaid"`
	RequiresBooking bool   `toml:"requiresBooking"`
}

type prepFile struct {
	Item []struct {
		ID       string `toml:"id"`
		Text     string `toml:"text"`
		IsCommon bool   `toml:"isCommon"`
	} `toml:"item"`
}

var (
	loadOnce  sync.Once
	itinerary []schema.DaySchedule
	checklist []schema.PrepItem
	loadErr   error
)

func toActivities(entries []activityEntry) []schema.Activity {
	out := make([]schema.Activity, len(entries))
	for i, e := range entries {
		out[i] = schema.Activity(e)
	}
	return out
}

// LoadItinerary decodes the embedded itinerary.
func LoadItinerary() ([]schema.DaySchedule, error) {
	data, err := defaultFiles.ReadFile("defaults/itinerary.toml")
	if err != nil {
		return nil, err
	}

	var file itineraryFile
	if _, err := toml.Decode(string(data), &file); err != nil {
		return nil, fmt.Errorf("decode itinerary defaults: %w", err)
	}

	days := make([]schema.DaySchedule, 0, len(file.Day))
	for _, d := range file.Day {
		day := schema.DaySchedule{
			ID:            d.ID,
			Date:          d.Date,
			DayName:       d.DayName,
			Title:         d.Title,
			Timeline:      toActivities(d.Timeline),
			ResortProgram: toActivities(d.ResortProgram),
		}
		if err := day.Validate(); err != nil {
			return nil, fmt.Errorf("itinerary default %s: %w", d.ID, err)
		}
		days = append(days, day)
	}
	return days, nil
}

// LoadPrepChecklist decodes the embedded recommended checklist.
func LoadPrepChecklist() ([]schema.PrepItem, error) {
	data, err := defaultFiles.ReadFile("defaults/prep.toml")
	if err != nil {
		return nil, err
	}

	var file prepFile
	if _, err := toml.Decode(string(data), &file); err != nil {
		return nil, fmt.Errorf("decode prep defaults: %w", err)
	}

	items := make([]schema.PrepItem, 0, len(file.Item))
	for _, it := range file.Item {
		item := schema.PrepItem{
			ID:        it.ID,
			Text:      it.Text,
			IsCommon:  it.IsCommon,
			CreatedBy: SystemAuthor,
		}
		if err := item.Validate(); err != nil {
			return nil, fmt.Errorf("prep default %s: %w", it.ID, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func loadDefaults() {
	itinerary, loadErr = LoadItinerary()
	if loadErr != nil {
		return
	}
	checklist, loadErr = LoadPrepChecklist()
}

func mustDefaults() {
	loadOnce.Do(loadDefaults)
	if loadErr != nil {
		panic(fmt.Sprintf("seed: embedded defaults are invalid: %v", loadErr))
	}
}

type itineraryPolicy struct{}

func (itineraryPolicy) Seed() []schema.DaySchedule {
	mustDefaults()
	out := make([]schema.DaySchedule, len(itinerary))
	for i, d := range itinerary {
		d.Timeline = slices.Clone(d.Timeline)
		d.ResortProgram = slices.Clone(d.ResortProgram)
		out[i] = d
	}
	return out
}

// Itinerary returns the policy seeding the canned four-day itinerary.
func Itinerary() Policy[schema.DaySchedule] {
	return itineraryPolicy{}
}

type checklistPolicy struct{}

func (checklistPolicy) Seed() []schema.PrepItem {
	mustDefaults()
	return slices.Clone(checklist)
}

// PrepChecklist returns the policy seeding the recommended checklist.
func PrepChecklist() Policy[schema.PrepItem] {
	return checklistPolicy{}
}
