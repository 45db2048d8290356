package schema

import (
	"encoding/json"
	"strings"
	"testing"
)

func validExpense() Expense {
	return Expense{
		ID:          "exp-1",
		Description: "Grab to the resort",
		Category:    CategoryTransport,
		Amount:      250000,
		Currency:    CurrencyVND,
		Timestamp:   1710900000000,
		CreatedBy:   "Minji",
		ExpenseDate: "2026-03-20",
	}
}

func TestExpense_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(e *Expense)
		wantErr bool
		errMsg  string
	}{
		{name: "valid expense", mutate: func(e *Expense) {}},
		{name: "missing id", mutate: func(e *Expense) { e.ID = "" }, wantErr: true, errMsg: "id is required"},
		{name: "blank description", mutate: func(e *Expense) { e.Description = "  " }, wantErr: true, errMsg: "description is required"},
		{name: "unknown category", mutate: func(e *Expense) { e.Category = "gifts" }, wantErr: true, errMsg: "unknown category"},
		{name: "zero amount", mutate: func(e *Expense) { e.Amount = 0 }, wantErr: true, errMsg: "amount must be positive"},
		{name: "bad currency", mutate: func(e *Expense) { e.Currency = "USD" }, wantErr: true, errMsg: "unsupported currency"},
		{name: "missing timestamp", mutate: func(e *Expense) { e.Timestamp = 0 }, wantErr: true, errMsg: "timestamp is required"},
		{name: "missing creator", mutate: func(e *Expense) { e.CreatedBy = "" }, wantErr: true, errMsg: "createdBy is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validExpense()
			tt.mutate(&e)
			err := e.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want substring %q", err.Error(), tt.errMsg)
			}
		})
	}
}

func TestDaySchedule_ValidateActivities(t *testing.T) {
	day := DaySchedule{
		ID:   "day1",
		Date: "2026-03-20",
		Timeline: []Activity{
			{ID: "a1", Time: "09:00", Description: "Breakfast"},
			{ID: "a2", Time: "10:00"},
		},
	}

	err := day.Validate()
	if err == nil {
		t.Fatal("Validate() should reject an activity without description")
	}
	if !strings.Contains(err.Error(), "timeline[1]") {
		t.Errorf("error should point at timeline[1], got %q", err.Error())
	}
}

func TestDaySchedule_Activities(t *testing.T) {
	day := DaySchedule{ID: "day1", Date: "2026-03-20"}
	day.SetActivities(ActivityResort, []Activity{{ID: "r1", Time: "15:00", Description: "Spa"}})

	if len(day.Activities(ActivityResort)) != 1 {
		t.Errorf("resort activities = %d, want 1", len(day.Activities(ActivityResort)))
	}
	if len(day.Activities(ActivityTimeline)) != 0 {
		t.Errorf("timeline activities = %d, want 0", len(day.Activities(ActivityTimeline)))
	}
}

func TestValidateJSON(t *testing.T) {
	good, err := json.Marshal(validExpense())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	tests := []struct {
		name    string
		kind    Kind
		raw     string
		wantErr bool
	}{
		{name: "valid expense", kind: KindExpense, raw: string(good)},
		{name: "expense missing amount", kind: KindExpense, raw: `{"id":"x","description":"d","category":"food","currency":"VND","timestamp":1,"createdBy":"a"}`, wantErr: true},
		{name: "expense string amount", kind: KindExpense, raw: `{"id":"x","description":"d","category":"food","amount":"10","currency":"VND","timestamp":1,"createdBy":"a"}`, wantErr: true},
		{name: "valid idea", kind: KindIdea, raw: `{"id":"i1","text":"Karaoke","createdBy":"a","timestamp":5}`},
		{name: "idea not an object", kind: KindIdea, raw: `["i1"]`, wantErr: true},
		{name: "valid prep", kind: KindPrep, raw: `{"id":"p1","text":"Passport","isCommon":false,"isCompleted":true,"createdBy":"system"}`},
		{name: "valid day", kind: KindDay, raw: `{"id":"day1","date":"3/20","timeline":[{"id":"a","time":"09:00","description":"Go"}]}`},
		{name: "day activity missing description", kind: KindDay, raw: `{"id":"day1","date":"3/20","timeline":[{"id":"a","time":"09:00"}]}`, wantErr: true},
		{name: "unknown kind", kind: Kind("weather"), raw: `{}`, wantErr: true},
		{name: "not json", kind: KindIdea, raw: `{`, wantErr: true},
		{name: "expense fractional amount", kind: KindExpense, raw: `{"id":"x","description":"d","category":"food","amount":12.5,"currency":"KRW","timestamp":1710900000000,"createdBy":"a"}`},
		{name: "idea with trailing data", kind: KindIdea, raw: `{"id":"i1","text":"Karaoke","createdBy":"a","timestamp":5} {}`, wantErr: true},
		{name: "idea with trailing whitespace", kind: KindIdea, raw: "{\"id\":\"i1\",\"text\":\"Karaoke\",\"createdBy\":\"a\",\"timestamp\":5}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateJSON(tt.kind, []byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSortNewestFirst(t *testing.T) {
	ideas := []GameIdea{
		{ID: "b", Timestamp: 100},
		{ID: "c", Timestamp: 300},
		{ID: "a", Timestamp: 100},
	}

	SortNewestFirst(ideas, nil)

	got := strings.Join(IDs(ideas), ",")
	if got != "c,a,b" {
		t.Errorf("order = %s, want c,a,b", got)
	}
}

func TestSortNewestFirst_ServerTimeWins(t *testing.T) {
	ideas := []GameIdea{
		{ID: "early-clock", Timestamp: 900},
		{ID: "late-clock", Timestamp: 100},
	}

	// The store saw late-clock commit after early-clock.
	SortNewestFirst(ideas, map[string]int64{"early-clock": 1000, "late-clock": 2000})

	if ideas[0].ID != "late-clock" {
		t.Errorf("first = %s, want late-clock", ideas[0].ID)
	}
}

func TestIndexByID(t *testing.T) {
	items := []PrepItem{{ID: "p1"}, {ID: "p2"}}
	if got := IndexByID(items, "p2"); got != 1 {
		t.Errorf("IndexByID(p2) = %d, want 1", got)
	}
	if got := IndexByID(items, "p9"); got != -1 {
		t.Errorf("IndexByID(p9) = %d, want -1", got)
	}
}

func TestClone_NestedSlicesAreCopied(t *testing.T) {
	items := []PrepItem{{ID: "p1", AssignedTo: []string{"Minji"}}}
	days := []DaySchedule{{
		ID:            "day1",
		Timeline:      []Activity{{ID: "a", Time: "09:00", Description: "Breakfast"}},
		ResortProgram: []Activity{{ID: "r", Time: "10:00", Description: "Yoga"}},
	}}

	itemsCopy := Clone(items)
	itemsCopy[0].AssignedTo[0] = "Jisoo"
	if items[0].AssignedTo[0] != "Minji" {
		t.Errorf("AssignedTo shared with clone: %v", items[0].AssignedTo)
	}

	daysCopy := Clone(days)
	daysCopy[0].Timeline[0].Description = "Changed"
	daysCopy[0].ResortProgram[0].Time = "11:00"
	if days[0].Timeline[0].Description != "Breakfast" || days[0].ResortProgram[0].Time != "10:00" {
		t.Errorf("activities shared with clone: %+v", days[0])
	}

	if Clone[PrepItem](nil) != nil {
		t.Error("Clone(nil) should stay nil")
	}
}
