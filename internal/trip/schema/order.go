package schema

import (
	"slices"
	"sort"
)

// EffectiveTimestamp returns the time used to order r: the store-assigned
// creation time when known, otherwise the record's own timestamp.
func EffectiveTimestamp[T Record](r T, createdAt map[string]int64) int64 {
	if ts, ok := createdAt[r.RecordID()]; ok && ts > 0 {
		return ts
	}
	return r.RecordTimestamp()
}

// SortNewestFirst orders records by descending effective timestamp in place.
// Ties are broken by ascending id so every client arrives at the same order.
func SortNewestFirst[T Record](records []T, createdAt map[string]int64) {
	sort.SliceStable(records, func(i, j int) bool {
		ti := EffectiveTimestamp(records[i], createdAt)
		tj := EffectiveTimestamp(records[j], createdAt)
		if ti != tj {
			return ti > tj
		}
		return records[i].RecordID() < records[j].RecordID()
	})
}

// IndexByID returns the position of the record with the given id, or -1.
func IndexByID[T Record](records []T, id string) int {
	for i, r := range records {
		if r.RecordID() == id {
			return i
		}
	}
	return -1
}

// IDs returns the ids of records in order.
func IDs[T Record](records []T) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.RecordID()
	}
	return ids
}

// Clone returns a copy of records that shares no memory with it, including
// the slices held by individual records. A nil slice stays nil.
func Clone[T Record](records []T) []T {
	switch rs := any(records).(type) {
	case []PrepItem:
		if rs == nil {
			return nil
		}
		out := make([]PrepItem, len(rs))
		for i, r := range rs {
			out[i] = r.Clone()
		}
		return any(out).([]T)
	case []DaySchedule:
		if rs == nil {
			return nil
		}
		out := make([]DaySchedule, len(rs))
		for i, r := range rs {
			out[i] = r.Clone()
		}
		return any(out).([]T)
	default:
		return slices.Clone(records)
	}
}
