// Package schema defines the shared trip records and their shape checks.
//
// # Overview
//
// Every collection shared between trip members is a list of records. A record
// carries a unique id and, for collections that are shown newest-first, a
// creation timestamp in milliseconds since the epoch. The timestamp is set once
// when the record is created and never changes afterwards.
//
// # Record Types
//
//   - Expense: money spent during the trip (per-record collection)
//   - GameIdea: a suggestion for a group activity (per-record collection)
//   - PrepItem: a packing or preparation checklist entry (whole-tree collection)
//   - DaySchedule: one day of the itinerary with its activities (whole-tree collection)
//
// # Shape Validation
//
// Records arriving from the shared store are untrusted. Each record kind has
// an embedded JSON Schema, and ValidateJSON checks a raw payload against it
// before it is decoded:
//
//	if err := schema.ValidateJSON(schema.KindExpense, raw); err != nil {
//	    // reject the snapshot and keep the previous state
//	}
//
// # Ordering
//
// SortNewestFirst orders records by descending timestamp. When the store
// assigned its own creation time to a record, that time wins.
package schema
