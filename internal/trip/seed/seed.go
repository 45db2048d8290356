// Package seed provides the deterministic initial values written to a
// collection the first time it is found absent in the shared store.
//
// Several clients may discover the absence at the same moment and all write
// their seed. That race is harmless as long as every client seeds exactly
// the same bytes: whichever write lands last leaves the same value. For
// that reason seed values never contain random ids or wall-clock times.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/steveyegge/tripsync/internal/trip/schema"
	"github.com/steveyegge/tripsync/internal/trip/transport"
)

// Policy yields the seed value of a collection.
type Policy[T schema.Record] interface {
	// Seed returns the records to write. It must return the same records
	// on every call and on every client.
	Seed() []T
}

type static[T schema.Record] struct {
	values []T
}

func (s static[T]) Seed() []T {
	return slices.Clone(s.values)
}

// Static returns a policy seeding the given records.
func Static[T schema.Record](values []T) Policy[T] {
	return static[T]{values: slices.Clone(values)}
}

// Empty returns a policy seeding an empty collection.
func Empty[T schema.Record]() Policy[T] {
	return static[T]{values: []T{}}
}

// Encode renders records in the layout used for shape: a JSON array for
// whole-tree collections or a keyed mapping for per-record collections.
func Encode[T schema.Record](shape transport.Shape, records []T) (json.RawMessage, error) {
	if records == nil {
		records = []T{}
	}
	if shape == transport.WholeTree {
		data, err := json.Marshal(records)
		if err != nil {
			return nil, fmt.Errorf("encode seed: %w", err)
		}
		return data, nil
	}

	entries := make(map[string]json.RawMessage, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode seed record %s: %w", r.RecordID(), err)
		}
		if _, dup := entries[r.RecordID()]; dup {
			return nil, fmt.Errorf("encode seed: duplicate id %s", r.RecordID())
		}
		entries[r.RecordID()] = data
	}
	return transport.EncodeKeyed(entries), nil
}

// Apply writes the seed of policy at path. Applying the same policy twice
// leaves the same stored value as applying it once.
func Apply[T schema.Record](ctx context.Context, ch transport.Channel, path string, shape transport.Shape, policy Policy[T]) error {
	value, err := Encode(shape, policy.Seed())
	if err != nil {
		return err
	}
	if err := ch.WriteAtPath(ctx, path, value); err != nil {
		return fmt.Errorf("seed %s: %w", path, err)
	}
	return nil
}
