package syncer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/steveyegge/tripsync/internal/trip/schema"
	"github.com/steveyegge/tripsync/internal/trip/transport"
)

// normalize decodes a remote value into the ordered collection.
//
// The store may hold either a JSON array or a keyed mapping; both are
// accepted for any collection. Every record is checked against the
// collection's schema before decoding.
func normalize[T schema.Record](def Definition[T], snap transport.Snapshot) ([]T, error) {
	raw := bytes.TrimSpace(snap.Value)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []T{}, nil
	}

	var (
		items []json.RawMessage
		keys  []string
	)
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
		}
	case '{':
		entries, err := transport.DecodeKeyed(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
		}
		keys = make([]string, 0, len(entries))
		for k := range entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items = make([]json.RawMessage, len(keys))
		for i, k := range keys {
			items[i] = entries[k]
		}
	default:
		return nil, fmt.Errorf("%w: expected array or object, got %.20s", ErrMalformedSnapshot, raw)
	}

	records := make([]T, 0, len(items))
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		if def.Kind != "" {
			if err := schema.ValidateJSON(def.Kind, item); err != nil {
				return nil, fmt.Errorf("%w: record %d: %v", ErrMalformedSnapshot, i, err)
			}
		}

		var r T
		if err := json.Unmarshal(item, &r); err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrMalformedSnapshot, i, err)
		}

		id := r.RecordID()
		if id == "" {
			return nil, fmt.Errorf("%w: record %d has no id", ErrMalformedSnapshot, i)
		}
		if keys != nil && keys[i] != id {
			return nil, fmt.Errorf("%w: key %s holds record %s", ErrMalformedSnapshot, keys[i], id)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrMalformedSnapshot, id)
		}
		seen[id] = true
		records = append(records, r)
	}

	if def.Order == OrderNewestFirst {
		schema.SortNewestFirst(records, snap.CreatedAt)
	}
	return records, nil
}

func checkUnique[T schema.Record](records []T) error {
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		id := r.RecordID()
		if id == "" {
			return fmt.Errorf("record without id")
		}
		if seen[id] {
			return fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		seen[id] = true
	}
	return nil
}
