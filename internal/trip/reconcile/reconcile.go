// Package reconcile turns a whole-list change of a per-record collection
// into the minimal set of key writes and deletes.
//
// Diff is a pure function: it only compares ids and payloads. Apply issues
// the resulting operations against a transport.Channel.
package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/tripsync/internal/trip/schema"
	"github.com/steveyegge/tripsync/internal/trip/transport"
)

// ErrDuplicateID means a collection contained the same id twice.
var ErrDuplicateID = errors.New("duplicate record id")

// OpKind is the kind of a single reconciliation step.
type OpKind int

const (
	// OpDelete removes the record at Key.
	OpDelete OpKind = iota
	// OpWrite writes Value at Key.
	OpWrite
)

// String returns a human-readable representation of the operation.
func (k OpKind) String() string {
	switch k {
	case OpDelete:
		return "delete"
	case OpWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Op is one key-level operation.
type Op struct {
	Kind  OpKind
	Key   string
	Value json.RawMessage
}

// Plan is the result of comparing two versions of a collection.
type Plan struct {
	// Deletes holds one op per id present before but not after.
	Deletes []Op
	// Writes holds one op per id present after but not before.
	Writes []Op
	// Changed lists ids present on both sides whose payload differs.
	// Diff does not turn these into writes.
	Changed []string
}

// Empty reports whether the plan issues no operations.
func (p Plan) Empty() bool {
	return len(p.Deletes) == 0 && len(p.Writes) == 0
}

// Ops returns every operation, deletes first.
func (p Plan) Ops() []Op {
	ops := make([]Op, 0, len(p.Deletes)+len(p.Writes))
	ops = append(ops, p.Deletes...)
	return append(ops, p.Writes...)
}

// Diff compares prev and next by id.
func Diff[T schema.Record](prev, next []T) (Plan, error) {
	before, err := index(prev)
	if err != nil {
		return Plan{}, fmt.Errorf("previous: %w", err)
	}
	after, err := index(next)
	if err != nil {
		return Plan{}, fmt.Errorf("next: %w", err)
	}

	var plan Plan
	for _, r := range prev {
		id := r.RecordID()
		if _, kept := after[id]; !kept {
			plan.Deletes = append(plan.Deletes, Op{Kind: OpDelete, Key: id})
		}
	}

	for _, r := range next {
		id := r.RecordID()
		payload, err := json.Marshal(r)
		if err != nil {
			return Plan{}, fmt.Errorf("marshal %s: %w", id, err)
		}

		old, existed := before[id]
		if !existed {
			plan.Writes = append(plan.Writes, Op{Kind: OpWrite, Key: id, Value: payload})
			continue
		}

		oldPayload, err := json.Marshal(old)
		if err != nil {
			return Plan{}, fmt.Errorf("marshal %s: %w", id, err)
		}
		if !bytes.Equal(oldPayload, payload) {
			plan.Changed = append(plan.Changed, id)
		}
	}

	return plan, nil
}

func index[T schema.Record](records []T) (map[string]T, error) {
	m := make(map[string]T, len(records))
	for _, r := range records {
		id := r.RecordID()
		if id == "" {
			return nil, fmt.Errorf("record without id")
		}
		if _, dup := m[id]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		m[id] = r
	}
	return m, nil
}

// Apply issues the plan against ch at path. All deletes complete before any
// write starts. Operations on different keys run concurrently; the first
// error is returned after every started operation has finished.
func (p Plan) Apply(ctx context.Context, ch transport.Channel, path string) error {
	if err := run(ctx, p.Deletes, func(ctx context.Context, op Op) error {
		return ch.DeleteAtKey(ctx, path, op.Key)
	}); err != nil {
		return err
	}
	return run(ctx, p.Writes, func(ctx context.Context, op Op) error {
		return ch.WriteAtKey(ctx, path, op.Key, op.Value)
	})
}

func run(ctx context.Context, ops []Op, do func(context.Context, Op) error) error {
	if len(ops) == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, op := range ops {
		g.Go(func() error {
			if err := do(ctx, op); err != nil {
				return fmt.Errorf("%s %s: %w", op.Kind, op.Key, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ApplyIDs applies the plan to a set of ids and returns the sorted result.
func ApplyIDs(ids []string, p Plan) []string {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	for _, op := range p.Deletes {
		delete(set, op.Key)
	}
	for _, op := range p.Writes {
		set[op.Key] = true
	}

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
