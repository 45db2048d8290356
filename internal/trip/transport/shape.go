package transport

// Shape is how a collection is laid out at its path.
type Shape int

const (
	// WholeTree stores the collection as one JSON array; every change
	// rewrites the whole value.
	WholeTree Shape = iota
	// PerRecord stores the collection as a keyed mapping from record id to
	// record; changes touch single keys.
	PerRecord
)

// String returns a human-readable representation of the shape.
func (s Shape) String() string {
	switch s {
	case WholeTree:
		return "whole-tree"
	case PerRecord:
		return "per-record"
	default:
		return "unknown"
	}
}
