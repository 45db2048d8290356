// Package broadcast shares trip state through a WebSocket relay hub.
//
// Clients subscribe to paths and publish changes. The hub keeps the last
// value of every path in memory and relays each change to every subscriber
// of the path, sender included, as a SYNC_<COLLECTION> message. Nothing is
// persisted: after a hub restart paths are absent until a client writes
// them again, so clients should pair this transport with a local cache.
package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/tripsync/internal/trip/transport"
)

// Operations carried in Message.Op.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpRead        = "read"
	OpPublish     = "publish"
	OpPutKey      = "put_key"
	OpDeleteKey   = "delete_key"

	OpSnapshot = "snapshot"
	OpAck      = "ack"
	OpError    = "error"
)

// Error codes carried in Message.Code.
const (
	CodeInvalid = "invalid"
	CodeShape   = "shape"
	CodeDenied  = "denied"
)

// Message is one frame on the wire, in either direction.
//
// Snapshot frames sent by the hub carry Type "SYNC_<COLLECTION>" and the
// full value of Path in Payload.
type Message struct {
	Op        string           `json:"op"`
	ID        uint64           `json:"id,omitempty"`
	Type      string           `json:"type,omitempty"`
	Path      string           `json:"path,omitempty"`
	Key       string           `json:"key,omitempty"`
	Exists    bool             `json:"exists,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	CreatedAt map[string]int64 `json:"createdAt,omitempty"`
	Timestamp time.Time        `json:"timestamp,omitempty"`
	Code      string           `json:"code,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Snapshot converts a snapshot frame.
func (m Message) Snapshot() transport.Snapshot {
	if !m.Exists {
		return transport.Absent(m.Path)
	}
	return transport.Snapshot{Path: m.Path, Exists: true, Value: m.Payload, CreatedAt: m.CreatedAt}
}

// snapshotMessage builds the frame announcing snap.
func snapshotMessage(snap transport.Snapshot, id uint64, now time.Time) Message {
	return Message{
		Op:        OpSnapshot,
		ID:        id,
		Type:      transport.Topic(snap.Path),
		Path:      snap.Path,
		Exists:    snap.Exists,
		Payload:   snap.Value,
		CreatedAt: snap.CreatedAt,
		Timestamp: now,
	}
}

// errorMessage builds the reply to a failed request.
func errorMessage(id uint64, err error) Message {
	code := ""
	switch {
	case errors.Is(err, transport.ErrInvalidPath):
		code = CodeInvalid
	case errors.Is(err, transport.ErrShapeMismatch):
		code = CodeShape
	case errors.Is(err, transport.ErrPermissionDenied):
		code = CodeDenied
	}
	return Message{Op: OpError, ID: id, Code: code, Error: err.Error()}
}

// replyErr turns an error frame back into an error.
func replyErr(op string, m Message) error {
	switch m.Code {
	case CodeInvalid:
		return fmt.Errorf("%s: %w: %s", op, transport.ErrInvalidPath, m.Error)
	case CodeShape:
		return fmt.Errorf("%s: %w: %s", op, transport.ErrShapeMismatch, m.Error)
	case CodeDenied:
		return transport.Denied(op, errors.New(m.Error))
	default:
		return fmt.Errorf("%s: %s", op, m.Error)
	}
}
