package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// CollectionPath returns the path of a collection within a trip.
func CollectionPath(tripID, collection string) string {
	return "trips/" + tripID + "/" + collection
}

// ValidatePath rejects empty paths, absolute paths and dot segments.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return fmt.Errorf("%w: %q must be relative without trailing slash", ErrInvalidPath, path)
	}
	for _, seg := range strings.Split(path, "/") {
		if err := ValidateKey(seg); err != nil {
			return fmt.Errorf("%w: segment of %q: %v", ErrInvalidPath, path, err)
		}
	}
	return nil
}

// ValidateKey rejects keys that cannot be used as a single path segment.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty key", ErrInvalidPath)
	case key == "." || key == "..":
		return fmt.Errorf("%w: dot key %q", ErrInvalidPath, key)
	case strings.ContainsAny(key, "/\\\x00"):
		return fmt.Errorf("%w: key %q contains a separator", ErrInvalidPath, key)
	}
	return nil
}

// Topic returns the broadcast message type for a path: SYNC_ followed by the
// upper-cased last path segment, e.g. "SYNC_EXPENSES".
func Topic(path string) string {
	last := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		last = path[i+1:]
	}
	return "SYNC_" + strings.ToUpper(last)
}

// IsKeyed reports whether a JSON value is stored as a keyed mapping.
func IsKeyed(value json.RawMessage) bool {
	trimmed := bytes.TrimLeft(value, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// DecodeKeyed splits a keyed mapping into its entries.
func DecodeKeyed(value json.RawMessage) (map[string]json.RawMessage, error) {
	entries := make(map[string]json.RawMessage)
	if err := json.Unmarshal(value, &entries); err != nil {
		return nil, fmt.Errorf("decode keyed mapping: %w", err)
	}
	for key := range entries {
		if err := ValidateKey(key); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// EncodeKeyed joins entries into a keyed mapping with sorted keys.
func EncodeKeyed(entries map[string]json.RawMessage) json.RawMessage {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, _ := json.Marshal(k)
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(compact(entries[k]))
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// Compact returns value with insignificant whitespace removed, or value
// itself when it is not valid JSON.
func Compact(value json.RawMessage) json.RawMessage {
	return compact(value)
}

func compact(value json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, value); err != nil {
		return value
	}
	return buf.Bytes()
}

// Equal reports whether two snapshots carry the same value.
func Equal(a, b Snapshot) bool {
	if a.Exists != b.Exists {
		return false
	}
	return bytes.Equal(compact(a.Value), compact(b.Value))
}
