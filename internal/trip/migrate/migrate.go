// Package migrate moves collection records in and out of a trip as JSONL
// or YAML.
package migrate

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/steveyegge/tripsync/internal/trip/schema"
)

// Format is an export format.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatYAML  Format = "yaml"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatJSONL, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown format %q (want jsonl or yaml)", s)
	}
}

// maxLine bounds a single JSONL record.
const maxLine = 1 << 20

// Export writes records in the given format.
func Export[T schema.Record](w io.Writer, format Format, records []T) error {
	switch format {
	case FormatJSONL:
		return ExportJSONL(w, records)
	case FormatYAML:
		return ExportYAML(w, records)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

// ExportJSONL writes one JSON record per line.
func ExportJSONL[T schema.Record](w io.Writer, records []T) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to encode record %s: %w", r.RecordID(), err)
		}
	}
	return nil
}

// ImportJSONL reads records written by ExportJSONL. Blank lines are
// skipped. Every record is checked against its JSON Schema; the first
// invalid line fails the import with its line number.
func ImportJSONL[T schema.Record](r io.Reader) ([]T, error) {
	kind, err := kindOf[T]()
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	var records []T
	seen := make(map[string]int)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := schema.ValidateJSON(kind, line); err != nil {
			return nil, fmt.Errorf("invalid record at line %d: %w", lineNum, err)
		}
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		if first, ok := seen[rec.RecordID()]; ok {
			return nil, fmt.Errorf("duplicate id %q at line %d (first at line %d)", rec.RecordID(), lineNum, first)
		}
		seen[rec.RecordID()] = lineNum
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read line %d: %w", lineNum+1, err)
	}
	return records, nil
}

// ExportYAML writes records as a YAML sequence. Field names match the JSON
// encoding.
func ExportYAML[T schema.Record](w io.Writer, records []T) error {
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}
	var doc []any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}
	if doc == nil {
		doc = []any{}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to write yaml: %w", err)
	}
	return enc.Close()
}

func kindOf[T schema.Record]() (schema.Kind, error) {
	var zero T
	switch any(zero).(type) {
	case schema.Expense:
		return schema.KindExpense, nil
	case schema.GameIdea:
		return schema.KindIdea, nil
	case schema.PrepItem:
		return schema.KindPrep, nil
	case schema.DaySchedule:
		return schema.KindDay, nil
	default:
		return "", fmt.Errorf("no schema for %T", zero)
	}
}
