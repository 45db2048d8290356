package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Kind names a record type with an embedded JSON Schema.
type Kind string

const (
	KindExpense Kind = "expense"
	KindIdea    Kind = "idea"
	KindPrep    Kind = "prep"
	KindDay     Kind = "day"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

var (
	compileOnce sync.Once
	compiled    map[Kind]*jsonschema.Schema
	compileErr  error
)

func schemaURL(kind Kind) string {
	return fmt.Sprintf("https://tripsync.dev/schemas/%s.json", kind)
}

func compileAll() {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	kinds := []Kind{KindExpense, KindIdea, KindPrep, KindDay}
	for _, kind := range kinds {
		data, err := schemaFiles.ReadFile(fmt.Sprintf("schemas/%s.json", kind))
		if err != nil {
			compileErr = fmt.Errorf("read %s schema: %w", kind, err)
			return
		}
		if err := compiler.AddResource(schemaURL(kind), bytes.NewReader(data)); err != nil {
			compileErr = fmt.Errorf("add %s schema: %w", kind, err)
			return
		}
	}

	compiled = make(map[Kind]*jsonschema.Schema, len(kinds))
	for _, kind := range kinds {
		sch, err := compiler.Compile(schemaURL(kind))
		if err != nil {
			compileErr = fmt.Errorf("compile %s schema: %w", kind, err)
			return
		}
		compiled[kind] = sch
	}
}

// ValidateJSON checks a single raw record against the schema for kind.
func ValidateJSON(kind Kind, raw []byte) error {
	compileOnce.Do(compileAll)
	if compileErr != nil {
		return compileErr
	}

	sch, ok := compiled[kind]
	if !ok {
		return fmt.Errorf("no schema for record kind %q", kind)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("parse %s record: %w", kind, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("parse %s record: trailing data after value", kind)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("validate %s record: %w", kind, err)
	}
	return nil
}
