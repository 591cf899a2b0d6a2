// Package validator enforces the ORION message contracts.
//
// Schemas are JSON Schema 2020-12 documents loaded once at startup, one per
// contract type. Every message crossing a bus boundary passes through
// Validate; publishing code that bypasses it is a defect.
package validator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ContractValidator validates messages against compiled JSON Schema contracts.
// Validation is a pure function: it never mutates the message.
type ContractValidator struct {
	schemas map[string]*jsonschema.Schema
}

// New loads and compiles all *.schema.json files from contractsDir.
// The contract type is derived from the filename: "event.schema.json" -> "event".
func New(contractsDir string) (*ContractValidator, error) {
	pattern := filepath.Join(contractsDir, "*.schema.json")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("list schema files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no schema files found in %s", contractsDir)
	}

	v := &ContractValidator{schemas: make(map[string]*jsonschema.Schema, len(files))}
	for _, file := range files {
		schema, err := compileSchema(file)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
		contractType := strings.TrimSuffix(filepath.Base(file), ".schema.json")
		v.schemas[contractType] = schema
	}

	slog.Info("[Validator] Contracts loaded", "count", len(v.schemas), "dir", contractsDir)
	return v, nil
}

// Validate checks message against the schema for contractType.
// Returns nil on success, or an error naming the violated constraint.
func (v *ContractValidator) Validate(message map[string]any, contractType string) error {
	schema, ok := v.schemas[contractType]
	if !ok {
		return fmt.Errorf("unknown contract type: %s", contractType)
	}

	// Round-trip through JSON so nested values carry the types the schema
	// library expects (json.Number is not produced here on purpose).
	raw, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal message for validation: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode message for validation: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("validation failed for %s: %w", contractType, err)
	}
	return nil
}

// ValidateStruct marshals a typed message and validates it.
func (v *ContractValidator) ValidateStruct(message any, contractType string) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", contractType, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("unmarshal %s: %w", contractType, err)
	}
	return v.Validate(m, contractType)
}

// Types returns the loaded contract type names.
func (v *ContractValidator) Types() []string {
	types := make([]string, 0, len(v.schemas))
	for t := range v.schemas {
		types = append(types, t)
	}
	return types
}

func compileSchema(path string) (*jsonschema.Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	defer f.Close()

	doc, err := jsonschema.UnmarshalJSON(f)
	if err != nil {
		return nil, fmt.Errorf("parse schema JSON: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	// format assertions (uuid, date-time) are annotations by default in 2020-12
	compiler.AssertFormat()
	if err := compiler.AddResource(path, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(path)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
