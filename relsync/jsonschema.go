// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// JSONSchemaValidator validates child records against per-table JSON Schemas.
// Only the fields being validated are checked: each field against its property
// subschema, and the schema's "required" list intersected with those fields.
type JSONSchemaValidator struct {
	tables map[string]*tableRules
}

type tableRules struct {
	required   map[string]bool
	properties map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles one JSON Schema document per table name.
func NewJSONSchemaValidator(schemas map[string]map[string]any) (*JSONSchemaValidator, error) {
	v := &JSONSchemaValidator{tables: make(map[string]*tableRules, len(schemas))}

	tables := make([]string, 0, len(schemas))
	for t := range schemas {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	for _, table := range tables {
		rules, err := compileTableRules(table, schemas[table])
		if err != nil {
			return nil, fmt.Errorf("%w: json schema for %s: %v", ErrConfiguration, table, err)
		}
		v.tables[strings.ToLower(table)] = rules
	}
	return v, nil
}

func compileTableRules(table string, doc map[string]any) (*tableRules, error) {
	schemaBytes, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	url := strings.ToLower(table) + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(schemaBytes)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	// Compile the whole document once so structural errors surface here.
	if _, err := compiler.Compile(url); err != nil {
		return nil, err
	}

	rules := &tableRules{
		required:   make(map[string]bool),
		properties: make(map[string]*jsonschema.Schema),
	}
	if req, ok := doc["required"].([]any); ok {
		for _, r := range req {
			if name, ok := r.(string); ok {
				rules.required[strings.ToLower(name)] = true
			}
		}
	}
	if props, ok := doc["properties"].(map[string]any); ok {
		for name := range props {
			s, err := compiler.Compile(url + "#/properties/" + escapePointer(name))
			if err != nil {
				return nil, fmt.Errorf("property %s: %w", name, err)
			}
			rules.properties[strings.ToLower(name)] = s
		}
	}
	return rules, nil
}

func escapePointer(s string) string {
	return strings.NewReplacer("~", "~0", "/", "~1").Replace(s)
}

func (v *JSONSchemaValidator) rulesFor(table string) *tableRules {
	if r, ok := v.tables[strings.ToLower(table)]; ok {
		return r
	}
	return v.tables[strings.ToLower(unqualified(table))]
}

func (v *JSONSchemaValidator) Validate(rec *Record, schema *TableSchema, fields []string) bool {
	rules := v.rulesFor(schema.Name)
	if rules == nil {
		return true
	}

	ok := true
	for _, field := range fields {
		name := strings.ToLower(field)
		value := rec.Get(name)

		if isBlank(value) {
			if rules.required[name] {
				rec.AddError(name, "is required")
				ok = false
			}
			continue
		}

		s := rules.properties[name]
		if s == nil {
			continue
		}
		doc, err := jsonValue(value)
		if err != nil {
			rec.AddError(name, err.Error())
			ok = false
			continue
		}
		if err := s.Validate(doc); err != nil {
			for _, msg := range schemaMessages(err) {
				rec.AddError(name, msg)
			}
			ok = false
		}
	}
	return ok
}

// jsonValue converts a Go value into the shape encoding/json produces, which is
// what the schema validator expects.
func jsonValue(v any) (any, error) {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value is not representable as JSON: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func schemaMessages(err error) []string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []string{err.Error()}
	}
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return out
}
