// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"fmt"
	"strings"
)

// Validator checks the listed fields of a record. Failures are added to the record
// with AddError; the return value reports whether all listed fields passed.
type Validator interface {
	Validate(rec *Record, schema *TableSchema, fields []string) bool
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(rec *Record, schema *TableSchema, fields []string) bool

func (f ValidatorFunc) Validate(rec *Record, schema *TableSchema, fields []string) bool {
	return f(rec, schema, fields)
}

// SchemaValidator derives rules from the table schema: NOT NULL columns without a
// default must be set, and every value must be convertible to its column type.
// Key columns the store generates for new records (rowid aliases and uuid keys) are not required.
type SchemaValidator struct{}

func (SchemaValidator) Validate(rec *Record, schema *TableSchema, fields []string) bool {
	ok := true
	for _, field := range fields {
		col, exists := schema.Column(field)
		if !exists {
			continue
		}
		v := rec.Get(col.Name)

		if isBlank(v) {
			if col.NotNull && !col.HasDefault && !generatedKey(rec, schema, col) {
				rec.AddError(col.Name, "cannot be blank")
				ok = false
			}
			continue
		}

		if _, err := Coerce(col.Affinity, v); err != nil {
			rec.AddError(col.Name, fmt.Sprintf("must be %s: %v", col.Affinity, err))
			ok = false
		}
	}
	return ok
}

func generatedKey(rec *Record, schema *TableSchema, col *Column) bool {
	if !col.IsPrimaryKey() || !rec.IsNew() || len(schema.PrimaryKey) != 1 {
		return false
	}
	switch col.Affinity {
	case AffinityInteger:
		return col.IsRowIDAlias()
	case AffinityUUID:
		return true
	default:
		return false
	}
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// ChainValidator runs every validator, collecting all errors.
type ChainValidator []Validator

func (c ChainValidator) Validate(rec *Record, schema *TableSchema, fields []string) bool {
	ok := true
	for _, v := range c {
		if v == nil {
			continue
		}
		if !v.Validate(rec, schema, fields) {
			ok = false
		}
	}
	return ok
}
