// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"errors"
	"fmt"
)

// Error sentinels for mapping failures to their kind
var (
	ErrValidation    = errors.New("validation_failed")
	ErrPersistence   = errors.New("persistence_failed")
	ErrNotPersisted  = errors.New("no rows affected")
	ErrConfiguration = errors.New("configuration")
)

// RelationError is a persistence failure scoped to one relation of the parent.
type RelationError struct {
	Relation string
	Op       string // load, insert, update, delete
	Table    string
	Key      Key
	Err      error
}

func (e *RelationError) Error() string {
	if len(e.Key) > 0 {
		return fmt.Sprintf("failed to save relation %q: %s %s(%s): %v", e.Relation, e.Op, e.Table, e.Key, e.Err)
	}
	return fmt.Sprintf("failed to save relation %q: %s %s: %v", e.Relation, e.Op, e.Table, e.Err)
}

func (e *RelationError) Unwrap() error {
	return e.Err
}

// Is reports every RelationError as a persistence failure.
func (e *RelationError) Is(target error) bool {
	return target == ErrPersistence
}

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// IsConfigurationError reports whether err stems from relation or schema misconfiguration.
// Such errors are never swallowed by Synchronize.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
