// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import "log/slog"

// Options holds configuration for a Synchronizer
type Options struct {
	Logger    *slog.Logger
	Validator Validator // Child validator; defaults to SchemaValidator

	// Validate runs child validation before any write (default true).
	Validate bool
	// Strict returns merge failures from Synchronize instead of attaching a message
	// to the parent and reporting OK=false. Validation failures still only report OK=false.
	Strict bool

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

// DefaultOptions returns options with validation enabled and the schema validator.
func DefaultOptions() *Options {
	return &Options{
		Logger:    slog.Default(),
		Validator: SchemaValidator{},
		Validate:  true,
	}
}

// SyncOption overrides Options for a single Synchronize call.
type SyncOption func(*callOptions)

type callOptions struct {
	validate bool
	strict   bool
}

// WithoutValidation skips child validation for this call.
func WithoutValidation() SyncOption {
	return func(o *callOptions) { o.validate = false }
}

// WithValidation forces child validation on or off for this call.
func WithValidation(enabled bool) SyncOption {
	return func(o *callOptions) { o.validate = enabled }
}

// WithStrict switches error surfacing for this call.
func WithStrict(strict bool) SyncOption {
	return func(o *callOptions) { o.strict = strict }
}
