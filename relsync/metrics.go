// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"context"
	"time"
)

const (
	MetricsOpSynchronize = "synchronize"

	MetricsStageValidate = "validate"
	MetricsStagePrepare  = "prepare"
	MetricsStageMerge    = "merge"
	MetricsStageCommit   = "commit"
)

type StageTiming struct {
	Operation string
	Stage     string
	Relation  string // empty for call-wide stages
	Duration  time.Duration
	Count     int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

func (s *Synchronizer) stageTimingEnabled() bool {
	return s.opts.StageMetrics != nil || s.opts.LogStageTimings
}

func (s *Synchronizer) stageStart() time.Time {
	if !s.stageTimingEnabled() {
		return time.Time{}
	}
	return time.Now()
}

func (s *Synchronizer) observeStage(ctx context.Context, stage, relation string, start time.Time, count int, hadError bool) {
	if start.IsZero() {
		return
	}

	timing := StageTiming{
		Operation: MetricsOpSynchronize,
		Stage:     stage,
		Relation:  relation,
		Duration:  time.Since(start),
		Count:     count,
		Error:     hadError,
	}

	if s.opts.StageMetrics != nil {
		s.opts.StageMetrics.ObserveStage(ctx, timing)
	}
	if s.opts.LogStageTimings {
		s.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"relation", timing.Relation,
			"duration", timing.Duration,
			"count", timing.Count,
			"error", timing.Error,
		)
	}
}
