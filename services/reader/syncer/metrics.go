// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package syncer

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for sync operations.
var (
	tracer = otel.Tracer("regreader.syncer")
	meter  = otel.Meter("regreader.syncer")
)

// Metrics for flush passes.
var (
	flushPasses     metric.Int64Counter
	itemsSucceeded  metric.Int64Counter
	itemsFailed     metric.Int64Counter
	reconciliations metric.Int64Counter
	authPauses      metric.Int64Counter
	flushDuration   metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		flushPasses, err = meter.Int64Counter(
			"sync_flush_passes_total",
			metric.WithDescription("Total number of flush passes"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		itemsSucceeded, err = meter.Int64Counter(
			"sync_items_succeeded_total",
			metric.WithDescription("Queue items confirmed by the remote service"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		itemsFailed, err = meter.Int64Counter(
			"sync_items_failed_total",
			metric.WithDescription("Queue items abandoned after retry exhaustion or permanent rejection"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		reconciliations, err = meter.Int64Counter(
			"sync_id_reconciliations_total",
			metric.WithDescription("Provisional ids replaced by server-issued canonical ids"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		authPauses, err = meter.Int64Counter(
			"sync_auth_pauses_total",
			metric.WithDescription("Flush passes aborted by an authentication rejection"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		flushDuration, err = meter.Float64Histogram(
			"sync_flush_duration_seconds",
			metric.WithDescription("Duration of flush passes"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordFlushPass records the summary metrics of one completed pass.
func recordFlushPass(ctx context.Context, res FlushResult, elapsed time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	flushPasses.Add(ctx, 1)
	itemsSucceeded.Add(ctx, int64(res.Succeeded))
	itemsFailed.Add(ctx, int64(res.Failed))
	reconciliations.Add(ctx, int64(len(res.Reconciled)))
	flushDuration.Record(ctx, elapsed.Seconds())
}

// recordAuthPause records a pass aborted by an auth rejection.
func recordAuthPause(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	authPauses.Add(ctx, 1)
}
