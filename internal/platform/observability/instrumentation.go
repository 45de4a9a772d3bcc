package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Enabled reports whether observability has been toggled on.
func Enabled() bool {
	_, cfg := currentLogger()
	return cfg.Enabled
}

// StartSpan records a lightweight span lifecycle around an operation.
func StartSpan(ctx context.Context, component, operation string) (context.Context, func(error)) {
	logger, _ := currentLogger()
	if logger == nil {
		return ctx, func(error) {}
	}

	start := time.Now()
	logger.LogAttrs(ctx, slog.LevelDebug, "obs span start",
		slog.String("component", component),
		slog.String("operation", operation),
	)

	return ctx, func(err error) {
		level := slog.LevelDebug
		if err != nil {
			level = slog.LevelError
		}

		attrs := []slog.Attr{
			slog.String("component", component),
			slog.String("operation", operation),
			slog.Duration("duration", time.Since(start)),
		}
		if err != nil {
			attrs = append(attrs, slog.Any("error", err))
		}

		logger.LogAttrs(ctx, level, "obs span end", attrs...)
	}
}

// RecordMetric emits a best-effort metric datapoint via the configured logger.
func RecordMetric(ctx context.Context, name string, value float64, labels map[string]string) {
	logger, _ := currentLogger()
	if logger == nil {
		return
	}

	attrs := []slog.Attr{
		slog.String("metric", name),
		slog.Float64("value", value),
	}
	for k, v := range labels {
		attrs = append(attrs, slog.String(k, v))
	}

	logger.LogAttrs(ctx, slog.LevelDebug, "obs metric", attrs...)
}

// Counter names used across the pipeline. The status endpoint reports the
// whole registry, so additions here show up without further wiring.
const (
	CounterIngestTotal       = "ingest_total"
	CounterIngestRejected    = "ingest_rejected"
	CounterIngestDegraded    = "ingest_degraded"
	CounterFetchBlocked      = "fetch_blocked"
	CounterBroadcastSent     = "broadcast_sent"
	CounterBroadcastDropped  = "broadcast_dropped"
	CounterSubscriberReaped  = "subscriber_reaped"
	CounterDuplicateDetected = "duplicate_detected"
	CounterEventDropped      = "event_dropped"
)

var (
	countersMu sync.RWMutex
	counters   = map[string]uint64{}
)

// IncrCounter adds delta to a named process-lifetime counter.
func IncrCounter(name string, delta uint64) {
	countersMu.Lock()
	counters[name] += delta
	countersMu.Unlock()
}

// CounterSnapshot returns a copy of the counter registry.
func CounterSnapshot() map[string]uint64 {
	countersMu.RLock()
	defer countersMu.RUnlock()
	out := make(map[string]uint64, len(counters))
	for k, v := range counters {
		out[k] = v
	}
	return out
}

func resetCounters() {
	countersMu.Lock()
	counters = map[string]uint64{}
	countersMu.Unlock()
}
