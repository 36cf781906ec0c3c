// Package metrics wires the node manager's instrumentation points behind
// a small handle interface, the way the teacher's common package exposes
// GCSMetricHandle/OpsMetricHandle over OpenTelemetry instruments, so call
// sites never touch the otel API directly.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// NodeManagerMetricHandle is the instrumentation surface the NAT cache,
// free-NID pool, and checkpoint flush report through.
type NodeManagerMetricHandle interface {
	NatCacheHit(ctx context.Context)
	NatCacheMiss(ctx context.Context)
	NatDirtyCount(ctx context.Context, shard int, delta int64)
	FreeNidPoolSize(ctx context.Context, shard int, delta int64)
	FlushLatency(ctx context.Context, seconds float64)
	JournalDrain(ctx context.Context)
}

type otelHandle struct {
	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter
	dirtyCount  metric.Int64UpDownCounter
	freeNidSize metric.Int64UpDownCounter
	flushLat    metric.Float64Histogram
	drains      metric.Int64Counter
}

// NewOtelMetricHandle builds a NodeManagerMetricHandle backed by
// OpenTelemetry instruments registered against the global meter provider,
// matching the teacher's common.otel_metrics wiring style.
func NewOtelMetricHandle() (NodeManagerMetricHandle, error) {
	meter := otel.Meter("nodemgr")

	cacheHits, err := meter.Int64Counter("nat_cache_hits_total")
	if err != nil {
		return nil, err
	}
	cacheMisses, err := meter.Int64Counter("nat_cache_misses_total")
	if err != nil {
		return nil, err
	}
	dirtyCount, err := meter.Int64UpDownCounter("nat_dirty_entries")
	if err != nil {
		return nil, err
	}
	freeNidSize, err := meter.Int64UpDownCounter("free_nid_pool_size")
	if err != nil {
		return nil, err
	}
	flushLat, err := meter.Float64Histogram("checkpoint_flush_latency_seconds",
		metric.WithExplicitBucketBoundaries(0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5))
	if err != nil {
		return nil, err
	}
	drains, err := meter.Int64Counter("nat_journal_drains_total")
	if err != nil {
		return nil, err
	}

	return &otelHandle{
		cacheHits:   cacheHits,
		cacheMisses: cacheMisses,
		dirtyCount:  dirtyCount,
		freeNidSize: freeNidSize,
		flushLat:    flushLat,
		drains:      drains,
	}, nil
}

func (h *otelHandle) NatCacheHit(ctx context.Context)  { h.cacheHits.Add(ctx, 1) }
func (h *otelHandle) NatCacheMiss(ctx context.Context) { h.cacheMisses.Add(ctx, 1) }

func (h *otelHandle) NatDirtyCount(ctx context.Context, shard int, delta int64) {
	h.dirtyCount.Add(ctx, delta, metric.WithAttributes(shardAttr(shard)))
}

func (h *otelHandle) FreeNidPoolSize(ctx context.Context, shard int, delta int64) {
	h.freeNidSize.Add(ctx, delta, metric.WithAttributes(shardAttr(shard)))
}

func (h *otelHandle) FlushLatency(ctx context.Context, seconds float64) {
	h.flushLat.Record(ctx, seconds)
}

func (h *otelHandle) JournalDrain(ctx context.Context) { h.drains.Add(ctx, 1) }

// NoopMetricHandle is a NodeManagerMetricHandle that discards everything, used by
// default and in tests that don't assert on metrics.
type NoopMetricHandle struct{}

func (NoopMetricHandle) NatCacheHit(context.Context)                  {}
func (NoopMetricHandle) NatCacheMiss(context.Context)                 {}
func (NoopMetricHandle) NatDirtyCount(context.Context, int, int64)    {}
func (NoopMetricHandle) FreeNidPoolSize(context.Context, int, int64)  {}
func (NoopMetricHandle) FlushLatency(context.Context, float64)        {}
func (NoopMetricHandle) JournalDrain(context.Context)                 {}
