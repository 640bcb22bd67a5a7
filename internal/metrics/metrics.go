// Copyright 2024 The Blockfs Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics implements bufcache.Metrics on top of OpenTelemetry,
// exported through the Prometheus exporter so "blockfsctl mount
// --metrics.enabled --metrics.addr=..." can serve a scrape endpoint.
package metrics

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/blockfs-io/blockfs/internal/bufcache"
)

var cacheMeter = otel.Meter("blockfs/bufcache")
var inodeMeter = otel.Meter("blockfs/inode")

// openInodeCounter is anything that can report how many inodes are
// currently open; *inode.Layer satisfies it without metrics needing to
// import the inode package's full surface.
type openInodeCounter interface {
	OpenInodeCount() int
}

// RegisterInodeGauge installs an asynchronous gauge that samples
// layer.OpenInodeCount() on every collection.
func RegisterInodeGauge(layer openInodeCounter) error {
	gauge, err := inodeMeter.Int64ObservableGauge("inode/open_count",
		metric.WithDescription("Number of distinct inodes currently open."))
	if err != nil {
		return err
	}
	_, err = inodeMeter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(layer.OpenInodeCount()))
		return nil
	}, gauge)
	return err
}

// Cache implements bufcache.Metrics with OpenTelemetry instruments: hit
// and miss counters, an eviction counter, and a flush-cycle duration
// histogram annotated with the number of frames flushed.
type Cache struct {
	hits      metric.Int64Counter
	misses    metric.Int64Counter
	evictions metric.Int64Counter
	flushDur  metric.Float64Histogram
}

var _ bufcache.Metrics = (*Cache)(nil)

// NewCache builds the cache metrics instruments. Call Provider first to
// install a MeterProvider with the Prometheus reader if one isn't
// already registered globally.
func NewCache() (*Cache, error) {
	hits, err1 := cacheMeter.Int64Counter("bufcache/hits",
		metric.WithDescription("Number of Acquire calls served from an already-bound frame."))
	misses, err2 := cacheMeter.Int64Counter("bufcache/misses",
		metric.WithDescription("Number of Acquire calls that required a device read."))
	evictions, err3 := cacheMeter.Int64Counter("bufcache/evictions",
		metric.WithDescription("Number of times a bound frame was repurposed for a different sector."))
	flushDur, err4 := cacheMeter.Float64Histogram("bufcache/flush_duration",
		metric.WithDescription("Duration of FlushAllDirty cycles that flushed at least one frame."),
		metric.WithUnit("ms"))

	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return nil, err
	}
	return &Cache{hits: hits, misses: misses, evictions: evictions, flushDur: flushDur}, nil
}

// Hit implements bufcache.Metrics.
func (c *Cache) Hit() { c.hits.Add(context.Background(), 1) }

// Miss implements bufcache.Metrics.
func (c *Cache) Miss() { c.misses.Add(context.Background(), 1) }

// Eviction implements bufcache.Metrics.
func (c *Cache) Eviction() { c.evictions.Add(context.Background(), 1) }

// FlushCycle implements bufcache.Metrics.
func (c *Cache) FlushCycle(dirtyFrames int, d time.Duration) {
	c.flushDur.Record(context.Background(), float64(d.Milliseconds()),
		metric.WithAttributes(attribute.Int("dirty_frames", dirtyFrames)))
}

// Provider builds a Prometheus-backed MeterProvider, registers it
// globally via otel.SetMeterProvider, and returns it so the caller can
// shut it down. The exporter registers itself with client_golang's
// default registry, which promhttp.Handler serves at an HTTP "/metrics"
// endpoint.
func Provider() (*sdkmetric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	return provider, nil
}
