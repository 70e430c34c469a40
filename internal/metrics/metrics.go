// Copyright 2025 Baton Authors
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

// Package metrics exposes engine measurements through the OpenTelemetry
// metric API, exported in Prometheus format.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/hfield/baton/pkg/errors"
)

// Provider owns the meter provider and its Prometheus exporter.
type Provider struct {
	mp       *sdkmetric.MeterProvider
	registry *promclient.Registry
}

// NewProvider creates a meter provider backed by a Prometheus exporter.
func NewProvider() (*Provider, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, errors.Wrap(err, "creating prometheus exporter")
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return &Provider{mp: mp, registry: registry}, nil
}

// MeterProvider returns the underlying meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider { return p.mp }

// Handler returns the /metrics HTTP handler.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes pending metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.mp.Shutdown(ctx)
}

// Collector records engine, trigger, and pool measurements. It satisfies the
// engine's MetricsCollector interface.
type Collector struct {
	executionsTotal   metric.Int64Counter
	executionDuration metric.Float64Histogram
	triggerFires      metric.Int64Counter
	poolEvents        metric.Int64Counter
	checkpointSaves   metric.Int64Counter

	mu         sync.Mutex
	queueDepth int
}

// NewCollector creates a collector on the given meter provider.
func NewCollector(mp metric.MeterProvider) (*Collector, error) {
	meter := mp.Meter("baton")
	c := &Collector{}

	var err error
	c.executionsTotal, err = meter.Int64Counter(
		"baton_executions_total",
		metric.WithDescription("Total workflow executions by final status"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, err
	}

	c.executionDuration, err = meter.Float64Histogram(
		"baton_execution_duration_seconds",
		metric.WithDescription("Workflow execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	c.triggerFires, err = meter.Int64Counter(
		"baton_trigger_fires_total",
		metric.WithDescription("Total trigger firings by source"),
		metric.WithUnit("{fire}"),
	)
	if err != nil {
		return nil, err
	}

	c.poolEvents, err = meter.Int64Counter(
		"baton_procpool_events_total",
		metric.WithDescription("Process pool lifecycle events (spawned, reused, killed)"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	c.checkpointSaves, err = meter.Int64Counter(
		"baton_checkpoint_saves_total",
		metric.WithDescription("Total checkpoint saves"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"baton_queue_depth",
		metric.WithDescription("Executions currently queued"),
		metric.WithUnit("{execution}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			c.mu.Lock()
			depth := c.queueDepth
			c.mu.Unlock()
			o.Observe(int64(depth))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// ExecutionEnqueued counts an admission by priority.
func (c *Collector) ExecutionEnqueued(priority string) {
	c.executionsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("status", "queued"),
			attribute.String("priority", priority),
		))
}

// ExecutionFinished counts a terminal transition and records its duration.
func (c *Collector) ExecutionFinished(status string, duration time.Duration) {
	ctx := context.Background()
	c.executionsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)))
	if duration > 0 {
		c.executionDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("status", status)))
	}
}

// QueueDepth updates the queued-execution gauge.
func (c *Collector) QueueDepth(depth int) {
	c.mu.Lock()
	c.queueDepth = depth
	c.mu.Unlock()
}

// TriggerFired counts a trigger firing by source kind (event, cron, watcher).
func (c *Collector) TriggerFired(source string) {
	c.triggerFires.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("source", source)))
}

// PoolEvent counts a process pool lifecycle event.
func (c *Collector) PoolEvent(kind string) {
	c.poolEvents.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", kind)))
}

// CheckpointSaved counts one checkpoint write.
func (c *Collector) CheckpointSaved() {
	c.checkpointSaves.Add(context.Background(), 1)
}
