// Copyright 2025 Poiesic Systems
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

// Package telemetry defines the OpenTelemetry instruments shared by the
// index, ingestion, workflow and search services.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/poiesic/regsearch"

// Metrics holds all instruments.
type Metrics struct {
	IndexDuration      metric.Float64Histogram
	EmbeddingDuration  metric.Float64Histogram
	EmbeddingFailures  metric.Int64Counter
	BreakerTransitions metric.Int64Counter
	DegradedChunks     metric.Int64Counter
	WorkflowDuration   metric.Float64Histogram
	SearchDuration     metric.Float64Histogram
	DegradedSearches   metric.Int64Counter
}

// New creates the instruments from provider. A nil provider yields no-op instruments.
func New(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.IndexDuration, err = meter.Float64Histogram(
		"index.operation.duration",
		metric.WithDescription("Semantic index operation duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.EmbeddingDuration, err = meter.Float64Histogram(
		"embedding.request.duration",
		metric.WithDescription("Embedding provider call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.EmbeddingFailures, err = meter.Int64Counter(
		"embedding.failures.total",
		metric.WithDescription("Embedding provider failures and timeouts"),
	); err != nil {
		return nil, err
	}
	if m.BreakerTransitions, err = meter.Int64Counter(
		"circuit_breaker.state_changes",
		metric.WithDescription("Circuit breaker state changes"),
	); err != nil {
		return nil, err
	}
	if m.DegradedChunks, err = meter.Int64Counter(
		"ingestion.chunks.degraded",
		metric.WithDescription("Chunks excluded from the index after embedding failures"),
	); err != nil {
		return nil, err
	}
	if m.WorkflowDuration, err = meter.Float64Histogram(
		"workflow.operation.duration",
		metric.WithDescription("Workflow tracker operation duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.SearchDuration, err = meter.Float64Histogram(
		"search.duration",
		metric.WithDescription("Unified search duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.DegradedSearches, err = meter.Int64Counter(
		"search.degraded.total",
		metric.WithDescription("Searches that returned partial results"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	m, _ := New(nil)
	return m
}

func outcome(err error) attribute.KeyValue {
	return attribute.Bool("success", err == nil)
}

// RecordIndexOp records one index store/search/clear.
func (m *Metrics) RecordIndexOp(ctx context.Context, op, domain string, d time.Duration, err error) {
	m.IndexDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("index.op", op),
		attribute.String("index.domain", domain),
		outcome(err),
	))
}

// RecordEmbedding records one provider call.
func (m *Metrics) RecordEmbedding(ctx context.Context, domain string, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("embedding.domain", domain), outcome(err))
	m.EmbeddingDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.EmbeddingFailures.Add(ctx, 1, attrs)
	}
}

// RecordBreakerState records circuit breaker state changes.
func (m *Metrics) RecordBreakerState(name, state string) {
	m.BreakerTransitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("state", state),
	))
}

// RecordDegradedChunks counts chunks left out of the index.
func (m *Metrics) RecordDegradedChunks(ctx context.Context, source string, n int) {
	if n == 0 {
		return
	}
	m.DegradedChunks.Add(ctx, int64(n), metric.WithAttributes(attribute.String("regulation.source", source)))
}

// RecordWorkflowOp records one tracker operation.
func (m *Metrics) RecordWorkflowOp(ctx context.Context, op string, d time.Duration, err error) {
	m.WorkflowDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("workflow.op", op),
		outcome(err),
	))
}

// RecordSearch records one unified or optimized search.
func (m *Metrics) RecordSearch(ctx context.Context, kind string, d time.Duration, degraded bool) {
	attrs := metric.WithAttributes(attribute.String("search.kind", kind))
	m.SearchDuration.Record(ctx, d.Seconds(), attrs)
	if degraded {
		m.DegradedSearches.Add(ctx, 1, attrs)
	}
}
