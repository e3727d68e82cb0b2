package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const meterName = "github.com/kassa-tools/atol-bridge/internal/cache"

var (
	metricsOnce        sync.Once
	cacheOperations    metric.Int64Counter
	cacheDuration      metric.Float64Histogram
	encryptionOps      metric.Int64Counter
	encryptionDuration metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter(meterName)

		var err error
		cacheOperations, err = meter.Int64Counter(
			"cache.operations",
			metric.WithDescription("Token cache operations, by backend, operation and status"),
		)
		if err != nil {
			otel.Handle(err)
		}

		cacheDuration, err = meter.Float64Histogram(
			"cache.operation.duration",
			metric.WithDescription("Token cache operation duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}

		encryptionOps, err = meter.Int64Counter(
			"cache.encryption.total",
			metric.WithDescription("Token encrypt and decrypt operations"),
		)
		if err != nil {
			otel.Handle(err)
		}

		encryptionDuration, err = meter.Float64Histogram(
			"cache.encryption.duration",
			metric.WithDescription("Token encrypt and decrypt duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// Instrumented records metrics and span attributes for every call to the
// wrapped cache.
type Instrumented[T any] struct {
	wrapped TokenCache[T]
	backend string
}

// NewInstrumented wraps cache; backend labels the measurements ("memory",
// "valkey", "file").
func NewInstrumented[T any](cache TokenCache[T], backend string) *Instrumented[T] {
	initMetrics()
	return &Instrumented[T]{
		wrapped: cache,
		backend: backend,
	}
}

func (i *Instrumented[T]) Get(ctx context.Context, key string) (T, bool, error) {
	start := time.Now()
	value, found, err := i.wrapped.Get(ctx, key)

	status := "miss"
	switch {
	case err != nil:
		status = "error"
	case found:
		status = "hit"
	}
	i.observe(ctx, "get", status, time.Since(start))

	return value, found, err
}

func (i *Instrumented[T]) Set(ctx context.Context, key string, value T) error {
	start := time.Now()
	err := i.wrapped.Set(ctx, key, value)
	i.observe(ctx, "set", errorStatus(err), time.Since(start))
	return err
}

func (i *Instrumented[T]) Invalidate(ctx context.Context, key string) error {
	start := time.Now()
	err := i.wrapped.Invalidate(ctx, key)
	i.observe(ctx, "invalidate", errorStatus(err), time.Since(start))
	return err
}

func (i *Instrumented[T]) Close() error {
	return i.wrapped.Close()
}

func (i *Instrumented[T]) observe(ctx context.Context, operation, status string, elapsed time.Duration) {
	backend := attribute.String("cache.type", i.backend)
	op := attribute.String("cache.operation", operation)

	if cacheOperations != nil {
		cacheOperations.Add(ctx, 1, metric.WithAttributes(backend, op, attribute.String("cache.status", status)))
	}
	if cacheDuration != nil {
		cacheDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(backend, op))
	}

	trace.SpanFromContext(ctx).SetAttributes(
		backend,
		attribute.String("cache."+operation+".status", status),
		attribute.Float64("cache."+operation+".duration", elapsed.Seconds()),
	)
}

// InstrumentedStrategy records metrics and span attributes for encrypt and
// decrypt calls.
type InstrumentedStrategy struct {
	wrapped EncryptionStrategy
}

func NewInstrumentedStrategy(strategy EncryptionStrategy) *InstrumentedStrategy {
	initMetrics()
	return &InstrumentedStrategy{wrapped: strategy}
}

func (s *InstrumentedStrategy) Seal(ctx context.Context, entry []byte, key string) (string, error) {
	start := time.Now()
	value, err := s.wrapped.Seal(ctx, entry, key)
	observeEncryption(ctx, "encrypt", errorStatus(err), time.Since(start))
	return value, err
}

func (s *InstrumentedStrategy) Open(ctx context.Context, value string, key string) ([]byte, bool, error) {
	start := time.Now()
	entry, stale, err := s.wrapped.Open(ctx, value, key)
	outcome := errorStatus(err)
	if stale {
		outcome = "stale_key"
	}
	observeEncryption(ctx, "decrypt", outcome, time.Since(start))
	return entry, stale, err
}

func (s *InstrumentedStrategy) StorageKey(key string) string {
	return s.wrapped.StorageKey(key)
}

func (s *InstrumentedStrategy) Close() error {
	return s.wrapped.Close()
}

func observeEncryption(ctx context.Context, operation, outcome string, elapsed time.Duration) {
	op := attribute.String("encryption.operation", operation)

	if encryptionOps != nil {
		encryptionOps.Add(ctx, 1, metric.WithAttributes(op, attribute.String("encryption.outcome", outcome)))
	}
	if encryptionDuration != nil {
		encryptionDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(op))
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Float64("cache."+operation+".duration", elapsed.Seconds()),
		attribute.String("cache."+operation+".outcome", outcome),
	)
}

func errorStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
