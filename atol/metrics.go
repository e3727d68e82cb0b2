package atol

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/kassa-tools/atol-bridge/atol"

var (
	metricsOnce    sync.Once
	requestCount   metric.Int64Counter
	tokenFetches   metric.Int64Counter
	tokenRefreshes metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter(instrumentationName)

		var err error
		requestCount, err = meter.Int64Counter(
			"atol.requests",
			metric.WithDescription("Requests made to the Atol API, by operation and outcome"),
		)
		if err != nil {
			otel.Handle(err)
		}

		tokenFetches, err = meter.Int64Counter(
			"atol.token.fetches",
			metric.WithDescription("Tokens requested from the getToken endpoint"),
		)
		if err != nil {
			otel.Handle(err)
		}

		tokenRefreshes, err = meter.Int64Counter(
			"atol.token.refreshes",
			metric.WithDescription("Tokens refreshed after the API rejected a cached token"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

func recordRequest(ctx context.Context, operation, outcome string) {
	if requestCount == nil {
		return
	}
	requestCount.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("atol.operation", operation),
			attribute.String("atol.outcome", outcome),
		),
	)
}

func recordTokenFetch(ctx context.Context) {
	if tokenFetches == nil {
		return
	}
	tokenFetches.Add(ctx, 1)
}

func recordTokenRefresh(ctx context.Context, operation string) {
	if tokenRefreshes == nil {
		return
	}
	tokenRefreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("atol.operation", operation)))
}
