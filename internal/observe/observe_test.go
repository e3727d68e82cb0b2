package observe

import (
	"context"
	"net/http"
	"testing"

	"github.com/kassa-tools/atol-bridge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func TestConfigure_Disabled(t *testing.T) {
	shutdown, err := Configure(context.Background(), config.ObserveConfig{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestConfigure_UnknownType(t *testing.T) {
	_, err := Configure(context.Background(), config.ObserveConfig{
		Enabled:     true,
		Type:        "zipkin",
		ServiceName: "atol-bridge",
	})
	assert.ErrorContains(t, err, `unknown telemetry type "zipkin"`)
}

func TestConfigure_Stdout(t *testing.T) {
	shutdown, err := Configure(context.Background(), config.ObserveConfig{
		Enabled:                   true,
		Type:                      "stdout",
		ServiceName:               "atol-bridge",
		MetricsEnabled:            true,
		SDKLogLevel:               "warn",
		TraceBatchTimeoutSeconds:  1,
		MetricReadIntervalSeconds: 60,
	})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestHTTPTransport(t *testing.T) {
	base := http.DefaultTransport

	tests := []struct {
		name    string
		cfg     config.ObserveConfig
		wrapped bool
	}{
		{name: "telemetry disabled", cfg: config.ObserveConfig{Enabled: false, HTTPTransportEnabled: true}},
		{name: "transport disabled", cfg: config.ObserveConfig{Enabled: true, HTTPTransportEnabled: false}},
		{name: "enabled", cfg: config.ObserveConfig{Enabled: true, HTTPTransportEnabled: true}, wrapped: true},
		{name: "enabled with connection trace", cfg: config.ObserveConfig{Enabled: true, HTTPTransportEnabled: true, HTTPConnectionTraceEnabled: true}, wrapped: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := HTTPTransport(base, tt.cfg)
			if tt.wrapped {
				assert.IsType(t, &otelhttp.Transport{}, rt)
			} else {
				assert.Same(t, base, rt)
			}
		})
	}
}
