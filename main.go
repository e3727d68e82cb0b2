package main

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/justinas/alice"
	"github.com/kassa-tools/atol-bridge/atol"
	"github.com/kassa-tools/atol-bridge/internal/audit"
	"github.com/kassa-tools/atol-bridge/internal/cache"
	"github.com/kassa-tools/atol-bridge/internal/config"
	"github.com/kassa-tools/atol-bridge/internal/journal"
	"github.com/kassa-tools/atol-bridge/internal/jwt"
	"github.com/kassa-tools/atol-bridge/internal/logging"
	"github.com/kassa-tools/atol-bridge/internal/observe"
	"github.com/kassa-tools/atol-bridge/internal/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func configureServerRoutes(cfg config.Config, api ReceiptAPI, receipts Journal) (http.Handler, error) {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	auditor := audit.Middleware()

	authorizer, err := jwt.Middleware(cfg.Authorization)
	if err != nil {
		return nil, fmt.Errorf("authorizer configuration failed: %w", err)
	}

	requestLimiter := maxRequestSize(cfg.Server.MaxRequestBytes)

	authorized := alice.New(requestLimiter, auditor, authorizer)
	standard := alice.New(requestLimiter)

	mux.Handle("POST /sell", authorized.Then(handlePostReceipt("sell", api.Sell, receipts)))
	mux.Handle("POST /sell_refund", authorized.Then(handlePostReceipt("sell_refund", api.SellRefund, receipts)))
	mux.Handle("GET /report/{uuid}", authorized.Then(handleGetReport(api, receipts)))
	mux.Handle("GET /operations/{externalID}", authorized.Then(handleGetOperation(receipts)))

	// healthchecks are not included in telemetry or authorization
	muxWithoutTelemetry.Handle("GET /healthcheck", standard.Then(handleHealthCheck()))

	return mux, nil
}

func main() {
	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	hooks := &server.ShutdownHooks{}

	logFile, err := logging.Configure(cfg.Log)
	if err != nil {
		return fmt.Errorf("logging configuration failed: %w", err)
	}
	hooks.AddClose("log file", logFile)
	zerolog.LevelFieldMarshalFunc = audit.MarshalLevel

	logBuildInfo()

	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return hooks.Abandon(ctx, fmt.Errorf("telemetry bootstrap failed: %w", err))
	}
	hooks.AddContext("telemetry", shutdownTelemetry)

	httpClient := &http.Client{
		Transport: observe.HTTPTransport(configureHTTPTransport(cfg.Server), cfg.Observe),
		Timeout:   time.Duration(cfg.Server.OutgoingHTTPTimeoutSeconds) * time.Second,
	}

	tokenCache, err := cache.NewFromConfig[atol.Token](ctx, cfg.Cache, cfg.Atol.TokenTTL, 16)
	if err != nil {
		return hooks.Abandon(ctx, fmt.Errorf("token cache configuration failed: %w", err))
	}
	hooks.AddClose("token cache", tokenCache)

	client, err := atol.New(
		atol.Config{
			APIURL:    cfg.Atol.APIURL,
			GroupCode: cfg.Atol.GroupCode,
			Login:     cfg.Atol.Login,
			Password:  cfg.Atol.Password,
			TokenTTL:  cfg.Atol.TokenTTL,
		},
		atol.WithHTTPClient(httpClient),
		atol.WithTokenStore(tokenCache),
	)
	if err != nil {
		return hooks.Abandon(ctx, fmt.Errorf("atol client configuration failed: %w", err))
	}

	receipts, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return hooks.Abandon(ctx, fmt.Errorf("journal open failed: %w", err))
	}
	hooks.AddClose("journal", receipts)

	handler, err := configureServerRoutes(cfg, client, receipts)
	if err != nil {
		return hooks.Abandon(ctx, fmt.Errorf("server routing configuration failed: %w", err))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Str("api_url", cfg.Atol.APIURL).
		Str("group_code", cfg.Atol.GroupCode).
		Str("cache_type", cfg.Cache.Type).
		Bool("authorization", cfg.Authorization.Enabled()).
		Msg("atol bridge configured")

	if err := server.Serve(ctx, srv, time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second, hooks); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info().Str("go", buildInfo.GoVersion)
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") || v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}
