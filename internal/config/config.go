package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Atol          AtolConfig
	Authorization AuthorizationConfig
	Cache         CacheConfig
	Journal       JournalConfig
	Log           LogConfig
	Observe       ObserveConfig
	Server        ServerConfig
}

// AtolConfig identifies the Atol Online account the bridge submits receipts
// for.
type AtolConfig struct {
	APIURL    string        `env:"ATOL_API_URL, default=https://online.atol.ru/possystem/v4/"`
	GroupCode string        `env:"ATOL_GROUP_CODE, required"`
	Login     string        `env:"ATOL_LOGIN, required"`
	Password  string        `env:"ATOL_PASSWORD, required"`
	TokenTTL  time.Duration `env:"ATOL_TOKEN_TTL, default=23h"`
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	// MaxRequestBytes bounds the size of a submitted receipt.
	MaxRequestBytes int64 `env:"SERVER_MAX_REQUEST_BYTES, default=1048576"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=20"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=10"`
	OutgoingHTTPTimeoutSeconds  int `env:"SERVER_OUTGOING_TIMEOUT_SECS, default=30"`
}

// CacheConfig selects where Atol tokens are kept between requests.
type CacheConfig struct {
	// Type selects the cache implementation: "memory" (default), "valkey" or
	// "file".
	Type string `env:"CACHE_TYPE, default=memory"`

	// FileDir is the directory used by the "file" cache.
	FileDir string `env:"CACHE_FILE_DIR"`

	Valkey ValkeyConfig

	// Encryption is supported by the valkey and file caches.
	Encryption CacheEncryptionConfig
}

type ValkeyConfig struct {
	// Address is the Valkey server address (host:port).
	Address string `env:"VALKEY_ADDRESS"`

	// TLS defaults to true so that the secure option is the default.
	TLS bool `env:"VALKEY_TLS, default=true"`

	Username string `env:"VALKEY_USERNAME"`
	Password string `env:"VALKEY_PASSWORD"`
}

type CacheEncryptionConfig struct {
	Enabled bool `env:"CACHE_ENCRYPTION_ENABLED, default=false"`

	// KeysetFile is a cleartext Tink JSON keyset. It is re-read periodically
	// so that rotation does not need a restart.
	KeysetFile string `env:"CACHE_ENCRYPTION_KEYSET_FILE"`
}

// AuthorizationConfig protects the bridge with JWTs. Authorization is off
// when IssuerURL is empty.
type AuthorizationConfig struct {
	IssuerURL           string `env:"JWT_ISSUER_URL"`
	Audience            string `env:"JWT_AUDIENCE, default=atol-bridge"`
	ConfigurationStatic string `env:"JWT_JWKS_STATIC"`
}

func (c AuthorizationConfig) Enabled() bool {
	return c.IssuerURL != ""
}

type JournalConfig struct {
	Path string `env:"JOURNAL_PATH, default=atol-bridge.db"`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL, default=info"`
	Format string `env:"LOG_FORMAT, default=json"`

	// File, when set, receives a JSON copy of every log line.
	File string `env:"LOG_FILE"`
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=atol-bridge"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	if err := cfg.Atol.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid atol configuration: %w", err)
	}

	if err := cfg.Cache.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid cache configuration: %w", err)
	}

	if err := cfg.Log.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid log configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the Atol account settings.
func (c *AtolConfig) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return fmt.Errorf("ATOL_API_URL is not a valid URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("ATOL_API_URL must be an absolute URL, got %q", c.APIURL)
	}
	if c.TokenTTL <= 0 {
		return errors.New("ATOL_TOKEN_TTL must be positive")
	}
	return nil
}

// Validate checks that the cache configuration is valid.
func (c *CacheConfig) Validate() error {
	switch c.Type {
	case "memory":
		if c.Encryption.Enabled {
			return errors.New("cache encryption requires CACHE_TYPE=valkey or CACHE_TYPE=file")
		}
	case "valkey":
		if c.Valkey.Address == "" {
			return errors.New("VALKEY_ADDRESS required when CACHE_TYPE=valkey")
		}
	case "file":
		if c.FileDir == "" {
			return errors.New("CACHE_FILE_DIR required when CACHE_TYPE=file")
		}
	default:
		return fmt.Errorf("unknown CACHE_TYPE %q: must be memory, valkey or file", c.Type)
	}

	if c.Encryption.Enabled && c.Encryption.KeysetFile == "" {
		return errors.New("CACHE_ENCRYPTION_KEYSET_FILE required when encryption enabled")
	}

	return nil
}

// Validate checks the log output settings.
func (c *LogConfig) Validate() error {
	switch c.Format {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("unknown LOG_FORMAT %q: must be json or console", c.Format)
	}
}
