package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/kassa-tools/atol-bridge/internal/cache/encryption"
	"github.com/kassa-tools/atol-bridge/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/valkey-io/valkey-go"
)

// NewFromConfig creates the token cache selected by cacheConfig.Type:
// "memory", "valkey" or "file". The result is always instrumented.
func NewFromConfig[T any](
	ctx context.Context,
	cacheConfig config.CacheConfig,
	ttl time.Duration,
	maxMemorySize int,
) (TokenCache[T], error) {
	switch cacheConfig.Type {
	case "valkey":
		log.Info().
			Str("cache_type", "valkey").
			Str("address", cacheConfig.Valkey.Address).
			Bool("tls", cacheConfig.Valkey.TLS).
			Bool("encrypted", cacheConfig.Encryption.Enabled).
			Msg("initializing distributed cache")

		if cacheConfig.Valkey.Address == "" {
			return nil, errors.New("valkey address is required when cache type is valkey")
		}

		strategy, err := newStrategy(ctx, cacheConfig.Encryption)
		if err != nil {
			return nil, err
		}

		valkeyClient, err := valkey.NewClient(valkeyOptions(cacheConfig.Valkey))
		if err != nil {
			_ = strategy.Close()
			return nil, fmt.Errorf("failed to create valkey client: %w", err)
		}

		distributed, err := NewDistributed[T](valkeyClient, ttl, strategy)
		if err != nil {
			_ = strategy.Close()
			valkeyClient.Close()
			return nil, fmt.Errorf("failed to create distributed cache: %w", err)
		}

		return NewInstrumented(distributed, "valkey"), nil

	case "file":
		log.Info().
			Str("cache_type", "file").
			Str("dir", cacheConfig.FileDir).
			Bool("encrypted", cacheConfig.Encryption.Enabled).
			Msg("initializing file cache")

		strategy, err := newStrategy(ctx, cacheConfig.Encryption)
		if err != nil {
			return nil, err
		}

		file, err := NewFile[T](cacheConfig.FileDir, ttl, strategy)
		if err != nil {
			_ = strategy.Close()
			return nil, fmt.Errorf("failed to create file cache: %w", err)
		}

		return NewInstrumented(file, "file"), nil

	case "memory", "":
		log.Info().
			Str("cache_type", "memory").
			Msg("initializing in-memory cache")

		memory, err := NewMemory[T](ttl, maxMemorySize)
		if err != nil {
			return nil, fmt.Errorf("failed to create memory cache: %w", err)
		}

		return NewInstrumented(memory, "memory"), nil

	default:
		return nil, fmt.Errorf("invalid cache type %q: must be one of \"memory\", \"valkey\" or \"file\"", cacheConfig.Type)
	}
}

func valkeyOptions(cfg config.ValkeyConfig) valkey.ClientOption {
	opts := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		AuthCredentialsFn: StaticCredentialsFn(cfg.Username, cfg.Password),
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	return opts
}

// StaticCredentialsFn supplies the same username and password for every
// Valkey connection.
func StaticCredentialsFn(username, password string) func(valkey.AuthCredentialsContext) (valkey.AuthCredentials, error) {
	return func(valkey.AuthCredentialsContext) (valkey.AuthCredentials, error) {
		return valkey.AuthCredentials{
			Username: username,
			Password: password,
		}, nil
	}
}

func newStrategy(ctx context.Context, cfg config.CacheEncryptionConfig) (EncryptionStrategy, error) {
	if !cfg.Enabled {
		return &NoEncryptionStrategy{}, nil
	}

	aead, err := encryption.NewRefreshableAEADFromFile(ctx, cfg.KeysetFile)
	if err != nil {
		return nil, fmt.Errorf("initializing encryption: %w", err)
	}

	log.Info().Str("keyset_file", cfg.KeysetFile).Msg("cache encryption enabled with automatic keyset refresh")

	return NewInstrumentedStrategy(NewTinkEncryptionStrategy(aead)), nil
}
