package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/valkey-io/valkey-go"
)

// Distributed keeps tokens in Valkey so that every bridge instance, and every
// SDK user pointed at the same server, shares one token per Atol account.
//
// Each key is written with an absolute EXAT deadline taken from the token
// itself when it implements Expiring, so a token is dropped when Atol stops
// accepting it rather than a full TTL after whichever instance stored it
// last. Reads use server-assisted client-side caching; the server pushes an
// invalidation when the key expires or is replaced.
type Distributed[T any] struct {
	client   valkey.Client
	ttl      time.Duration
	strategy EncryptionStrategy
	now      func() time.Time
}

// NewDistributed creates a Valkey-backed cache. ttl bounds tokens that carry
// no expiry of their own. A nil strategy stores entries unencrypted.
func NewDistributed[T any](valkeyClient valkey.Client, ttl time.Duration, strategy EncryptionStrategy) (*Distributed[T], error) {
	if ttl < time.Second {
		return nil, fmt.Errorf("distributed cache ttl must be at least one second, got %s", ttl)
	}
	if strategy == nil {
		strategy = &NoEncryptionStrategy{}
	}
	return &Distributed[T]{
		client:   valkeyClient,
		ttl:      ttl,
		strategy: strategy,
		now:      time.Now,
	}, nil
}

// Get retrieves a token. A missing or expired entry is a miss. An entry that
// fails to decrypt is deleted and reported as an error; one sealed by a
// rotated-out key is sealed again with the current key.
func (d *Distributed[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	storageKey := d.strategy.StorageKey(key)

	result := d.client.DoCache(ctx, d.client.B().Get().Key(storageKey).Cache(), d.ttl)
	if err := result.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("failed to get cached token: %w", err)
	}

	val, err := result.ToString()
	if err != nil {
		return zero, false, fmt.Errorf("failed to read cached token: %w", err)
	}

	data, stale, err := d.strategy.Open(ctx, val, key)
	if err != nil {
		// a corrupt entry would otherwise fail every read until it expires
		_ = d.client.Do(ctx, d.client.B().Del().Key(storageKey).Build()).Error()

		return zero, false, fmt.Errorf("cache decryption failure for key %q: %w", key, err)
	}

	var e entry[T]
	if err := json.Unmarshal(data, &e); err != nil {
		return zero, false, fmt.Errorf("failed to unmarshal cached token: %w", err)
	}

	// the server clock may lag ours
	if !e.liveAt(d.now()) {
		return zero, false, nil
	}

	if stale {
		if err := d.write(ctx, key, e); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("re-sealing cached token with rotated key failed")
		}
	}

	return e.Value, true, nil
}

// Set stores a token until the earlier of its own expiry and now plus the
// cache TTL. A token that has already expired removes the key instead.
func (d *Distributed[T]) Set(ctx context.Context, key string, token T) error {
	e := newEntry(token, d.now(), d.ttl)
	if !e.liveAt(d.now()) {
		return d.Invalidate(ctx, key)
	}
	return d.write(ctx, key, e)
}

func (d *Distributed[T]) write(ctx context.Context, key string, e entry[T]) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	value, err := d.strategy.Seal(ctx, data, key)
	if err != nil {
		return fmt.Errorf("failed to encrypt token: %w", err)
	}

	cmd := d.client.B().Set().Key(d.strategy.StorageKey(key)).Value(value).Exat(e.Expires).Build()
	if err := d.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to set cached token: %w", err)
	}
	return nil
}

// Invalidate removes a token from the cache.
func (d *Distributed[T]) Invalidate(ctx context.Context, key string) error {
	cmd := d.client.B().Del().Key(d.strategy.StorageKey(key)).Build()
	if err := d.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to invalidate cached token: %w", err)
	}
	return nil
}

// Close releases the Valkey client and the encryption strategy.
func (d *Distributed[T]) Close() error {
	if err := d.strategy.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing encryption strategy")
	}
	if d.client != nil {
		d.client.Close()
	}
	return nil
}
