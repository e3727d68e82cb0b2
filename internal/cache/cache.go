package cache

import (
	"context"
	"time"
)

// TokenCache defines the interface for token caching implementations.
// The generic type T represents the token type being cached.
type TokenCache[T any] interface {
	// Get retrieves a token from the cache.
	// Returns the token, whether it was found, and any error.
	Get(ctx context.Context, key string) (T, bool, error)

	// Set stores a token in the cache.
	Set(ctx context.Context, key string, token T) error

	// Invalidate removes a token from the cache.
	Invalidate(ctx context.Context, key string) error

	// Close releases any resources held by the cache.
	Close() error
}

// Expiring is implemented by tokens that know when the issuer stops
// accepting them. No backend keeps such a token past its expiry, even when
// the cache TTL is longer.
type Expiring interface {
	Expiry() time.Time
}

// entry is the stored form of a token in the persistent backends.
type entry[T any] struct {
	Value   T         `json:"value"`
	Expires time.Time `json:"expires"`
}

// newEntry stamps token with the earlier of now+ttl and its own expiry.
func newEntry[T any](token T, now time.Time, ttl time.Duration) entry[T] {
	expires := now.Add(ttl)
	if e, ok := any(token).(Expiring); ok {
		if at := e.Expiry(); !at.IsZero() && at.Before(expires) {
			expires = at
		}
	}
	return entry[T]{Value: token, Expires: expires}
}

func (e entry[T]) liveAt(now time.Time) bool {
	return now.Before(e.Expires)
}
