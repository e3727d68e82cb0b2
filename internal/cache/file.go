package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"github.com/rs/zerolog/log"
)

// File keeps each token in its own JSON file, so that short-lived CLI
// invocations on one host can reuse a token without a cache server. Files
// are replaced atomically; readers never observe a partial write.
type File[T any] struct {
	dir      string
	ttl      time.Duration
	strategy EncryptionStrategy
	now      func() time.Time
}

// NewFile creates a file cache rooted at dir, creating the directory if
// needed. A nil strategy stores values unencrypted.
func NewFile[T any](dir string, ttl time.Duration, strategy EncryptionStrategy) (*File[T], error) {
	if dir == "" {
		return nil, errors.New("file cache directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	if strategy == nil {
		strategy = &NoEncryptionStrategy{}
	}

	return &File[T]{
		dir:      dir,
		ttl:      ttl,
		strategy: strategy,
		now:      time.Now,
	}, nil
}

func (f *File[T]) path(key string) string {
	sum := sha256.Sum256([]byte(f.strategy.StorageKey(key)))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:])+".json")
}

// Get retrieves a token. Missing and expired entries are misses; expired
// entries are removed. An entry sealed by a rotated-out key is rewritten
// with the current key.
func (f *File[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	p := f.path(key)
	raw, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("failed to read cached token: %w", err)
	}

	data, stale, err := f.strategy.Open(ctx, string(raw), key)
	if err != nil {
		_ = os.Remove(p)
		return zero, false, fmt.Errorf("cache decryption failure for key %q: %w", key, err)
	}

	var e entry[T]
	if err := json.Unmarshal(data, &e); err != nil {
		return zero, false, fmt.Errorf("failed to unmarshal cached token: %w", err)
	}

	if !e.liveAt(f.now()) {
		_ = os.Remove(p)
		return zero, false, nil
	}

	if stale {
		if err := f.write(ctx, key, e); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("re-sealing cached token with rotated key failed")
		}
	}

	return e.Value, true, nil
}

// Set writes the token with an expiry of now plus the cache TTL, or the
// token's own expiry when that is earlier.
func (f *File[T]) Set(ctx context.Context, key string, token T) error {
	e := newEntry(token, f.now(), f.ttl)
	if !e.liveAt(f.now()) {
		return f.Invalidate(ctx, key)
	}
	return f.write(ctx, key, e)
}

func (f *File[T]) write(ctx context.Context, key string, e entry[T]) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	value, err := f.strategy.Seal(ctx, data, key)
	if err != nil {
		return fmt.Errorf("failed to encrypt token: %w", err)
	}

	if err := atomic.WriteFile(f.path(key), strings.NewReader(value)); err != nil {
		return fmt.Errorf("failed to write cached token: %w", err)
	}
	return nil
}

// Invalidate removes a token. Removing an absent token is not an error.
func (f *File[T]) Invalidate(ctx context.Context, key string) error {
	err := os.Remove(f.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to invalidate cached token: %w", err)
	}
	return nil
}

func (f *File[T]) Close() error {
	return f.strategy.Close()
}
