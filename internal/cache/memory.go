package cache

import (
	"context"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
)

// Memory keeps tokens in process memory. Entries expire ttl after they are
// written, or at the token's own expiry when that is earlier; the least
// valuable entries are evicted beyond maxSize.
type Memory[T any] struct {
	cache   *otter.Cache[string, T]
	counter *stats.Counter
	ttl     time.Duration
	now     func() time.Time
}

func NewMemory[T any](ttl time.Duration, maxSize int) (*Memory[T], error) {
	m := &Memory[T]{
		counter: stats.NewCounter(),
		ttl:     ttl,
		now:     time.Now,
	}

	c, err := otter.New(&otter.Options[string, T]{
		MaximumSize:   maxSize,
		StatsRecorder: m.counter,
		ExpiryCalculator: otter.ExpiryWritingFunc(func(e otter.Entry[string, T]) time.Duration {
			now := m.now()
			return newEntry(e.Value, now, m.ttl).Expires.Sub(now)
		}),
	})
	if err != nil {
		return nil, err
	}

	m.cache = c
	return m, nil
}

func (m *Memory[T]) Get(_ context.Context, key string) (T, bool, error) {
	token, ok := m.cache.GetIfPresent(key)
	return token, ok, nil
}

// Set stores the token. A token that has already expired removes the key.
func (m *Memory[T]) Set(_ context.Context, key string, token T) error {
	if !newEntry(token, m.now(), m.ttl).liveAt(m.now()) {
		m.cache.Invalidate(key)
		return nil
	}
	m.cache.Set(key, token)
	return nil
}

func (m *Memory[T]) Invalidate(_ context.Context, key string) error {
	m.cache.Invalidate(key)
	return nil
}

// Stats returns a snapshot of hit and miss counts.
func (m *Memory[T]) Stats() stats.Stats {
	return m.counter.Snapshot()
}

func (m *Memory[T]) Close() error {
	return nil
}
