package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testToken stands in for the SDK token type, which cannot be imported here
// without a cycle.
type testToken struct {
	Value    string    `json:"token"`
	IssuedAt time.Time `json:"issuedAt"`
}

type backend struct {
	name string
	open func(t *testing.T, ttl time.Duration) TokenCache[testToken]
}

var backends = []backend{
	{
		name: "memory",
		open: func(t *testing.T, ttl time.Duration) TokenCache[testToken] {
			c, err := NewMemory[testToken](ttl, 100)
			require.NoError(t, err)
			return c
		},
	},
	{
		name: "file",
		open: func(t *testing.T, ttl time.Duration) TokenCache[testToken] {
			c, err := NewFile[testToken](t.TempDir(), ttl, nil)
			require.NoError(t, err)
			return c
		},
	},
	{
		name: "file encrypted",
		open: func(t *testing.T, ttl time.Duration) TokenCache[testToken] {
			c, err := NewFile[testToken](t.TempDir(), ttl, NewTinkEncryptionStrategy(newTestAEAD(t)))
			require.NoError(t, err)
			return c
		},
	},
}

func TestTokenCache_Contract(t *testing.T) {
	ctx := context.Background()
	issued := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	token := testToken{Value: "0123456789abcdef0123456789abcdef", IssuedAt: issued}

	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			t.Run("miss", func(t *testing.T) {
				c := b.open(t, time.Minute)
				defer func() { assert.NoError(t, c.Close()) }()

				got, found, err := c.Get(ctx, "token://online.atol.ru/possystem/v4/absent")
				require.NoError(t, err)
				assert.False(t, found)
				assert.Equal(t, testToken{}, got)
			})

			t.Run("set then get", func(t *testing.T) {
				c := b.open(t, time.Minute)
				defer func() { assert.NoError(t, c.Close()) }()

				require.NoError(t, c.Set(ctx, "token://online.atol.ru/possystem/v4/login", token))

				got, found, err := c.Get(ctx, "token://online.atol.ru/possystem/v4/login")
				require.NoError(t, err)
				assert.True(t, found)
				assert.Equal(t, token.Value, got.Value)
				assert.True(t, token.IssuedAt.Equal(got.IssuedAt))
			})

			t.Run("keys are independent", func(t *testing.T) {
				c := b.open(t, time.Minute)
				defer func() { assert.NoError(t, c.Close()) }()

				require.NoError(t, c.Set(ctx, "a", token))

				_, found, err := c.Get(ctx, "b")
				require.NoError(t, err)
				assert.False(t, found)
			})

			t.Run("invalidate", func(t *testing.T) {
				c := b.open(t, time.Minute)
				defer func() { assert.NoError(t, c.Close()) }()

				require.NoError(t, c.Set(ctx, "key", token))
				require.NoError(t, c.Invalidate(ctx, "key"))
				require.NoError(t, c.Invalidate(ctx, "key"), "invalidating an absent key")

				_, found, err := c.Get(ctx, "key")
				require.NoError(t, err)
				assert.False(t, found)
			})

			t.Run("expiry", func(t *testing.T) {
				c := b.open(t, 50*time.Millisecond)
				defer func() { assert.NoError(t, c.Close()) }()

				require.NoError(t, c.Set(ctx, "key", token))

				_, found, err := c.Get(ctx, "key")
				require.NoError(t, err)
				assert.True(t, found)

				assert.Eventually(t, func() bool {
					_, found, err := c.Get(ctx, "key")
					return err == nil && !found
				}, time.Second, 20*time.Millisecond)
			})
		})
	}
}

func TestMemory_Stats(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemory[testToken](time.Minute, 10)
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "key", testToken{Value: "v"}))
	_, _, _ = c.Get(ctx, "key")
	_, _, _ = c.Get(ctx, "missing")

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
}

func TestMemory_TokenExpiryBoundsEntry(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemory[expiringToken](time.Hour, 10)
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "key", expiringToken{Value: "v", Expires: time.Now().Add(50 * time.Millisecond)}))

	_, found, err := c.Get(ctx, "key")
	require.NoError(t, err)
	assert.True(t, found)

	assert.Eventually(t, func() bool {
		_, found, err := c.Get(ctx, "key")
		return err == nil && !found
	}, time.Second, 20*time.Millisecond)
}

func TestMemory_ExpiredTokenIsNotStored(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemory[expiringToken](time.Hour, 10)
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "key", expiringToken{Value: "fresh", Expires: time.Now().Add(time.Hour)}))
	require.NoError(t, c.Set(ctx, "key", expiringToken{Value: "old", Expires: time.Now().Add(-time.Minute)}))

	_, found, err := c.Get(ctx, "key")
	require.NoError(t, err)
	assert.False(t, found)
}
