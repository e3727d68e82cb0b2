package atol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	// tokenLength is the length of every token the API issues. Anything else
	// is treated as a failed authentication.
	tokenLength = 32

	// tokenRequestTimeout bounds a getToken call shared by several callers,
	// which runs detached from any one caller's context.
	tokenRequestTimeout = 30 * time.Second
)

// Token is the cached credential sent in the Token header.
type Token struct {
	Value     string    `json:"token"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// Expiry is when the token stops being reused. Shared stores use it to drop
// the token at the same moment in every process.
func (t Token) Expiry() time.Time {
	return t.ExpiresAt
}

func (t Token) validAt(now time.Time, ttl time.Duration) bool {
	if t.Value == "" {
		return false
	}
	if ttl <= 0 {
		return true
	}
	return now.Before(t.IssuedAt.Add(ttl))
}

// TokenStore persists tokens between requests, and between processes when
// the store is shared. A store reporting a miss for an expired token is
// allowed but not required; the client checks expiry itself.
type TokenStore interface {
	Get(ctx context.Context, key string) (Token, bool, error)
	Set(ctx context.Context, key string, token Token) error
	Invalidate(ctx context.Context, key string) error
}

// MemoryStore is the TokenStore a Client uses when none is given. It keeps
// each token in process memory for its lifetime, measured from issue.
type MemoryStore struct {
	cache *otter.Cache[string, Token]
}

// NewMemoryStore creates a store holding at most maxSize tokens. Tokens
// without an expiry are kept for DefaultTokenTTL.
func NewMemoryStore(maxSize int) (*MemoryStore, error) {
	c, err := otter.New(&otter.Options[string, Token]{
		MaximumSize: maxSize,
		ExpiryCalculator: otter.ExpiryWritingFunc(func(e otter.Entry[string, Token]) time.Duration {
			if e.Value.ExpiresAt.IsZero() {
				return DefaultTokenTTL
			}
			return e.Value.ExpiresAt.Sub(e.Value.IssuedAt)
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("token store configuration failed: %w", err)
	}
	return &MemoryStore{cache: c}, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (Token, bool, error) {
	tok, ok := m.cache.GetIfPresent(key)
	return tok, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, token Token) error {
	m.cache.Set(key, token)
	return nil
}

func (m *MemoryStore) Invalidate(_ context.Context, key string) error {
	m.cache.Invalidate(key)
	return nil
}

type tokenRequest struct {
	Login    string `json:"login"`
	Password string `json:"pass"`
}

type tokenResponse struct {
	Error     *ErrorBody `json:"error"`
	Token     string     `json:"token"`
	Timestamp string     `json:"timestamp"`
}

// TokenSource supplies a valid token for one account, preferring the store
// over the getToken endpoint. Concurrent fetches for the same account are
// collapsed into a single request.
type TokenSource struct {
	endpoint string
	key      string
	login    string
	password string
	ttl      time.Duration

	store  TokenStore
	client *http.Client
	clock  func() time.Time
	group  singleflight.Group
}

// Token returns the stored token when present and unexpired, otherwise it
// requests a new one. Store failures are logged and treated as a miss.
func (s *TokenSource) Token(ctx context.Context) (Token, error) {
	tok, found, err := s.store.Get(ctx, s.key)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("key", s.key).Msg("token cache read failed, requesting new token")
	} else if found && tok.validAt(s.clock(), s.ttl) {
		return tok, nil
	}

	return s.fetch(ctx)
}

// Refresh discards the rejected token and fetches a replacement. If another
// caller has already replaced it, the stored token is returned instead.
func (s *TokenSource) Refresh(ctx context.Context, rejected string) (Token, error) {
	tok, found, err := s.store.Get(ctx, s.key)
	if err == nil && found && tok.Value != rejected && tok.validAt(s.clock(), s.ttl) {
		return tok, nil
	}

	if err := s.store.Invalidate(ctx, s.key); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("key", s.key).Msg("token cache invalidation failed")
	}

	return s.fetch(ctx)
}

// fetch requests a token once for all concurrent callers. The shared request
// outlives any one caller, who may stop waiting when its own ctx is done.
func (s *TokenSource) fetch(ctx context.Context) (Token, error) {
	ch := s.group.DoChan(s.key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenRequestTimeout)
		defer cancel()

		tok, err := s.request(fetchCtx)
		if err != nil {
			return Token{}, err
		}

		if err := s.store.Set(fetchCtx, s.key, tok); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("key", s.key).Msg("token cache write failed")
		}

		return tok, nil
	})

	select {
	case <-ctx.Done():
		return Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	}
}

func (s *TokenSource) request(ctx context.Context) (Token, error) {
	recordTokenFetch(ctx)

	body, err := json.Marshal(tokenRequest{Login: s.login, Password: s.password})
	if err != nil {
		return Token{}, fmt.Errorf("encoding token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Token{}, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, fmt.Errorf("reading token response: %w", err)
	}

	if resp.StatusCode == http.StatusInternalServerError {
		return Token{}, fmt.Errorf("token request: %w", ErrServerFailure)
	}

	var result tokenResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return Token{}, fmt.Errorf("%w: status %d, undecodable response: %v", ErrTokenRejected, resp.StatusCode, err)
	}

	if len(result.Token) == tokenLength {
		log.Ctx(ctx).Info().Str("key", s.key).Msg("issued: new token obtained from API")
		issued := s.clock()
		tok := Token{Value: result.Token, IssuedAt: issued}
		if s.ttl > 0 {
			tok.ExpiresAt = issued.Add(s.ttl)
		}
		return tok, nil
	}

	if result.Error != nil {
		return Token{}, fmt.Errorf("%w: error %s", ErrTokenRejected, result.Error)
	}

	return Token{}, fmt.Errorf("%w: status %d", ErrTokenRejected, resp.StatusCode)
}
