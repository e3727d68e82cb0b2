// Package atol is a client for the Atol Online fiscal receipt API.
//
// A Client authenticates with the account's login and password, keeps the
// issued token in a TokenStore, and submits sale and refund receipts or polls
// their processing reports. A request rejected with 401 causes exactly one
// token refresh and one resend; a 500 is reported as ErrServerFailure and
// never retried.
package atol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	contentType = "application/json; charset=utf-8"
	tokenHeader = "Token"

	// DefaultTokenTTL is how long a token is reused before a new one is
	// requested. The API issues tokens valid for 24 hours.
	DefaultTokenTTL = 23 * time.Hour
)

// Config identifies the account the client acts for.
type Config struct {
	// APIURL is the account base URL, e.g. https://online.atol.ru/possystem/v4/
	APIURL    string
	GroupCode string
	Login     string
	Password  string

	// TokenTTL bounds the reuse of a cached token. Zero uses DefaultTokenTTL.
	TokenTTL time.Duration
}

func (c Config) validate() (*url.URL, error) {
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return nil, fmt.Errorf("%w: could not parse API URL: %v", ErrInvalidConfig, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: API URL must be absolute: %q", ErrInvalidConfig, c.APIURL)
	}
	if c.GroupCode == "" {
		return nil, fmt.Errorf("%w: group code is required", ErrInvalidConfig)
	}
	if c.GroupCode == "." || c.GroupCode == ".." || strings.ContainsAny(c.GroupCode, `/\`) {
		return nil, fmt.Errorf("%w: group code must be a single path segment: %q", ErrInvalidConfig, c.GroupCode)
	}
	if c.Login == "" || c.Password == "" {
		return nil, fmt.Errorf("%w: login and password are required", ErrInvalidConfig)
	}
	return u, nil
}

type clientOptions struct {
	httpClient *http.Client
	store      TokenStore
	clock      func() time.Time
}

type ClientOption func(*clientOptions)

// WithHTTPClient replaces http.DefaultClient for all API calls.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *clientOptions) {
		o.httpClient = c
	}
}

// WithTokenStore shares tokens through the given store instead of a private
// in-memory cache.
func WithTokenStore(s TokenStore) ClientOption {
	return func(o *clientOptions) {
		o.store = s
	}
}

// WithClock overrides the time source used for receipt timestamps and token
// expiry.
func WithClock(clock func() time.Time) ClientOption {
	return func(o *clientOptions) {
		o.clock = clock
	}
}

type Client struct {
	baseURL   *url.URL
	groupCode string
	http      *http.Client
	tokens    *TokenSource
	clock     func() time.Time
}

func New(cfg Config, opts ...ClientOption) (*Client, error) {
	baseURL, err := cfg.validate()
	if err != nil {
		return nil, err
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	o := &clientOptions{
		httpClient: http.DefaultClient,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.store == nil {
		memory, err := NewMemoryStore(16)
		if err != nil {
			return nil, err
		}
		o.store = memory
	}

	initMetrics()

	return &Client{
		baseURL:   baseURL,
		groupCode: cfg.GroupCode,
		http:      o.httpClient,
		clock:     o.clock,
		tokens: &TokenSource{
			endpoint: baseURL.JoinPath("getToken").String(),
			key:      TokenKey(baseURL, cfg.Login),
			login:    cfg.Login,
			password: cfg.Password,
			ttl:      ttl,
			store:    o.store,
			client:   o.httpClient,
			clock:    o.clock,
		},
	}, nil
}

// TokenKey is the cache key for an account's token. Accounts that share a
// URL and login share a token.
func TokenKey(baseURL *url.URL, login string) string {
	return fmt.Sprintf("token://%s%s/%s", baseURL.Host, strings.TrimSuffix(baseURL.Path, "/"), login)
}

// Token returns the token that will be attached to the next request.
func (c *Client) Token(ctx context.Context) (string, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

// Sell submits a sale receipt.
func (c *Client) Sell(ctx context.Context, receipt Receipt) (*Operation, error) {
	return c.submit(ctx, "sell", receipt)
}

// SellRefund submits a refund for an earlier sale.
func (c *Client) SellRefund(ctx context.Context, receipt Receipt) (*Operation, error) {
	return c.submit(ctx, "sell_refund", receipt)
}

// Report fetches the processing report of a submitted document. The uuid
// must be a single path segment.
func (c *Client) Report(ctx context.Context, uuid string) (*Report, error) {
	endpoint, err := c.groupURL("report", uuid)
	if err != nil {
		return nil, fmt.Errorf("report: %w", err)
	}

	var report Report
	if err := c.exchange(ctx, "report", http.MethodGet, endpoint, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Do sends an arbitrary request relative to the account's group and returns
// the decoded response document. The path may not be empty or leave the
// group.
func (c *Client) Do(ctx context.Context, method, path string, body any) (map[string]any, error) {
	segments := strings.Split(strings.Trim(path, "/"), "/")

	endpoint, err := c.groupURL(segments...)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := c.exchange(ctx, segments[0], strings.ToUpper(method), endpoint, body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) submit(ctx context.Context, operation string, receipt Receipt) (*Operation, error) {
	if receipt.Timestamp == "" {
		receipt.Timestamp = FormatTimestamp(c.clock())
	}
	if err := receipt.Validate(); err != nil {
		return nil, err
	}

	endpoint, err := c.groupURL(operation)
	if err != nil {
		return nil, err
	}

	var op Operation
	if err := c.exchange(ctx, operation, http.MethodPost, endpoint, receipt, &op); err != nil {
		return nil, err
	}

	log.Ctx(ctx).Info().
		Str("operation", operation).
		Str("external_id", receipt.ExternalID).
		Str("uuid", op.UUID).
		Str("status", op.Status).
		Msg("receipt submitted")

	return &op, nil
}

// groupURL builds an endpoint below the account's group. Every element must
// be one non-empty path segment, so no request can reach another group.
func (c *Client) groupURL(elem ...string) (string, error) {
	for _, e := range elem {
		if e == "" || e == "." || e == ".." || strings.ContainsAny(e, `/\`) {
			return "", fmt.Errorf("%w: path segment %q", ErrInvalidRequest, e)
		}
	}
	return c.baseURL.JoinPath(append([]string{c.groupCode}, elem...)...).String(), nil
}

// exchange performs one API call with the current token, refreshing the token
// and resending exactly once when the API answers 401.
func (c *Client) exchange(ctx context.Context, operation, method, endpoint string, body any, out any) (err error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "atol."+operation)
	span.SetAttributes(
		attribute.String("atol.operation", operation),
		attribute.String("atol.group_code", c.groupCode),
	)
	defer func() {
		recordRequest(ctx, operation, outcome(err))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", operation, err)
		}
	}

	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	status, data, err := c.send(ctx, method, endpoint, payload, tok.Value)
	if err != nil {
		return fmt.Errorf("atol %s request failed: %w", operation, err)
	}

	if status == http.StatusUnauthorized {
		log.Ctx(ctx).Info().Str("operation", operation).Msg("token rejected, refreshing and retrying once")
		recordTokenRefresh(ctx, operation)
		span.SetAttributes(attribute.Bool("atol.token_refreshed", true))

		tok, err = c.tokens.Refresh(ctx, tok.Value)
		if err != nil {
			return err
		}

		status, data, err = c.send(ctx, method, endpoint, payload, tok.Value)
		if err != nil {
			return fmt.Errorf("atol %s request failed: %w", operation, err)
		}
	}

	span.SetAttributes(attribute.Int("http.response.status_code", status))

	return decode(operation, status, data, out)
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload []byte, token string) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(tokenHeader, token)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}

	return resp.StatusCode, data, nil
}

func decode(operation string, status int, data []byte, out any) error {
	switch {
	case status >= 200 && status < 300:
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding %s response: %w", operation, err)
		}
		return nil

	case status == http.StatusInternalServerError:
		return fmt.Errorf("atol %s: %w", operation, ErrServerFailure)

	default:
		apiErr := &APIError{
			Operation:  operation,
			StatusCode: status,
		}

		// the error document is optional: an undecodable body still yields
		// the status-only error
		var doc map[string]any
		if json.Unmarshal(data, &doc) == nil {
			apiErr.Payload = doc
			var envelope struct {
				Error *ErrorBody `json:"error"`
			}
			if json.Unmarshal(data, &envelope) == nil {
				apiErr.Body = envelope.Error
			}
		}

		return apiErr
	}
}

func outcome(err error) string {
	var apiErr *APIError

	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.As(err, &apiErr):
		return "api_error"
	case errors.Is(err, ErrServerFailure):
		return "server_failure"
	case errors.Is(err, ErrTokenRejected):
		return "token_rejected"
	default:
		return "error"
	}
}
