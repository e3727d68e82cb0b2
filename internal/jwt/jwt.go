// Package jwt protects the bridge with bearer JWTs issued by an OIDC
// provider. Verified claims are added to the request's audit entry.
package jwt

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v3"
	"github.com/auth0/go-jwt-middleware/v3/jwks"
	"github.com/auth0/go-jwt-middleware/v3/validator"
	"github.com/justinas/alice"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kassa-tools/atol-bridge/internal/audit"
	"github.com/kassa-tools/atol-bridge/internal/config"
)

// Middleware verifies the bearer JWT of every request. When no issuer is
// configured, authorization is disabled and requests pass through unchanged.
func Middleware(cfg config.AuthorizationConfig, options ...jwtmiddleware.Option) (func(http.Handler) http.Handler, error) {
	if !cfg.Enabled() {
		log.Warn().Msg("authorization: disabled, JWT_ISSUER_URL not set")
		return func(next http.Handler) http.Handler { return next }, nil
	}

	// static key sets avoid a discovery round trip in tests and air-gapped
	// deployments
	jwksConfig := remoteJWKS
	if cfg.ConfigurationStatic != "" {
		jwksConfig = staticJWKS
	}

	issuer, keyFunc, err := jwksConfig(cfg)
	if err != nil {
		return nil, err
	}

	jwtValidator, err := validator.New(
		validator.WithKeyFunc(keyFunc),
		validator.WithAlgorithm(validator.RS256),
		validator.WithIssuer(issuer.String()),
		validator.WithAudience(cfg.Audience),
		validator.WithAllowedClockSkew(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set up the validator: %w", err)
	}

	options = append(options,
		jwtmiddleware.WithErrorHandler(auditErrorHandler()),
		jwtmiddleware.WithValidator(jwtValidator),
	)

	middleware, err := jwtmiddleware.New(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT middleware: %w", err)
	}

	return alice.New(middleware.CheckJWT, auditClaimsMiddleware()).Then, nil
}

type claimsContextKey struct{}

// ContextWithClaims attaches claims directly, bypassing verification. Tests
// only.
func ContextWithClaims(ctx context.Context, claims *validator.ValidatedClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext returns the verified claims, or nil when the request was
// not authorized.
func ClaimsFromContext(ctx context.Context) *validator.ValidatedClaims {
	claims, err := jwtmiddleware.GetClaims[*validator.ValidatedClaims](ctx)
	if err == nil {
		return claims
	}
	claims, _ = ctx.Value(claimsContextKey{}).(*validator.ValidatedClaims)
	return claims
}

func auditClaimsMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry := audit.Log(r.Context())

			if claims := ClaimsFromContext(r.Context()); claims == nil {
				entry.Error = "JWT claims missing from context"
			} else {
				reg := claims.RegisteredClaims
				entry.Authorized = true
				entry.AuthSubject = reg.Subject
				entry.AuthIssuer = reg.Issuer
				entry.AuthAudience = reg.Audience
				entry.AuthExpirySecs = int(reg.Expiry)

				trace.SpanFromContext(r.Context()).SetAttributes(
					attribute.String("auth.subject", reg.Subject),
				)
			}

			next.ServeHTTP(w, r)
		})
	}
}

func auditErrorHandler() jwtmiddleware.ErrorHandler {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		audit.Log(r.Context()).Error = fmt.Sprintf("JWT authorization failure: %s", err.Error())

		// the audit middleware records the status written here
		jwtmiddleware.DefaultErrorHandler(w, r, err)
	}
}

type KeyFunc = func(ctx context.Context) (any, error)

func remoteJWKS(cfg config.AuthorizationConfig) (url.URL, KeyFunc, error) {
	issuerURL, err := url.Parse(cfg.IssuerURL)
	if err != nil {
		return url.URL{}, nil, fmt.Errorf("failed to parse the issuer URL: %w", err)
	}

	provider, err := jwks.NewCachingProvider(
		jwks.WithIssuerURL(issuerURL),
		jwks.WithCacheTTL(5*time.Minute),
	)
	if err != nil {
		return url.URL{}, nil, fmt.Errorf("failed to create JWKS provider: %w", err)
	}

	return *issuerURL, provider.KeyFunc, nil
}

func staticJWKS(cfg config.AuthorizationConfig) (url.URL, KeyFunc, error) {
	issuerURL, err := url.Parse(cfg.IssuerURL)
	if err != nil {
		return url.URL{}, nil, fmt.Errorf("failed to parse the issuer URL: %w", err)
	}

	set, err := jwk.Parse([]byte(cfg.ConfigurationStatic))
	if err != nil {
		return url.URL{}, nil, fmt.Errorf("could not decode jwks: %w", err)
	}

	return *issuerURL, func(context.Context) (any, error) { return set, nil }, nil
}
