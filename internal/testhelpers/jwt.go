package testhelpers

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/stretchr/testify/require"
)

// MockIssuer is an OIDC provider that publishes a single RSA signing key
// through discovery, and signs tokens with it.
type MockIssuer struct {
	Server *httptest.Server
	Key    jwk.Key
}

// SetupMockIssuer starts an issuer with a fresh key. The server is closed when
// the test ends.
func SetupMockIssuer(t *testing.T) *MockIssuer {
	t.Helper()

	issuer := &MockIssuer{Key: GenerateJWK(t)}

	router := http.NewServeMux()
	router.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, map[string]string{
			"issuer":   issuer.URL(),
			"jwks_uri": issuer.URL() + "/.well-known/jwks.json",
		})
	})
	router.HandleFunc("GET /.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(issuer.PublicKeySet(t))
	})

	issuer.Server = httptest.NewServer(router)
	t.Cleanup(issuer.Server.Close)

	return issuer
}

func (i *MockIssuer) URL() string {
	return i.Server.URL
}

// PublicKeySet is the JSON key set containing the public half of the signing
// key, as used for JWT_JWKS_STATIC.
func (i *MockIssuer) PublicKeySet(t *testing.T) []byte {
	t.Helper()

	public, err := jwk.PublicKeyOf(i.Key)
	require.NoError(t, err)

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(public))

	data, err := json.Marshal(set)
	require.NoError(t, err)

	return data
}

// Token signs a token issued by this issuer for the given subject and
// audience, valid for the next minute. Modify adjusts the claims before
// signing.
func (i *MockIssuer) Token(t *testing.T, subject, audience string, modify ...func(jwt.Token)) string {
	t.Helper()

	now := time.Now().UTC()
	tok, err := jwt.NewBuilder().
		Issuer(i.URL()).
		Subject(subject).
		Audience([]string{audience}).
		IssuedAt(now).
		NotBefore(now.Add(-time.Minute)).
		Expiration(now.Add(time.Minute)).
		Build()
	require.NoError(t, err)

	for _, m := range modify {
		m(tok)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256(), i.Key))
	require.NoError(t, err)

	return string(signed)
}

// GenerateJWK creates an RSA signing key with a fixed key ID.
func GenerateJWK(t *testing.T) jwk.Key {
	t.Helper()

	private, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.Import(private)
	require.NoError(t, err)

	require.NoError(t, key.Set(jwk.KeyIDKey, "test-kid"))
	require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.RS256()))
	require.NoError(t, key.Set(jwk.KeyUsageKey, "sig"))

	return key
}
