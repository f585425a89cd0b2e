package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newJWKSServer(t *testing.T, publicKey rsa.PublicKey, keyID string, hits *int32) *httptest.Server {
	t.Helper()
	jwksResponse := map[string]any{
		"keys": []any{map[string]string{
			"kty": "RSA",
			"alg": "RS256",
			"kid": keyID,
			"use": "sig",
			"n":   encodeBigInt(publicKey.N),
			"e":   encodeBigInt(publicKey.E),
		}},
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		if r.URL.Path != "/auth/v1/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(jwksResponse)
	}))
}

func TestSessionValidatorAcceptsRS256TokenFromJWKS(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	var hits int32
	jwksServer := newJWKSServer(t, privateKey.PublicKey, "test-key", &hits)
	defer jwksServer.Close()

	keySet, err := NewKeySet(KeySetConfig{
		URL:        jwksServer.URL + "/auth/v1/.well-known/jwks.json",
		HTTPClient: jwksServer.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected key set error: %v", err)
	}
	validator, err := NewSessionValidator(SessionValidatorConfig{
		KeySource:  keySet,
		Issuer:     testSessionIssuer,
		CookieName: testSessionCookieName,
	})
	if err != nil {
		t.Fatalf("unexpected validator error: %v", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, testSessionClaims(time.Now(), UserMetadataClaims{Role: "admin"}))
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(privateKey)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		claims, err := validator.ValidateToken(context.Background(), signed)
		if err != nil {
			t.Fatalf("expected verification to succeed: %v", err)
		}
		if claims.UserMetadata.Role != "admin" {
			t.Fatalf("unexpected role claim %q", claims.UserMetadata.Role)
		}
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected jwks to be fetched once and cached, got %d fetches", hits)
	}

	hsOnly := signTestSession(t, testSessionClaims(time.Now(), UserMetadataClaims{}))
	if _, err := validator.ValidateToken(context.Background(), hsOnly); err == nil {
		t.Fatalf("expected hs256 token to be rejected when only jwks is configured")
	}
}

func TestKeySetReportsUnknownKey(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	jwksServer := newJWKSServer(t, privateKey.PublicKey, "known", nil)
	defer jwksServer.Close()

	keySet, err := NewKeySet(KeySetConfig{
		URL:        jwksServer.URL + "/auth/v1/.well-known/jwks.json",
		HTTPClient: jwksServer.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected key set error: %v", err)
	}
	if _, err := keySet.Lookup(context.Background(), "unknown"); !errors.Is(err, errKeyNotFound) {
		t.Fatalf("expected key not found, got %v", err)
	}
}

func TestNewKeySetRequiresURL(t *testing.T) {
	_, err := NewKeySet(KeySetConfig{URL: " "})
	if !errors.Is(err, ErrInvalidKeySetConfig) {
		t.Fatalf("expected invalid key set config error, got %v", err)
	}
}

func encodeBigInt(value interface{}) string {
	switch v := value.(type) {
	case *big.Int:
		return base64.RawURLEncoding.EncodeToString(v.Bytes())
	case int:
		return base64.RawURLEncoding.EncodeToString(big.NewInt(int64(v)).Bytes())
	default:
		return ""
	}
}
