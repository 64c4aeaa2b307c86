package authx

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

func TestParseTenants(t *testing.T) {
	claims := map[string]any{
		"tenant_id": "t-1",
		"tenants":   []any{"t-2", "t-1"},
	}
	got := parseTenants(claims)
	if len(got) != 2 || got[0] != "t-1" || got[1] != "t-2" {
		t.Fatalf("unexpected tenants %v", got)
	}
	if (AuthContext{}).AllowsTenant("t-1") {
		t.Fatalf("token without tenant claims must not grant a tenant")
	}
}

func TestNewJWTVerifierValidation(t *testing.T) {
	if _, err := NewJWTVerifier("", "aud", "", 60, 0); err == nil {
		t.Fatalf("expected error for missing issuer")
	}
}

func jwksServer(t *testing.T, pub *rsa.PublicKey, kid string) *httptest.Server {
	t.Helper()
	key, err := jwk.FromRaw(pub)
	if err != nil {
		t.Fatalf("jwk from raw: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		t.Fatalf("set kid: %v", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		t.Fatalf("add key: %v", err)
	}
	body, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal set: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVerifyExtractsTenantClaims(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := jwksServer(t, &priv.PublicKey, "k1")
	v, err := NewJWTVerifier("https://issuer.test", "pm-core", srv.URL, 60, 0)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":       "https://issuer.test",
		"aud":       "pm-core",
		"sub":       "user-7",
		"tenant_id": "tenant-a",
		"exp":       now.Add(time.Hour).Unix(),
		"nbf":       now.Add(-time.Minute).Unix(),
	})
	tok.Header["kid"] = "k1"
	raw, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	auth, err := v.Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if auth.Subject != "user-7" || !auth.AllowsTenant("tenant-a") || auth.AllowsTenant("tenant-b") {
		t.Fatalf("unexpected auth context %+v", auth)
	}

	if _, err := v.Verify(context.Background(), raw+"x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for tampered token, got %v", err)
	}
}
