package api

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newJWKSServer(t *testing.T, key *rsa.PrivateKey, kid string) *httptest.Server {
	t.Helper()
	payload := map[string]any{
		"keys": []map[string]string{{
			"kid": kid,
			"kty": "RSA",
			"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}},
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(payload)
	}))
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestJWKSVerifier_BuildsActor(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwks := newJWKSServer(t, key, "kid-1")
	defer jwks.Close()

	verifier := NewJWKSVerifier(AuthMiddlewareConfig{JWKSURL: jwks.URL, ExpectedIssuer: "https://issuer.test", ExpectedAudience: "scholarstream"})
	token := signToken(t, key, "kid-1", jwt.MapClaims{
		"sub":  "user_42",
		"iss":  "https://issuer.test",
		"aud":  []string{"scholarstream"},
		"exp":  time.Now().Add(time.Hour).Unix(),
		"name": "Ada Student",
		"https://clerk.dev/claims": map[string]any{
			"email": "Ada@Example.com",
			"roles": []string{"Moderator"},
		},
	})

	actor, err := verifier.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("expected valid token, got %v", err)
	}
	if actor.UserID != "user_42" || actor.Email != "ada@example.com" || actor.Name != "Ada Student" {
		t.Fatalf("unexpected actor: %+v", actor)
	}
	if len(actor.Roles) != 1 || actor.Roles[0] != "moderator" {
		t.Fatalf("expected moderator role, got %v", actor.Roles)
	}

	wrongIssuer := signToken(t, key, "kid-1", jwt.MapClaims{
		"sub": "user_42",
		"iss": "https://elsewhere.test",
		"aud": "scholarstream",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := verifier.Verify(context.Background(), wrongIssuer); err == nil {
		t.Fatal("expected issuer mismatch to fail")
	}

	expired := signToken(t, key, "kid-1", jwt.MapClaims{
		"sub": "user_42",
		"iss": "https://issuer.test",
		"aud": "scholarstream",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	if _, err := verifier.Verify(context.Background(), expired); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestExtractRoleClaims(t *testing.T) {
	claims := jwt.MapClaims{
		"role":            "admin, moderator",
		"public_metadata": map[string]any{"role": "Moderator"},
		"metadata":        map[string]any{"roles": []any{"reviewer", 7}},
	}
	roles := extractRoleClaims(claims)
	want := []string{"admin", "moderator", "reviewer"}
	if len(roles) != len(want) {
		t.Fatalf("expected %v, got %v", want, roles)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, roles)
		}
	}
}

func TestBearerToken(t *testing.T) {
	if _, ok := bearerToken("Basic abc"); ok {
		t.Fatal("expected non-bearer scheme to be rejected")
	}
	if _, ok := bearerToken("Bearer   "); ok {
		t.Fatal("expected empty bearer token to be rejected")
	}
	if token, ok := bearerToken("Bearer abc.def"); !ok || token != "abc.def" {
		t.Fatalf("expected token, got %q", token)
	}
}
