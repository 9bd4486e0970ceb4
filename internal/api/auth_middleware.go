package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/scholarstream/application-service/internal/app"
)

type contextKey string

const actorContextKey contextKey = "actor"

// AuthMiddlewareConfig controls how incoming requests are authenticated.
type AuthMiddlewareConfig struct {
	JWKSURL          string
	ExpectedAudience string
	ExpectedIssuer   string
}

// TokenVerifier turns a bearer token into the caller's identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (app.Actor, error)
}

type jwksVerifier struct {
	jwksURL          string
	expectedAudience string
	expectedIssuer   string
	httpClient       *http.Client
	cacheTTL         time.Duration

	mu       sync.RWMutex
	expires  time.Time
	keyByKID map[string]*rsa.PublicKey
}

// NewJWKSVerifier validates RS256 tokens against the identity provider's key set.
func NewJWKSVerifier(cfg AuthMiddlewareConfig) TokenVerifier {
	return &jwksVerifier{
		jwksURL:          strings.TrimSpace(cfg.JWKSURL),
		expectedAudience: strings.TrimSpace(cfg.ExpectedAudience),
		expectedIssuer:   strings.TrimSpace(cfg.ExpectedIssuer),
		httpClient:       &http.Client{Timeout: 5 * time.Second},
		cacheTTL:         10 * time.Minute,
		keyByKID:         map[string]*rsa.PublicKey{},
	}
}

// AuthMiddleware rejects requests without a valid bearer token and stores the
// caller's Actor in the request context.
func AuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if authHeader == "" {
				http.Error(w, "Authorization required", http.StatusUnauthorized)
				return
			}
			tokenString, ok := bearerToken(authHeader)
			if !ok {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			actor, err := verifier.Verify(r.Context(), tokenString)
			if err != nil {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// WithActor stores actor in ctx.
func WithActor(ctx context.Context, actor app.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

// ActorFromContext returns the authenticated caller.
func ActorFromContext(ctx context.Context) (app.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey).(app.Actor)
	return actor, ok
}

func bearerToken(authHeader string) (string, bool) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}

	return token, true
}

func (v *jwksVerifier) Verify(ctx context.Context, tokenString string) (app.Actor, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}), jwt.WithLeeway(30*time.Second))
	claims := jwt.MapClaims{}

	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || strings.TrimSpace(kid) == "" {
			return nil, errors.New("missing kid in token")
		}
		return v.getPublicKey(ctx, kid)
	})
	if err != nil || !token.Valid {
		return app.Actor{}, errors.New("token validation failed")
	}

	if v.expectedIssuer != "" {
		issuer, ok := claims["iss"].(string)
		if !ok || issuer != v.expectedIssuer {
			return app.Actor{}, errors.New("issuer mismatch")
		}
	}
	if v.expectedAudience != "" && !verifyAudienceClaim(claims["aud"], v.expectedAudience) {
		return app.Actor{}, errors.New("audience mismatch")
	}

	sub, ok := claims["sub"].(string)
	if !ok || strings.TrimSpace(sub) == "" {
		return app.Actor{}, errors.New("subject claim missing")
	}

	return app.Actor{
		UserID: sub,
		Email:  extractEmailClaim(claims),
		Name:   extractNameClaim(claims),
		Roles:  extractRoleClaims(claims),
	}, nil
}

func verifyAudienceClaim(audClaim any, expected string) bool {
	switch aud := audClaim.(type) {
	case string:
		return aud == expected
	case []any:
		for _, item := range aud {
			s, ok := item.(string)
			if ok && s == expected {
				return true
			}
		}
	case []string:
		for _, item := range aud {
			if item == expected {
				return true
			}
		}
	}
	return false
}

func (v *jwksVerifier) getPublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key := v.getCachedKey(kid); key != nil {
		return key, nil
	}

	if err := v.refreshKeys(ctx); err != nil {
		return nil, err
	}

	if key := v.getCachedKey(kid); key != nil {
		return key, nil
	}

	return nil, fmt.Errorf("key not found for kid %s", kid)
}

func (v *jwksVerifier) getCachedKey(kid string) *rsa.PublicKey {
	now := time.Now()

	v.mu.RLock()
	defer v.mu.RUnlock()

	if now.After(v.expires) {
		return nil
	}
	return v.keyByKID[kid]
}

func (v *jwksVerifier) refreshKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var payload struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return err
	}

	keys := map[string]*rsa.PublicKey{}
	for _, key := range payload.Keys {
		if key.Kid == "" || key.Kty != "RSA" || key.N == "" || key.E == "" {
			continue
		}
		pub, err := parseRSAPublicKey(key.N, key.E)
		if err != nil {
			continue
		}
		keys[key.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("no usable RSA keys in JWKS")
	}

	v.mu.Lock()
	v.keyByKID = keys
	v.expires = time.Now().Add(v.cacheTTL)
	v.mu.Unlock()

	return nil
}

func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}
	if exp == 0 {
		return nil, errors.New("invalid exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(exp),
	}, nil
}

// nestedClaims returns the claim maps that may carry profile data, top level first.
func nestedClaims(claims jwt.MapClaims) []map[string]any {
	out := []map[string]any{claims}
	for _, key := range []string{"https://clerk.dev/claims", "public_metadata", "metadata"} {
		if nested, ok := claims[key].(map[string]any); ok {
			out = append(out, nested)
		}
	}
	return out
}

func extractEmailClaim(claims jwt.MapClaims) string {
	for _, source := range nestedClaims(claims) {
		for _, key := range []string{"email", "email_address", "primary_email_address"} {
			if value, ok := source[key].(string); ok {
				if trimmed := strings.ToLower(strings.TrimSpace(value)); trimmed != "" {
					return trimmed
				}
			}
		}
	}
	return ""
}

func extractNameClaim(claims jwt.MapClaims) string {
	for _, source := range nestedClaims(claims) {
		if value, ok := source["name"].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
		first, _ := source["given_name"].(string)
		last, _ := source["family_name"].(string)
		if full := strings.TrimSpace(first + " " + last); full != "" {
			return full
		}
	}
	return ""
}

func extractRoleClaims(claims jwt.MapClaims) []string {
	seen := map[string]struct{}{}
	roles := make([]string, 0)
	add := func(role string) {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" {
			return
		}
		if _, dup := seen[role]; dup {
			return
		}
		seen[role] = struct{}{}
		roles = append(roles, role)
	}

	for _, source := range nestedClaims(claims) {
		for _, key := range []string{"role", "roles"} {
			switch value := source[key].(type) {
			case string:
				for _, part := range strings.Split(value, ",") {
					add(part)
				}
			case []any:
				for _, item := range value {
					if s, ok := item.(string); ok {
						add(s)
					}
				}
			}
		}
	}
	return roles
}
