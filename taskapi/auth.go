package taskapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/legalflow/clausereview/apperr"
)

type ctxKey int

const userIDKey ctxKey = iota

// KeyFetcher resolves the signing key for a token's key id, typically
// backed by an HTTP fetch of a provider's JWK set.
type KeyFetcher func(ctx context.Context, keyID string) (any, error)

// Authenticator verifies bearer tokens against a JWKS, caching the
// resolved key set for a bounded TTL so every request doesn't refetch it.
type Authenticator struct {
	fetch    KeyFetcher
	audience string
	ttl      time.Duration

	mu       sync.Mutex
	cachedAt time.Time
	keyCache map[string]any
}

// NewAuthenticator builds an Authenticator that resolves signing keys via
// fetch, caching results for ttl.
func NewAuthenticator(fetch KeyFetcher, audience string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Authenticator{fetch: fetch, audience: audience, ttl: ttl, keyCache: make(map[string]any)}
}

// VerifySubject validates tokenStr and returns the token's subject claim
// (the user id). Missing/invalid/expired tokens yield apperr.KindUnauthorized.
func (a *Authenticator) VerifySubject(ctx context.Context, tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return a.resolveKey(ctx, kid)
	}, jwt.WithValidMethods([]string{"RS256", "ES256"}))
	if err != nil || !token.Valid {
		return "", apperr.New(apperr.KindUnauthorized, "invalid bearer token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", apperr.New(apperr.KindUnauthorized, "invalid token claims")
	}
	if a.audience != "" {
		if !claims.VerifyAudience(a.audience, true) {
			return "", apperr.New(apperr.KindUnauthorized, "token audience mismatch")
		}
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", apperr.New(apperr.KindUnauthorized, "token missing subject claim")
	}
	return sub, nil
}

func (a *Authenticator) resolveKey(ctx context.Context, kid string) (any, error) {
	a.mu.Lock()
	if key, ok := a.keyCache[kid]; ok && time.Since(a.cachedAt) < a.ttl {
		a.mu.Unlock()
		return key, nil
	}
	a.mu.Unlock()

	key, err := a.fetch(ctx, kid)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.keyCache[kid] = key
	a.cachedAt = time.Now()
	a.mu.Unlock()
	return key, nil
}

// Middleware resolves the bearer token on every request into a user id
// stored in the request context, responding 401 directly for missing or
// invalid tokens.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			writeError(w, apperr.New(apperr.KindUnauthorized, "missing bearer token"))
			return
		}
		userID, err := a.VerifySubject(r.Context(), tokenStr)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserIDFromContext returns the authenticated user id stashed by Middleware.
func UserIDFromContext(ctx context.Context) (string, error) {
	v, ok := ctx.Value(userIDKey).(string)
	if !ok || v == "" {
		return "", errors.New("taskapi: no authenticated user in context")
	}
	return v, nil
}
