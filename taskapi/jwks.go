package taskapi

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"
)

// jwkSet is the minimal JWKS wire shape needed to resolve RS256 signing
// keys by kid; golang-jwt/jwt/v5 parses and verifies tokens but does not
// itself fetch or decode a JWK set.
type jwkSet struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// NewJWKSKeyFetcher returns a KeyFetcher that fetches jwksURL on every
// uncached lookup and resolves an RSA public key by kid. Authenticator
// applies its own TTL cache on top, so this performs one HTTP round trip
// per cache-refresh interval rather than per request.
func NewJWKSKeyFetcher(jwksURL string, httpClient *http.Client) KeyFetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context, kid string) (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("taskapi: jwks fetch returned status %d", resp.StatusCode)
		}
		var set jwkSet
		if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
			return nil, err
		}
		for _, k := range set.Keys {
			if k.Kid != kid || k.Kty != "RSA" {
				continue
			}
			return rsaPublicKeyFromJWK(k)
		}
		return nil, fmt.Errorf("taskapi: no jwks key found for kid %q", kid)
	}
}

func rsaPublicKeyFromJWK(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("taskapi: decode jwk modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("taskapi: decode jwk exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}
