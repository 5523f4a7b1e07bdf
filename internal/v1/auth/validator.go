// Package auth validates the credentials presented at join time. Host and
// ghost joins require a signed credential whose scope carries the host grant;
// everyone else joins with at most a display name.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/vireomeet/sfu-core/internal/v1/logging"
)

// ScopeHost is the OAuth scope that grants host/ghost privileges.
const ScopeHost = "meeting:host"

// CustomClaims represents the claims carried by a host credential.
type CustomClaims struct {
	Scope string `json:"scope"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// HasHostScope reports whether the credential grants host privileges.
func (c *CustomClaims) HasHostScope() bool {
	for _, s := range strings.Fields(c.Scope) {
		if s == ScopeHost {
			return true
		}
	}
	return false
}

// Validator provides credential validation, either against a JWKS endpoint
// (production identity provider) or an HMAC secret (self-hosted deployments).
type Validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience []string
	methods  []string
}

// NewValidator creates a Validator backed by the identity provider's JWKS.
// It registers the JWKS endpoint with a refreshing cache and fetches the keys
// once to ensure connectivity.
func NewValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	// Fetch the keys for the first time to ensure connectivity.
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	return &Validator{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: []string{audience},
		methods:  []string{"RS256"},
	}, nil
}

// NewHMACValidator creates a Validator that verifies HS256 credentials signed
// with the shared server secret. Used when no identity provider is configured.
func NewHMACValidator(secret string) *Validator {
	return &Validator{
		keyFunc: func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		},
		methods: []string{"HS256"},
	}
}

// ValidateToken parses and validates a credential string, returning its
// claims when valid.
func (v *Validator) ValidateToken(tokenString string) (*CustomClaims, error) {
	parseOpts := []jwt.ParserOption{jwt.WithValidMethods(v.methods)}
	if v.issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.issuer))
	}
	if len(v.audience) > 0 {
		parseOpts = append(parseOpts, jwt.WithAudience(v.audience[0]))
	}

	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, v.keyFunc, parseOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, errors.New("failed to cast claims to CustomClaims")
	}

	return claims, nil
}

// GetAllowedOriginsFromEnv reads a comma-separated origin allow-list.
// Example: ALLOWED_ORIGINS="http://localhost:3000,https://meet.vireo.app"
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins: %s", envVarName, defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}
