// Package identity verifies opaque identity tokens and exposes the decoded
// claim set. The relay core only ever consumes the resulting claims map; it
// never inspects tokens itself.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the decoded claim set attached to an identified user.
type Claims map[string]any

// Verifier turns an opaque token into a claim set or fails.
type Verifier interface {
	Verify(token string) (Claims, error)
}

var (
	ErrNotConfigured = errors.New("token verification is not configured")
	ErrExpired       = errors.New("token is expired")
)

// Options configure JWT verification.
type Options struct {
	// PublicKeyPEM holds the PEM-encoded verification key (Ed25519, RSA or
	// ECDSA public key).
	PublicKeyPEM []byte
	Issuer       string
	Audience     string
	// IgnoreExpired accepts tokens whose exp has passed, to tolerate client
	// clock skew. The signature is still verified.
	IgnoreExpired bool
	Now           func() time.Time
}

// JWTVerifier validates JWS tokens against a configured public key.
type JWTVerifier struct {
	key           any
	issuer        string
	audience      string
	ignoreExpired bool
	now           func() time.Time
	parser        *jwt.Parser
}

var acceptedMethods = []string{"EdDSA", "RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// NewJWTVerifier parses the verification key and returns a verifier.
func NewJWTVerifier(opts Options) (*JWTVerifier, error) {
	if len(opts.PublicKeyPEM) == 0 {
		return nil, ErrNotConfigured
	}
	key, err := parsePublicKey(opts.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse verification key: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &JWTVerifier{
		key:           key,
		issuer:        opts.Issuer,
		audience:      opts.Audience,
		ignoreExpired: opts.IgnoreExpired,
		now:           now,
		// Time-based claims are validated by hand below so that expired
		// tokens can be tolerated when configured.
		parser: jwt.NewParser(jwt.WithValidMethods(acceptedMethods), jwt.WithoutClaimsValidation()),
	}, nil
}

// Verify checks the token signature and registered claims, returning the
// full decoded claim set on success.
func (v *JWTVerifier) Verify(token string) (Claims, error) {
	parsed := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(token, parsed, func(*jwt.Token) (any, error) {
		return v.key, nil
	}); err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	if v.issuer != "" {
		issuer, err := parsed.GetIssuer()
		if err != nil || issuer != v.issuer {
			return nil, fmt.Errorf("token issuer %q does not match %q", issuer, v.issuer)
		}
	}
	if v.audience != "" {
		audience, err := parsed.GetAudience()
		if err != nil || !contains(audience, v.audience) {
			return nil, fmt.Errorf("token audience %v does not include %q", audience, v.audience)
		}
	}

	now := v.now()
	if exp, err := parsed.GetExpirationTime(); err == nil && exp != nil {
		if now.After(exp.Time) && !v.ignoreExpired {
			return nil, fmt.Errorf("%w since %s", ErrExpired, exp.Time)
		}
	}
	if nbf, err := parsed.GetNotBefore(); err == nil && nbf != nil {
		if now.Before(nbf.Time) {
			return nil, fmt.Errorf("token not valid before %s", nbf.Time)
		}
	}

	return Claims(parsed), nil
}

// Name extracts the display name from a claim set: the configured name claim
// if present, else the subject.
func (c Claims) Name(nameClaim string) string {
	if nameClaim != "" {
		if name, ok := c[nameClaim].(string); ok {
			return name
		}
	}
	name, _ := c["sub"].(string)
	return name
}

// Roles extracts a string-slice role claim. JSON decoding yields []any, so
// both representations are handled.
func (c Claims) Roles(rolesClaim string) []string {
	switch v := c[rolesClaim].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// HasRole reports whether the claim set carries the given role.
func (c Claims) HasRole(rolesClaim, role string) bool {
	return contains(c.Roles(rolesClaim), role)
}

func parsePublicKey(pemBytes []byte) (any, error) {
	if key, err := jwt.ParseEdPublicKeyFromPEM(pemBytes); err == nil {
		return key, nil
	}
	if key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes); err == nil {
		return key, nil
	}
	if key, err := jwt.ParseECPublicKeyFromPEM(pemBytes); err == nil {
		return key, nil
	}
	return nil, errors.New("unsupported public key format")
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
