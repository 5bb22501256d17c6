// Package jwt issues and verifies the RS256 tokens of the service.
package jwt

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwtv5 "github.com/golang-jwt/jwt/v5"

	"jwks-srv/internal/keys"
	"jwks-srv/internal/metrics"
)

const (
	// DefaultSubject is the mock user every token is issued for.
	DefaultSubject = "user123"

	DefaultTTL = 10 * time.Minute
)

// KeySource lends a signing key for the duration of fn.
type KeySource interface {
	WithSigningKey(ctx context.Context, expired bool, fn func(*keys.Key) error) error
}

// Issued is a signed token plus the key that signed it.
type Issued struct {
	Token     string
	KeyID     int64
	ExpiresAt time.Time
}

type Options struct {
	Subject string
	Issuer  string // omitted from the payload when empty
	TTL     time.Duration
	Metrics *metrics.Metrics
}

// Issuer signs tokens w/ keys borrowed from a KeySource.
type Issuer struct {
	keys    KeySource
	opts    Options
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewIssuer(src KeySource, opts Options) *Issuer {
	if opts.Subject == "" {
		opts.Subject = DefaultSubject
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Issuer{keys: src, opts: opts, metrics: opts.Metrics, now: time.Now}
}

// Issue signs a token w/ the best valid key, or w/ an expired key and an
// exp already in the past when wantExpired is set.
func (i *Issuer) Issue(ctx context.Context, wantExpired bool) (*Issued, error) {
	kind := "valid"
	if wantExpired {
		kind = "expired"
	}

	var issued *Issued
	err := i.keys.WithSigningKey(ctx, wantExpired, func(k *keys.Key) error {
		now := i.now()
		exp := now.Add(i.opts.TTL)
		if wantExpired {
			exp = now.Add(-i.opts.TTL)
		}

		claims := jwtv5.RegisteredClaims{
			Issuer:    i.opts.Issuer,
			Subject:   i.opts.Subject,
			IssuedAt:  jwtv5.NewNumericDate(now),
			ExpiresAt: jwtv5.NewNumericDate(exp),
		}

		token, err := Sign(k.PrivateKey, k.KID(), claims)
		if err != nil {
			return err
		}

		issued = &Issued{Token: token, KeyID: k.ID, ExpiresAt: claims.ExpiresAt.Time}
		return nil
	})
	if err != nil {
		i.metrics.RecordToken(kind, "error")
		return nil, err
	}

	i.metrics.RecordToken(kind, "ok")
	return issued, nil
}

// Sign creates an RS256 JWT w/ kid in the header.
func Sign(privKey *rsa.PrivateKey, kid string, claims jwtv5.Claims) (string, error) {
	if privKey == nil {
		return "", fmt.Errorf("%w: nil private key for kid %s", keys.ErrEncoding, kid)
	}

	token := jwtv5.NewWithClaims(jwtv5.SigningMethodRS256, claims)
	token.Header["kid"] = kid

	signed, err := token.SignedString(privKey)
	if err != nil {
		return "", fmt.Errorf("%w: signing error: %v", keys.ErrEncoding, err)
	}
	return signed, nil
}

// KeyfuncFromKeySet resolves the verification key by the token's kid.
func KeyfuncFromKeySet(set jose.JSONWebKeySet) jwtv5.Keyfunc {
	return func(t *jwtv5.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid")
		}

		found := set.Key(kid)
		if len(found) == 0 {
			return nil, fmt.Errorf("kid %s: %w", kid, keys.ErrNotFound)
		}
		return keys.RSAPublicKey(found[0])
	}
}

// DecodeKeySet parses a JWKS document.
func DecodeKeySet(r io.Reader) (jose.JSONWebKeySet, error) {
	var set jose.JSONWebKeySet
	if err := json.NewDecoder(r).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("%w: invalid JWKS: %v", keys.ErrEncoding, err)
	}
	return set, nil
}

// KeyfuncFromJWKS is KeyfuncFromKeySet for a set this service published.
func KeyfuncFromJWKS(set keys.JWKS) jwtv5.Keyfunc {
	raw, err := json.Marshal(set)
	if err != nil {
		return func(*jwtv5.Token) (any, error) { return nil, err }
	}

	decoded, err := DecodeKeySet(bytes.NewReader(raw))
	if err != nil {
		return func(*jwtv5.Token) (any, error) { return nil, err }
	}
	return KeyfuncFromKeySet(decoded)
}

// Verify checks the signature and the registered claims, RS256 only.
func Verify(tokenString string, keyfunc jwtv5.Keyfunc) (*jwtv5.RegisteredClaims, error) {
	claims := &jwtv5.RegisteredClaims{}
	_, err := jwtv5.ParseWithClaims(tokenString, claims, keyfunc,
		jwtv5.WithValidMethods([]string{jwtv5.SigningMethodRS256.Alg()}),
		jwtv5.WithIssuedAt(),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// ParseUnverified decodes header and claims without checking anything.
func ParseUnverified(tokenString string) (map[string]any, *jwtv5.RegisteredClaims, error) {
	claims := &jwtv5.RegisteredClaims{}
	token, _, err := jwtv5.NewParser().ParseUnverified(tokenString, claims)
	if err != nil {
		return nil, nil, err
	}
	return token.Header, claims, nil
}
