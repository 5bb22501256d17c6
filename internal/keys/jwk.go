package keys

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/big"

	jose "github.com/go-jose/go-jose/v4"
)

// JWK is an RSA public key in RFC 7517 form.
type JWK struct {
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	Kid string `json:"kid"`
}

// JWKS response format
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// ToJWK encodes n and e as minimal big-endian bytes, base64url without padding.
func ToJWK(pub *rsa.PublicKey, kid string) (JWK, error) {
	if pub == nil || pub.N == nil || pub.N.Sign() <= 0 {
		return JWK{}, fmt.Errorf("%w: missing modulus for kid %s", ErrEncoding, kid)
	}
	if pub.E <= 0 {
		return JWK{}, fmt.Errorf("%w: invalid exponent %d for kid %s", ErrEncoding, pub.E, kid)
	}

	return JWK{
		Kty: "RSA",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		Alg: "RS256",
		Use: "sig",
		Kid: kid,
	}, nil
}

// PublicKeyFromJWK rebuilds the RSA public key a JWK describes.
func PublicKeyFromJWK(jwk JWK) (*rsa.PublicKey, error) {
	raw, err := json.Marshal(jwk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}

	var jk jose.JSONWebKey
	if err := jk.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("%w: decode key %s: %v", ErrEncoding, jwk.Kid, err)
	}
	return RSAPublicKey(jk)
}

// RSAPublicKey extracts a usable RSA verification key from a decoded JWK.
func RSAPublicKey(jk jose.JSONWebKey) (*rsa.PublicKey, error) {
	pub, ok := jk.Key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: key %s is %T, not RSA", ErrEncoding, jk.KeyID, jk.Key)
	}
	if pub.N == nil || pub.N.Sign() <= 0 || pub.E <= 1 || pub.E > math.MaxInt32 {
		return nil, fmt.Errorf("%w: malformed key %s", ErrEncoding, jk.KeyID)
	}
	return pub, nil
}

// Find returns the JWK w/ the given kid.
func (s JWKS) Find(kid string) (JWK, bool) {
	for _, k := range s.Keys {
		if k.Kid == kid {
			return k, true
		}
	}
	return JWK{}, false
}
