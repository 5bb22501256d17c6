package keys

import (
	"crypto/rsa"
	"strconv"
	"time"
)

// Key is a stored RSA key pair w/ metadata.
type Key struct {
	ID         int64
	Expiry     time.Time
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
}

// KID returns the id as it appears in JWT headers and JWKs.
func (k *Key) KID() string {
	return strconv.FormatInt(k.ID, 10)
}

// check if key expired; whole seconds, exp <= now counts as expired
func (k *Key) IsExpired(now time.Time) bool {
	return k.Expiry.Unix() <= now.Unix()
}

// ToJWK encodes the public half of the key.
func (k *Key) ToJWK() (JWK, error) {
	return ToJWK(k.PublicKey, k.KID())
}

// truncate to the precision the stores keep
func toExpiry(t time.Time) time.Time {
	return time.Unix(t.Unix(), 0)
}
