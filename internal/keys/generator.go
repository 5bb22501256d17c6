package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
)

// DefaultKeyBits is the modulus size of every generated key.
const DefaultKeyBits = 2048

// Generator produces fresh RSA key pairs.
type Generator interface {
	Generate() (*rsa.PrivateKey, error)
}

// RSAGenerator generates keys from crypto/rand (public exponent 65537).
type RSAGenerator struct {
	Bits int
}

// gen RSA key pair
func (g RSAGenerator) Generate() (*rsa.PrivateKey, error) {
	bits := g.Bits
	if bits == 0 {
		bits = DefaultKeyBits
	}

	privKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	return privKey, nil
}

// GeneratorFunc adapts a func to Generator.
type GeneratorFunc func() (*rsa.PrivateKey, error)

func (f GeneratorFunc) Generate() (*rsa.PrivateKey, error) {
	return f()
}
