package db

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"jwks-srv/internal/crypto"
	"jwks-srv/internal/keys"
)

const pemTypeRSA = "RSA PRIVATE KEY"

// codec turns private keys into encrypted PKCS1 PEM blobs and back
type codec struct {
	enc *crypto.Encryptor
}

func (c codec) seal(priv *rsa.PrivateKey) (blob, iv []byte, err error) {
	if priv == nil {
		return nil, nil, fmt.Errorf("%w: nil private key", keys.ErrEncoding)
	}

	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  pemTypeRSA,
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})

	blob, iv, err = c.enc.Seal(pemData)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encrypt private key: %w", err)
	}
	return blob, iv, nil
}

func (c codec) open(kid int64, blob, iv []byte) (*rsa.PrivateKey, error) {
	pemData, err := c.enc.Open(blob, iv)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt key %d: %v", keys.ErrEncoding, kid, err)
	}

	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != pemTypeRSA {
		return nil, fmt.Errorf("%w: invalid PEM block for key %d", keys.ErrEncoding, kid)
	}

	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse key %d: %v", keys.ErrEncoding, kid, err)
	}
	return priv, nil
}

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Row
type rowScanner interface {
	Scan(dest ...any) error
}

func (c codec) scanKey(row rowScanner) (*keys.Key, error) {
	var (
		kid, exp int64
		blob, iv []byte
	)
	if err := row.Scan(&kid, &blob, &iv, &exp); err != nil {
		return nil, err
	}

	priv, err := c.open(kid, blob, iv)
	if err != nil {
		return nil, err
	}

	return &keys.Key{
		ID:         kid,
		Expiry:     unixTime(exp),
		PrivateKey: priv,
		PublicKey:  &priv.PublicKey,
	}, nil
}
