package crypto

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/aosedge/aos-core-iam/internal/iamerrors"
)

const (
	// RSAKeyLength is the modulus size used for generated RSA keys.
	RSAKeyLength = 2048

	privateKeyPEMBlockType = "PRIVATE KEY"
)

// ECDSACurve returns the curve used for generated ECDSA keys.
func ECDSACurve() elliptic.Curve {
	return elliptic.P384()
}

// NewKeyPair generates an ECDSA key pair on the default curve.
func NewKeyPair() (crypto.PublicKey, crypto.Signer, error) {
	key, err := ecdsa.GenerateKey(ECDSACurve(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating ECDSA key: %w", err)
	}

	return key.Public(), key, nil
}

// PEMEncodeKey serializes a private key as a PKCS#8 PEM block.
func PEMEncodeKey(key crypto.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMBlockType, Bytes: der}), nil
}

// ParseKeyPEM parses a PKCS#8 PEM-encoded private key.
func ParseKeyPEM(pemData []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", iamerrors.ErrInvalidArgument)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: key type %T is not a signer", iamerrors.ErrNotSupported, key)
	}

	return signer, nil
}

// HashPublicKey returns the SHA-256 digest of the PKIX encoding of key.
func HashPublicKey(key crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}

	hash := sha256.Sum256(der)

	return hash[:], nil
}

// PublicKeysEqual compares two public keys by value.
func PublicKeysEqual(a, b crypto.PublicKey) bool {
	switch key := a.(type) {
	case *rsa.PublicKey:
		other, ok := b.(*rsa.PublicKey)
		return ok && key.Equal(other)

	case *ecdsa.PublicKey:
		other, ok := b.(*ecdsa.PublicKey)
		return ok && key.Equal(other)

	case ed25519.PublicKey:
		other, ok := b.(ed25519.PublicKey)
		return ok && key.Equal(other)

	default:
		aDER, errA := x509.MarshalPKIXPublicKey(a)
		bDER, errB := x509.MarshalPKIXPublicKey(b)

		return errA == nil && errB == nil && bytes.Equal(aDER, bDER)
	}
}
