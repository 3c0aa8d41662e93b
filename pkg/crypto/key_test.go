package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"testing"
)

func TestKeyPEMRoundTrip(t *testing.T) {
	_, signer, err := NewKeyPair()
	if err != nil {
		t.Fatalf("NewKeyPair returned error: %v", err)
	}

	pemBytes, err := PEMEncodeKey(signer)
	if err != nil {
		t.Fatalf("PEMEncodeKey returned error: %v", err)
	}

	parsed, err := ParseKeyPEM(pemBytes)
	if err != nil {
		t.Fatalf("ParseKeyPEM returned error: %v", err)
	}

	if !PublicKeysEqual(signer.Public(), parsed.Public()) {
		t.Fatalf("parsed key does not match original")
	}
}

func TestParseKeyPEM_InvalidInput(t *testing.T) {
	if _, err := ParseKeyPEM([]byte("not a pem block")); err == nil {
		t.Error("expected error for invalid input")
	}
}

func TestHashPublicKeyIsStable(t *testing.T) {
	pub, _, err := NewKeyPair()
	if err != nil {
		t.Fatalf("NewKeyPair returned error: %v", err)
	}

	first, err := HashPublicKey(pub)
	if err != nil {
		t.Fatalf("HashPublicKey returned error: %v", err)
	}

	second, err := HashPublicKey(pub)
	if err != nil {
		t.Fatalf("HashPublicKey returned error: %v", err)
	}

	if string(first) != string(second) {
		t.Fatal("hash is not stable")
	}
}

func TestPublicKeysEqual(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}

	ecdsaKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate ECDSA key: %v", err)
	}

	otherECDSAKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate ECDSA key: %v", err)
	}

	if !PublicKeysEqual(rsaKey.Public(), rsaKey.Public()) {
		t.Error("identical RSA keys reported unequal")
	}

	if !PublicKeysEqual(ecdsaKey.Public(), ecdsaKey.Public()) {
		t.Error("identical ECDSA keys reported unequal")
	}

	if PublicKeysEqual(ecdsaKey.Public(), otherECDSAKey.Public()) {
		t.Error("different ECDSA keys reported equal")
	}

	if PublicKeysEqual(rsaKey.Public(), ecdsaKey.Public()) {
		t.Error("keys of different types reported equal")
	}
}
