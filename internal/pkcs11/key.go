package pkcs11

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"

	"github.com/miekg/pkcs11"

	"github.com/aosedge/aos-core-iam/internal/iamerrors"
)

// digestInfoPrefixes are the DER DigestInfo headers prepended to a raw hash
// before CKM_RSA_PKCS signing, keyed by hash function.
var digestInfoPrefixes = map[crypto.Hash][]byte{
	crypto.SHA224: {
		0x30, 0x2d, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01,
		0x65, 0x03, 0x04, 0x02, 0x04, 0x05, 0x00, 0x04, 0x1c,
	},
	crypto.SHA256: {
		0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01,
		0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20,
	},
	crypto.SHA384: {
		0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01,
		0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30,
	},
	crypto.SHA512: {
		0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01,
		0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40,
	},
}

// PrivateKey is a token-resident key pair. The private part never leaves the
// token; Sign and Decrypt delegate to the session. The session is shared with
// the owning module and outlives any single operation.
type PrivateKey struct {
	session    *Session
	public     crypto.PublicKey
	privHandle pkcs11.ObjectHandle
	pubHandle  pkcs11.ObjectHandle
}

var _ crypto.Signer = (*PrivateKey)(nil)

// Public returns the exported public half of the key.
func (k *PrivateKey) Public() crypto.PublicKey {
	return k.public
}

// Sign signs digest on the token. RSA keys use PKCS#1 v1.5 with a DigestInfo
// prefix; ECDSA keys sign the raw digest and the raw r||s output is
// re-encoded as an ASN.1 signature.
func (k *PrivateKey) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	switch k.public.(type) {
	case *rsa.PublicKey:
		if _, ok := opts.(*rsa.PSSOptions); ok {
			return nil, fmt.Errorf("%w: RSA-PSS", iamerrors.ErrNotSupported)
		}

		prefix, ok := digestInfoPrefixes[opts.HashFunc()]
		if !ok {
			return nil, fmt.Errorf("%w: hash %v", iamerrors.ErrNotSupported, opts.HashFunc())
		}

		return k.session.Sign(
			pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil), k.privHandle, append(append([]byte{}, prefix...), digest...))

	case *ecdsa.PublicKey:
		raw, err := k.session.Sign(pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil), k.privHandle, digest)
		if err != nil {
			return nil, err
		}

		return encodeECDSASignature(raw)

	default:
		return nil, fmt.Errorf("%w: key type %T", iamerrors.ErrNotSupported, k.public)
	}
}

// Decrypt decrypts ciphertext with an RSA token key (PKCS#1 v1.5 padding).
func (k *PrivateKey) Decrypt(_ io.Reader, ciphertext []byte, _ crypto.DecrypterOpts) ([]byte, error) {
	if _, ok := k.public.(*rsa.PublicKey); !ok {
		return nil, fmt.Errorf("%w: decrypt with key type %T", iamerrors.ErrNotSupported, k.public)
	}

	return k.session.Decrypt(pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil), k.privHandle, ciphertext)
}

// encodeECDSASignature converts the token's fixed-width r||s output into the
// ASN.1 SEQUENCE form the Go crypto stack expects.
func encodeECDSASignature(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: malformed ECDSA signature length %d", iamerrors.ErrRuntime, len(raw))
	}

	half := len(raw) / 2

	sig := struct {
		R, S *big.Int
	}{
		R: new(big.Int).SetBytes(raw[:half]),
		S: new(big.Int).SetBytes(raw[half:]),
	}

	der, err := asn1.Marshal(sig)
	if err != nil {
		return nil, fmt.Errorf("encoding ECDSA signature: %w", err)
	}

	return der, nil
}
