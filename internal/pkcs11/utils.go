package pkcs11

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/miekg/pkcs11"

	"github.com/aosedge/aos-core-iam/internal/iamerrors"
	aoscrypto "github.com/aosedge/aos-core-iam/pkg/crypto"
)

const pinByteLen = 8

var namedCurveOIDs = map[string]elliptic.Curve{
	"1.2.840.10045.3.1.7": elliptic.P256(),
	"1.3.132.0.34":        elliptic.P384(),
	"1.3.132.0.35":        elliptic.P521(),
}

// GenPIN generates a random hex user PIN.
func GenPIN() (string, error) {
	raw := make([]byte, pinByteLen)

	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating PIN: %w", err)
	}

	return hex.EncodeToString(raw), nil
}

// GenerateRSAKeyPair generates an RSA 2048 token key pair tagged with id and
// label. The private key is sensitive and non-extractable; sign and decrypt
// are enabled on the private half, verify and encrypt on the public half.
func GenerateRSAKeyPair(session *Session, id []byte, label string) (*PrivateKey, error) {
	publicTemplate := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
		pkcs11.NewAttribute(pkcs11.CKA_ENCRYPT, true),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, []byte{0x01, 0x00, 0x01}),
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS_BITS, aoscrypto.RSAKeyLength),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}

	privateTemplate := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_DECRYPT, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}

	pubHandle, privHandle, err := session.GenerateKeyPair(
		pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN, nil), publicTemplate, privateTemplate)
	if err != nil {
		return nil, err
	}

	public, err := ExportPublicKey(session, pubHandle)
	if err != nil {
		return nil, err
	}

	return &PrivateKey{session: session, public: public, privHandle: privHandle, pubHandle: pubHandle}, nil
}

// GenerateECDSAKeyPair generates a P-384 token key pair tagged with id and
// label.
func GenerateECDSAKeyPair(session *Session, id []byte, label string) (*PrivateKey, error) {
	curveParams, err := asn1.Marshal(asn1.ObjectIdentifier{1, 3, 132, 0, 34})
	if err != nil {
		return nil, fmt.Errorf("encoding curve parameters: %w", err)
	}

	publicTemplate := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_ECDSA),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, curveParams),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}

	privateTemplate := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}

	pubHandle, privHandle, err := session.GenerateKeyPair(
		pkcs11.NewMechanism(pkcs11.CKM_EC_KEY_PAIR_GEN, nil), publicTemplate, privateTemplate)
	if err != nil {
		return nil, err
	}

	public, err := ExportPublicKey(session, pubHandle)
	if err != nil {
		return nil, err
	}

	return &PrivateKey{session: session, public: public, privHandle: privHandle, pubHandle: pubHandle}, nil
}

// ExportPublicKey reads a token public-key object into a portable Go key.
func ExportPublicKey(session *Session, handle pkcs11.ObjectHandle) (crypto.PublicKey, error) {
	attrs, err := session.GetAttributeValues(handle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, nil),
	})
	if err != nil {
		return nil, err
	}

	keyType := decodeULong(attrs[0].Value)

	switch keyType {
	case pkcs11.CKK_RSA:
		return exportRSAPublicKey(session, handle)
	case pkcs11.CKK_ECDSA:
		return exportECDSAPublicKey(session, handle)
	default:
		return nil, fmt.Errorf("%w: key type %d", iamerrors.ErrNotSupported, keyType)
	}
}

// ImportCertificate stores a certificate as a token object tagged with id and
// label.
func ImportCertificate(session *Session, id []byte, label string, cert *x509.Certificate) error {
	serial, err := aoscrypto.ASN1EncodeBigInt(cert.SerialNumber)
	if err != nil {
		return err
	}

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_CERTIFICATE_TYPE, pkcs11.CKC_X_509),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, false),
		pkcs11.NewAttribute(pkcs11.CKA_SUBJECT, cert.RawSubject),
		pkcs11.NewAttribute(pkcs11.CKA_ISSUER, cert.RawIssuer),
		pkcs11.NewAttribute(pkcs11.CKA_SERIAL_NUMBER, serial),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, cert.Raw),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}

	if _, err := session.CreateObject(template); err != nil {
		return err
	}

	return nil
}

// HasCertificate reports whether the token holds a certificate with the given
// raw issuer and serial.
func HasCertificate(session *Session, rawIssuer []byte, serial *big.Int) (bool, error) {
	derSerial, err := aoscrypto.ASN1EncodeBigInt(serial)
	if err != nil {
		return false, err
	}

	objects, err := session.FindObjects([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_ISSUER, rawIssuer),
		pkcs11.NewAttribute(pkcs11.CKA_SERIAL_NUMBER, derSerial),
	})
	if err != nil {
		return false, err
	}

	return len(objects) > 0, nil
}

// DeleteCertificate destroys all certificate objects with the given id and
// label.
func DeleteCertificate(session *Session, id []byte, label string) error {
	objects, err := session.FindObjects([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	})
	if err != nil {
		return err
	}

	for _, object := range objects {
		if err := session.DestroyObject(object); err != nil {
			return err
		}
	}

	return nil
}

// FindPrivateKey locates the key pair with the given id and label.
func FindPrivateKey(session *Session, id []byte, label string) (*PrivateKey, error) {
	privObjects, err := session.FindObjects([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	})
	if err != nil {
		return nil, err
	}

	if len(privObjects) == 0 {
		return nil, fmt.Errorf("%w: private key id %s", iamerrors.ErrNotFound, hex.EncodeToString(id))
	}

	pubObjects, err := session.FindObjects([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	})
	if err != nil {
		return nil, err
	}

	key := &PrivateKey{session: session, privHandle: privObjects[0]}

	if len(pubObjects) > 0 {
		key.pubHandle = pubObjects[0]

		if key.public, err = ExportPublicKey(session, pubObjects[0]); err != nil {
			return nil, err
		}
	}

	return key, nil
}

// DeletePrivateKey destroys both halves of a key pair.
func DeletePrivateKey(session *Session, key *PrivateKey) error {
	if err := session.DestroyObject(key.privHandle); err != nil {
		return err
	}

	if key.pubHandle != 0 {
		if err := session.DestroyObject(key.pubHandle); err != nil {
			return err
		}
	}

	return nil
}

func exportRSAPublicKey(session *Session, handle pkcs11.ObjectHandle) (crypto.PublicKey, error) {
	attrs, err := session.GetAttributeValues(handle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
	})
	if err != nil {
		return nil, err
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(attrs[0].Value),
		E: int(new(big.Int).SetBytes(attrs[1].Value).Int64()),
	}, nil
}

func exportECDSAPublicKey(session *Session, handle pkcs11.ObjectHandle) (crypto.PublicKey, error) {
	attrs, err := session.GetAttributeValues(handle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, nil),
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err != nil {
		return nil, err
	}

	oid, err := aoscrypto.ASN1DecodeOID(attrs[0].Value)
	if err != nil {
		return nil, err
	}

	curve, ok := namedCurveOIDs[oid.String()]
	if !ok {
		return nil, fmt.Errorf("%w: curve %s", iamerrors.ErrNotSupported, oid)
	}

	point, err := aoscrypto.ASN1DecodeOctetString(attrs[1].Value)
	if err != nil {
		return nil, err
	}

	x, y := elliptic.Unmarshal(curve, point)
	if x == nil {
		return nil, fmt.Errorf("%w: malformed EC point", iamerrors.ErrRuntime)
	}

	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

func decodeULong(value []byte) uint {
	var result uint

	// Attribute values are native-endian CK_ULONGs; Linux targets are
	// little-endian.
	for i := len(value) - 1; i >= 0; i-- {
		result = result<<8 | uint(value[i])
	}

	return result
}
