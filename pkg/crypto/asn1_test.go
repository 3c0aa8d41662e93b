package crypto

import (
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"math/big"
	"testing"

	"github.com/aosedge/aos-core-iam/internal/iamerrors"
)

func TestDNRoundTrip(t *testing.T) {
	testCases := []string{
		"CN=Aos Core",
		"CN=unit1,O=EPAM,C=UA",
		"CN=node 0,OU=edge,O=aos",
	}

	for _, dn := range testCases {
		t.Run(dn, func(t *testing.T) {
			der, err := ASN1EncodeDN(dn)
			if err != nil {
				t.Fatalf("ASN1EncodeDN returned error: %v", err)
			}

			decoded, err := ASN1DecodeDN(der)
			if err != nil {
				t.Fatalf("ASN1DecodeDN returned error: %v", err)
			}

			if decoded != dn {
				t.Fatalf("round trip mismatch: %q != %q", decoded, dn)
			}
		})
	}
}

func TestEncodeDNMatchesX509(t *testing.T) {
	der, err := ASN1EncodeDN("CN=Aos Core")
	if err != nil {
		t.Fatalf("ASN1EncodeDN returned error: %v", err)
	}

	tmpl := &x509.CertificateRequest{RawSubject: der}

	_, signer, err := NewKeyPair()
	if err != nil {
		t.Fatalf("NewKeyPair returned error: %v", err)
	}

	csrPEM, err := MakeCSR(signer, tmpl)
	if err != nil {
		t.Fatalf("MakeCSR returned error: %v", err)
	}

	csr, err := ParseCSR(csrPEM)
	if err != nil {
		t.Fatalf("ParseCSR returned error: %v", err)
	}

	if csr.Subject.CommonName != "Aos Core" {
		t.Fatalf("unexpected common name: %s", csr.Subject.CommonName)
	}
}

func TestEncodeDNRejectsMalformed(t *testing.T) {
	testCases := []string{"", "no-equals-sign", "XX=unknown attribute"}

	for _, dn := range testCases {
		if _, err := ASN1EncodeDN(dn); !errors.Is(err, iamerrors.ErrInvalidArgument) {
			t.Errorf("expected invalid argument for %q, got %v", dn, err)
		}
	}
}

func TestEncodeObjectIds(t *testing.T) {
	der, err := ASN1EncodeObjectIds([]asn1.ObjectIdentifier{
		OIDExtKeyUsageClientAuth, OIDExtKeyUsageServerAuth,
	})
	if err != nil {
		t.Fatalf("ASN1EncodeObjectIds returned error: %v", err)
	}

	var oids []asn1.ObjectIdentifier

	if _, err := asn1.Unmarshal(der, &oids); err != nil {
		t.Fatalf("failed to unmarshal sequence: %v", err)
	}

	if len(oids) != 2 || !oids[0].Equal(OIDExtKeyUsageClientAuth) || !oids[1].Equal(OIDExtKeyUsageServerAuth) {
		t.Fatalf("unexpected identifiers: %v", oids)
	}
}

func TestEncodeBigIntRoundTrip(t *testing.T) {
	der, err := ASN1EncodeBigInt(big.NewInt(0x333333))
	if err != nil {
		t.Fatalf("ASN1EncodeBigInt returned error: %v", err)
	}

	decoded := new(big.Int)

	if _, err := asn1.Unmarshal(der, &decoded); err != nil {
		t.Fatalf("failed to unmarshal integer: %v", err)
	}

	if decoded.Int64() != 0x333333 {
		t.Fatalf("unexpected value: %v", decoded)
	}
}

func TestDERSequenceAndOctetString(t *testing.T) {
	inner, err := asn1.Marshal([]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("failed to marshal octet string: %v", err)
	}

	payload, err := ASN1DecodeOctetString(inner)
	if err != nil {
		t.Fatalf("ASN1DecodeOctetString returned error: %v", err)
	}

	if len(payload) != 3 || payload[0] != 1 {
		t.Fatalf("unexpected payload: %v", payload)
	}

	seq, err := ASN1EncodeDERSequence([][]byte{inner, inner})
	if err != nil {
		t.Fatalf("ASN1EncodeDERSequence returned error: %v", err)
	}

	var raw asn1.RawValue

	if _, err := asn1.Unmarshal(seq, &raw); err != nil {
		t.Fatalf("failed to unmarshal sequence: %v", err)
	}

	if raw.Tag != asn1.TagSequence || !raw.IsCompound {
		t.Fatalf("unexpected raw value: %+v", raw)
	}
}

func TestDecodeOID(t *testing.T) {
	der, err := asn1.Marshal(OIDExtensionExtendedKeyUsage)
	if err != nil {
		t.Fatalf("failed to marshal OID: %v", err)
	}

	oid, err := ASN1DecodeOID(der)
	if err != nil {
		t.Fatalf("ASN1DecodeOID returned error: %v", err)
	}

	if !oid.Equal(OIDExtensionExtendedKeyUsage) {
		t.Fatalf("unexpected OID: %v", oid)
	}
}
