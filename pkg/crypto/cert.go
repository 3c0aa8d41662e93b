package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/aosedge/aos-core-iam/internal/iamerrors"
)

const (
	certificatePEMBlockType = "CERTIFICATE"
	csrPEMBlockType         = "CERTIFICATE REQUEST"
)

// EncodeCertificatePEM serializes a single certificate into a PEM block.
func EncodeCertificatePEM(cert *x509.Certificate) ([]byte, error) {
	if cert == nil {
		return nil, fmt.Errorf("%w: nil certificate", iamerrors.ErrInvalidArgument)
	}

	return pem.EncodeToMemory(&pem.Block{Type: certificatePEMBlockType, Bytes: cert.Raw}), nil
}

// EncodeCertificatesPEM serializes a certificate chain, leaf first.
func EncodeCertificatesPEM(certs []*x509.Certificate) ([]byte, error) {
	var out []byte

	for _, cert := range certs {
		block, err := EncodeCertificatePEM(cert)
		if err != nil {
			return nil, err
		}

		out = append(out, block...)
	}

	return out, nil
}

// ParseCertificatePEM parses exactly one certificate from PEM data. Multiple
// blocks are rejected so callers can't silently drop the rest of a chain.
func ParseCertificatePEM(pemData []byte) (*x509.Certificate, error) {
	certs, err := ParseCertificatesPEM(pemData)
	if err != nil {
		return nil, err
	}

	if len(certs) != 1 {
		return nil, fmt.Errorf("%w: expected a single certificate, got %d", iamerrors.ErrInvalidArgument, len(certs))
	}

	return certs[0], nil
}

// ParseCertificatesPEM parses a PEM-encoded certificate chain, preserving
// order (the leaf is expected first).
func ParseCertificatesPEM(pemData []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	for len(pemData) > 0 {
		var block *pem.Block

		block, pemData = pem.Decode(pemData)
		if block == nil {
			break
		}

		if block.Type != certificatePEMBlockType {
			return nil, fmt.Errorf("%w: unexpected PEM block %q", iamerrors.ErrInvalidArgument, block.Type)
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate: %w", err)
		}

		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: no certificates in PEM data", iamerrors.ErrInvalidArgument)
	}

	return certs, nil
}

// ParseCertificateDER parses a single DER-encoded certificate.
func ParseCertificateDER(der []byte) (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing DER certificate: %w", err)
	}

	return cert, nil
}

// CreateCertificate signs template with the parent certificate and the
// parent's signer and returns the result PEM-encoded. Self-signed
// certificates pass the template as its own parent.
func CreateCertificate(template, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) ([]byte, error) {
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: certificatePEMBlockType, Bytes: der}), nil
}
