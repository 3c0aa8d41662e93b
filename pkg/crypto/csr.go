package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/aosedge/aos-core-iam/internal/iamerrors"
)

// MakeCSR signs the certificate request template with signer and returns the
// PEM-encoded CSR. The template carries the subject, DNS SANs and any extra
// extensions the caller prepared.
func MakeCSR(signer crypto.Signer, template *x509.CertificateRequest) ([]byte, error) {
	der, err := x509.CreateCertificateRequest(rand.Reader, template, signer)
	if err != nil {
		return nil, fmt.Errorf("creating certificate request: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: csrPEMBlockType, Bytes: der}), nil
}

// ParseCSR parses a PEM-encoded certificate request.
func ParseCSR(pemData []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != csrPEMBlockType {
		return nil, fmt.Errorf("%w: no certificate request block found", iamerrors.ErrInvalidArgument)
	}

	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate request: %w", err)
	}

	return csr, nil
}
