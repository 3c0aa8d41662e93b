package certhandler

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/aosedge/aos-core-iam/internal/iamerrors"
	aoscrypto "github.com/aosedge/aos-core-iam/pkg/crypto"
	"github.com/aosedge/aos-core-iam/pkg/log"
)

const (
	selfSignedSubject    = "CN=Aos Core"
	selfSignedValidYears = 100
)

// Module binds one cert type to its policy, HSM and storage. Operations on a
// module are serialized by its mutex; blocking HSM and storage calls happen
// under it.
type Module struct {
	mu sync.Mutex

	certType string
	config   ModuleConfig
	hsm      HSM
	storage  Storage
	log      *log.PrefixLogger

	invalidCerts []string
	invalidKeys  []string
}

// NewModule creates the module and reconciles storage with the HSM state
// unless the config skips validation.
func NewModule(certType string, config ModuleConfig, hsm HSM, storage Storage, logger *log.PrefixLogger) (*Module, error) {
	module := &Module{
		certType: certType,
		config:   config,
		hsm:      hsm,
		storage:  storage,
		log:      logger,
	}

	if config.SkipValidation {
		logger.Warnf("Skip validation: type = %s", certType)

		return module, nil
	}

	invalidCerts, invalidKeys, validCerts, err := hsm.ValidateCertificates()
	if err != nil {
		return nil, fmt.Errorf("validating certificates: %w", err)
	}

	module.invalidCerts = invalidCerts
	module.invalidKeys = invalidKeys

	if err := module.syncValidCerts(validCerts); err != nil {
		return nil, err
	}

	return module, nil
}

// CertType returns the module's cert type.
func (m *Module) CertType() string {
	return m.certType
}

// Config returns the module's policy.
func (m *Module) Config() ModuleConfig {
	return m.config
}

// SetOwner forwards ownership to the HSM.
func (m *Module) SetOwner(password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.hsm.SetOwner(password); err != nil {
		return fmt.Errorf("setting owner: %w", err)
	}

	return nil
}

// Clear wipes the HSM and all stored records for this cert type.
func (m *Module) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.hsm.Clear(); err != nil {
		return fmt.Errorf("clearing HSM: %w", err)
	}

	if err := m.storage.RemoveAllCertsInfo(m.certType); err != nil {
		return fmt.Errorf("clearing cert storage: %w", err)
	}

	return nil
}

// CreateKey removes material found invalid during init, then generates a new
// key pair on the HSM.
func (m *Module) CreateKey(password string) (crypto.Signer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.createKey(password)
}

func (m *Module) createKey(password string) (crypto.Signer, error) {
	if err := m.removeInvalidCerts(password); err != nil {
		return nil, err
	}

	if err := m.removeInvalidKeys(password); err != nil {
		return nil, err
	}

	key, err := m.hsm.CreateKey(password, m.config.KeyType)
	if err != nil {
		return nil, fmt.Errorf("creating key: %w", err)
	}

	return key, nil
}

// CreateCSR produces a PEM CSR for the given common name with the module's
// SANs and extended key usages.
func (m *Module) CreateCSR(subjectCommonName string, key crypto.Signer) ([]byte, error) {
	rawSubject, err := aoscrypto.ASN1EncodeDN("CN=" + subjectCommonName)
	if err != nil {
		return nil, err
	}

	template := &x509.CertificateRequest{
		RawSubject: rawSubject,
		DNSNames:   m.config.AlternativeNames,
	}

	var oids []asn1.ObjectIdentifier

	for _, usage := range m.config.ExtendedKeyUsage {
		switch usage {
		case ExtendedKeyUsageClientAuth:
			oids = append(oids, aoscrypto.OIDExtKeyUsageClientAuth)

		case ExtendedKeyUsageServerAuth:
			oids = append(oids, aoscrypto.OIDExtKeyUsageServerAuth)

		default:
			m.log.Warnf("Unexpected extended key usage: type = %s, value = %s", m.certType, usage)
		}
	}

	if len(oids) > 0 {
		value, err := aoscrypto.ASN1EncodeObjectIds(oids)
		if err != nil {
			return nil, err
		}

		template.ExtraExtensions = append(template.ExtraExtensions, pkix.Extension{
			Id:    aoscrypto.OIDExtensionExtendedKeyUsage,
			Value: value,
		})
	}

	return aoscrypto.MakeCSR(key, template)
}

// ApplyCert validates the PEM chain, stores it on the HSM, records the new
// credential and trims the oldest entries above the configured maximum.
func (m *Module) ApplyCert(pemChain []byte) (CertInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.applyCert(pemChain)
}

func (m *Module) applyCert(pemChain []byte) (CertInfo, error) {
	chain, err := aoscrypto.ParseCertificatesPEM(pemChain)
	if err != nil {
		return CertInfo{}, err
	}

	if err := checkCertChain(chain); err != nil {
		return CertInfo{}, err
	}

	info, password, err := m.hsm.ApplyCert(chain)
	if err != nil {
		return CertInfo{}, fmt.Errorf("applying certificate: %w", err)
	}

	if err := m.storage.AddCertInfo(m.certType, info); err != nil {
		return CertInfo{}, fmt.Errorf("storing certificate info: %w", err)
	}

	if err := m.trimCerts(password); err != nil {
		return CertInfo{}, err
	}

	return info, nil
}

// CreateSelfSignedCert generates a key and applies a certificate signed with
// itself.
func (m *Module) CreateSelfSignedCert(password string) (CertInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, err := m.createKey(password)
	if err != nil {
		return CertInfo{}, err
	}

	rawSubject, err := aoscrypto.ASN1EncodeDN(selfSignedSubject)
	if err != nil {
		return CertInfo{}, err
	}

	now := time.Now()

	template := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		RawSubject:   rawSubject,
		NotBefore:    now,
		NotAfter:     now.AddDate(selfSignedValidYears, 0, 0),
	}

	pemCert, err := aoscrypto.CreateCertificate(template, template, key.Public(), key)
	if err != nil {
		return CertInfo{}, err
	}

	return m.applyCert(pemCert)
}

// GetCertificate looks up a stored credential. With an empty serial it
// returns the entry expiring first, which is the next rotation candidate.
func (m *Module) GetCertificate(issuer, serial []byte) (CertInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(serial) == 0 {
		infos, err := m.storage.GetCertsInfo(m.certType)
		if err != nil {
			return CertInfo{}, fmt.Errorf("reading certs info: %w", err)
		}

		if len(infos) == 0 {
			return CertInfo{}, fmt.Errorf("%w: no certificates for type %s", iamerrors.ErrNotFound, m.certType)
		}

		return oldestCert(infos), nil
	}

	info, err := m.storage.GetCertInfo(issuer, serial)
	if err != nil {
		return CertInfo{}, fmt.Errorf("reading cert info: %w", err)
	}

	return info, nil
}

func (m *Module) removeInvalidCerts(password string) error {
	for _, url := range m.invalidCerts {
		m.log.Debugf("Remove invalid cert: type = %s, url = %s", m.certType, url)

		if err := m.hsm.RemoveCert(url, password); err != nil {
			return fmt.Errorf("removing invalid cert: %w", err)
		}
	}

	m.invalidCerts = nil

	return nil
}

func (m *Module) removeInvalidKeys(password string) error {
	for _, url := range m.invalidKeys {
		m.log.Debugf("Remove invalid key: type = %s, url = %s", m.certType, url)

		if err := m.hsm.RemoveKey(url, password); err != nil {
			return fmt.Errorf("removing invalid key: %w", err)
		}
	}

	m.invalidKeys = nil

	return nil
}

// trimCerts removes entries with the earliest expiry until the count fits
// the configured maximum.
func (m *Module) trimCerts(password string) error {
	infos, err := m.storage.GetCertsInfo(m.certType)
	if err != nil {
		return fmt.Errorf("reading certs info: %w", err)
	}

	if len(infos) > m.config.MaxCertificates {
		m.log.Warnf("Cert count exceeds max: %d > %d, remove old certificates", len(infos), m.config.MaxCertificates)
	}

	for len(infos) > m.config.MaxCertificates {
		oldest := oldestCert(infos)

		if err := m.hsm.RemoveCert(oldest.CertURL, password); err != nil {
			return fmt.Errorf("removing cert: %w", err)
		}

		if err := m.hsm.RemoveKey(oldest.KeyURL, password); err != nil {
			return fmt.Errorf("removing key: %w", err)
		}

		if err := m.storage.RemoveCertInfo(m.certType, oldest.CertURL); err != nil {
			return fmt.Errorf("removing cert info: %w", err)
		}

		remaining := infos[:0]

		for _, info := range infos {
			if !info.Equal(oldest) {
				remaining = append(remaining, info)
			}
		}

		infos = remaining
	}

	return nil
}

// syncValidCerts reconciles storage with the HSM's valid set: missing
// entries are added, stale entries removed. Read failures other than
// not-found abort; not-found means empty storage.
func (m *Module) syncValidCerts(validCerts []CertInfo) error {
	stored, err := m.storage.GetCertsInfo(m.certType)
	if err != nil && !errors.Is(err, iamerrors.ErrNotFound) {
		return fmt.Errorf("reading certs info: %w", err)
	}

	// Matched entries are dropped from a copy, not from the storage's slice.
	stored = append([]CertInfo(nil), stored...)

	for _, validCert := range validCerts {
		found := false

		for i, storedCert := range stored {
			if storedCert.Equal(validCert) {
				stored = append(stored[:i], stored[i+1:]...)
				found = true

				break
			}
		}

		if !found {
			m.log.Warnf("Add missing cert to storage: type = %s, url = %s", m.certType, validCert.CertURL)

			if err := m.storage.AddCertInfo(m.certType, validCert); err != nil {
				return fmt.Errorf("adding cert info: %w", err)
			}
		}
	}

	for _, staleCert := range stored {
		m.log.Warnf("Remove invalid cert from storage: type = %s, url = %s", m.certType, staleCert.CertURL)

		if err := m.storage.RemoveCertInfo(m.certType, staleCert.CertURL); err != nil {
			return fmt.Errorf("removing cert info: %w", err)
		}
	}

	return nil
}

// checkCertChain walks from the leaf towards a self-issued root. Each parent
// is located by issuer/subject match or by authority/subject key id. A chain
// that loops without reaching a self-issued certificate is rejected.
func checkCertChain(chain []*x509.Certificate) error {
	if len(chain) == 0 {
		return fmt.Errorf("%w: empty certificate chain", iamerrors.ErrNotFound)
	}

	visited := make(map[int]bool, len(chain))
	current := 0

	for len(chain[current].RawIssuer) != 0 && !bytes.Equal(chain[current].RawIssuer, chain[current].RawSubject) {
		if visited[current] {
			return fmt.Errorf("%w: certificate chain loops", iamerrors.ErrFailed)
		}

		visited[current] = true

		parent := -1

		for i, candidate := range chain {
			if i == current {
				continue
			}

			if bytes.Equal(chain[current].RawIssuer, candidate.RawSubject) ||
				(len(chain[current].AuthorityKeyId) > 0 &&
					bytes.Equal(chain[current].AuthorityKeyId, candidate.SubjectKeyId)) {
				parent = i

				break
			}
		}

		if parent < 0 {
			return fmt.Errorf("%w: issuer certificate not in chain", iamerrors.ErrNotFound)
		}

		current = parent
	}

	return nil
}

func oldestCert(infos []CertInfo) CertInfo {
	oldest := infos[0]

	for _, info := range infos[1:] {
		if info.NotAfter.Before(oldest.NotAfter) {
			oldest = info
		}
	}

	return oldest
}
