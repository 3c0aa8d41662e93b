package certhandler

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosedge/aos-core-iam/internal/iamerrors"
	aoscrypto "github.com/aosedge/aos-core-iam/pkg/crypto"
	"github.com/aosedge/aos-core-iam/pkg/log"
)

type mockHSM struct {
	keys         []crypto.Signer
	applied      []CertInfo
	removedCerts []string
	removedKeys  []string

	invalidCerts []string
	invalidKeys  []string
	validCerts   []CertInfo

	applyCounter int
}

func (h *mockHSM) SetOwner(password string) error { return nil }

func (h *mockHSM) Clear() error {
	h.applied = nil
	h.keys = nil

	return nil
}

func (h *mockHSM) CreateKey(password string, keyType KeyType) (crypto.Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	h.keys = append(h.keys, key)

	return key, nil
}

func (h *mockHSM) ApplyCert(chain []*x509.Certificate) (CertInfo, string, error) {
	h.applyCounter++

	info := CertInfo{
		CertURL:  fmt.Sprintf("pkcs11:token=aos;object=test;id=%08d", h.applyCounter),
		KeyURL:   fmt.Sprintf("pkcs11:token=aos;object=test;id=%08d", h.applyCounter),
		Issuer:   chain[0].RawIssuer,
		Serial:   chain[0].SerialNumber.Bytes(),
		NotAfter: chain[0].NotAfter,
	}

	h.applied = append(h.applied, info)

	return info, "1234", nil
}

func (h *mockHSM) RemoveCert(certURL, password string) error {
	h.removedCerts = append(h.removedCerts, certURL)

	return nil
}

func (h *mockHSM) RemoveKey(keyURL, password string) error {
	h.removedKeys = append(h.removedKeys, keyURL)

	return nil
}

func (h *mockHSM) ValidateCertificates() ([]string, []string, []CertInfo, error) {
	return h.invalidCerts, h.invalidKeys, h.validCerts, nil
}

type mockStorage struct {
	certs map[string][]CertInfo
}

func newMockStorage() *mockStorage {
	return &mockStorage{certs: map[string][]CertInfo{}}
}

func (s *mockStorage) AddCertInfo(certType string, info CertInfo) error {
	s.certs[certType] = append(s.certs[certType], info)

	return nil
}

func (s *mockStorage) GetCertInfo(issuer, serial []byte) (CertInfo, error) {
	for _, infos := range s.certs {
		for _, info := range infos {
			if string(info.Issuer) == string(issuer) && string(info.Serial) == string(serial) {
				return info, nil
			}
		}
	}

	return CertInfo{}, iamerrors.ErrNotFound
}

func (s *mockStorage) GetCertsInfo(certType string) ([]CertInfo, error) {
	return s.certs[certType], nil
}

func (s *mockStorage) RemoveCertInfo(certType, certURL string) error {
	remaining := []CertInfo{}

	for _, info := range s.certs[certType] {
		if info.CertURL != certURL {
			remaining = append(remaining, info)
		}
	}

	s.certs[certType] = remaining

	return nil
}

func (s *mockStorage) RemoveAllCertsInfo(certType string) error {
	delete(s.certs, certType)

	return nil
}

type testReceiver struct {
	received []CertInfo
}

func (r *testReceiver) OnCertChanged(info CertInfo) {
	r.received = append(r.received, info)
}

func newTestHandler(t *testing.T, config ModuleConfig, hsm *mockHSM, storage *mockStorage) *Handler {
	t.Helper()

	logger := log.NewPrefixLogger(nil, "test")

	module, err := NewModule("iam", config, hsm, storage, logger)
	require.NoError(t, err)

	handler := NewHandler(logger)
	require.NoError(t, handler.RegisterModule(module))

	return handler
}

func defaultConfig() ModuleConfig {
	return ModuleConfig{
		KeyType:          KeyTypeRSA,
		MaxCertificates:  2,
		ExtendedKeyUsage: []ExtendedKeyUsage{ExtendedKeyUsageClientAuth},
		AlternativeNames: []string{"epam.com"},
	}
}

func TestCreateKeyProducesCSR(t *testing.T) {
	hsm := &mockHSM{}
	storage := newMockStorage()
	handler := newTestHandler(t, defaultConfig(), hsm, storage)

	csrPEM, err := handler.CreateKey("iam", "Aos Core", "1234")
	require.NoError(t, err)

	csr, err := aoscrypto.ParseCSR(csrPEM)
	require.NoError(t, err)

	assert.Equal(t, "Aos Core", csr.Subject.CommonName)
	assert.Equal(t, []string{"epam.com"}, csr.DNSNames)

	extFound := false

	for _, ext := range csr.Extensions {
		if ext.Id.String() == "2.5.29.37" {
			extFound = true
		}
	}

	assert.True(t, extFound, "extended key usage extension missing")
	assert.Empty(t, storage.certs["iam"])
	assert.Len(t, hsm.keys, 1)
}

func TestCreateKeyUnknownTypeFails(t *testing.T) {
	handler := newTestHandler(t, defaultConfig(), &mockHSM{}, newMockStorage())

	_, err := handler.CreateKey("unknown", "Aos Core", "1234")
	assert.ErrorIs(t, err, iamerrors.ErrNotFound)
}

func TestApplyCertificate(t *testing.T) {
	hsm := &mockHSM{}
	storage := newMockStorage()
	handler := newTestHandler(t, defaultConfig(), hsm, storage)

	receiver := &testReceiver{}
	require.NoError(t, handler.SubscribeCertChanged("iam", receiver))

	caKey, caCert := newTestCA(t)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	leafPEM := issueCert(t, caCert, caKey, leafKey.Public(), big.NewInt(0x333333), time.Now().Add(24*time.Hour))
	caPEM, err := aoscrypto.EncodeCertificatePEM(caCert)
	require.NoError(t, err)

	info, err := handler.ApplyCertificate("iam", append(leafPEM, caPEM...))
	require.NoError(t, err)

	assert.Equal(t, []byte{0x33, 0x33, 0x33}, info.Serial)
	require.Len(t, storage.certs["iam"], 1)
	assert.True(t, storage.certs["iam"][0].Equal(info))

	require.Len(t, receiver.received, 1)
	assert.True(t, receiver.received[0].Equal(info))
}

func TestApplyCertificateUnknownIssuerFails(t *testing.T) {
	handler := newTestHandler(t, defaultConfig(), &mockHSM{}, newMockStorage())

	// Leaf signed by a CA that is not part of the supplied chain.
	caKey, caCert := newTestCA(t)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	leafPEM := issueCert(t, caCert, caKey, leafKey.Public(), big.NewInt(1), time.Now().Add(time.Hour))

	_, err = handler.ApplyCertificate("iam", leafPEM)
	assert.ErrorIs(t, err, iamerrors.ErrNotFound)
}

func TestTrimOnOverflow(t *testing.T) {
	hsm := &mockHSM{}
	storage := newMockStorage()
	handler := newTestHandler(t, defaultConfig(), hsm, storage)

	caKey, caCert := newTestCA(t)
	caPEM, err := aoscrypto.EncodeCertificatePEM(caCert)
	require.NoError(t, err)

	oldestNotAfter := time.Now().Add(time.Hour)

	var oldestURL string

	for i := 0; i < 3; i++ {
		leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)

		notAfter := oldestNotAfter.Add(time.Duration(i) * time.Hour)
		leafPEM := issueCert(t, caCert, caKey, leafKey.Public(), big.NewInt(int64(i+1)), notAfter)

		info, err := handler.ApplyCertificate("iam", append(leafPEM, caPEM...))
		require.NoError(t, err)

		if i == 0 {
			oldestURL = info.CertURL
		}
	}

	require.Len(t, storage.certs["iam"], 2)

	for _, info := range storage.certs["iam"] {
		assert.NotEqual(t, oldestURL, info.CertURL)
	}

	assert.Contains(t, hsm.removedCerts, oldestURL)
	assert.Contains(t, hsm.removedKeys, oldestURL)
}

func TestSyncValidCertsOnInit(t *testing.T) {
	keep := CertInfo{CertURL: "url-keep", KeyURL: "url-keep", Serial: []byte{1}, NotAfter: time.Now()}
	restore := CertInfo{CertURL: "url-restore", KeyURL: "url-restore", Serial: []byte{2}, NotAfter: time.Now()}
	bogus := CertInfo{CertURL: "url-bogus", KeyURL: "url-bogus", Serial: []byte{3}, NotAfter: time.Now()}

	hsm := &mockHSM{validCerts: []CertInfo{keep, restore}}
	storage := newMockStorage()
	storage.certs["iam"] = []CertInfo{keep, bogus}

	newTestHandler(t, defaultConfig(), hsm, storage)

	require.Len(t, storage.certs["iam"], 2)
	assert.True(t, storage.certs["iam"][0].Equal(keep))
	assert.True(t, storage.certs["iam"][1].Equal(restore))
}

func TestInvalidObjectsRemovedOnCreateKey(t *testing.T) {
	hsm := &mockHSM{
		invalidCerts: []string{"url-invalid-cert"},
		invalidKeys:  []string{"url-invalid-key"},
	}
	handler := newTestHandler(t, defaultConfig(), hsm, newMockStorage())

	_, err := handler.CreateKey("iam", "Aos Core", "1234")
	require.NoError(t, err)

	assert.Equal(t, []string{"url-invalid-cert"}, hsm.removedCerts)
	assert.Equal(t, []string{"url-invalid-key"}, hsm.removedKeys)

	// Second key creation must not remove them again.
	hsm.removedCerts, hsm.removedKeys = nil, nil

	_, err = handler.CreateKey("iam", "Aos Core", "1234")
	require.NoError(t, err)

	assert.Empty(t, hsm.removedCerts)
	assert.Empty(t, hsm.removedKeys)
}

func TestGetCertificateEmptyStorageFails(t *testing.T) {
	handler := newTestHandler(t, defaultConfig(), &mockHSM{}, newMockStorage())

	_, err := handler.GetCertificate("iam", nil, nil)
	assert.ErrorIs(t, err, iamerrors.ErrNotFound)
}

func TestGetCertificateReturnsOldest(t *testing.T) {
	storage := newMockStorage()
	now := time.Now()
	storage.certs["iam"] = []CertInfo{
		{CertURL: "url-new", Serial: []byte{1}, NotAfter: now.Add(2 * time.Hour)},
		{CertURL: "url-old", Serial: []byte{2}, NotAfter: now.Add(time.Hour)},
	}

	handler := newTestHandler(t, ModuleConfig{KeyType: KeyTypeRSA, MaxCertificates: 2, SkipValidation: true},
		&mockHSM{}, storage)

	info, err := handler.GetCertificate("iam", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "url-old", info.CertURL)
}

func TestCreateSelfSignedCert(t *testing.T) {
	hsm := &mockHSM{}
	storage := newMockStorage()
	handler := newTestHandler(t, defaultConfig(), hsm, storage)

	require.NoError(t, handler.CreateSelfSignedCert("iam", "1234"))

	require.Len(t, storage.certs["iam"], 1)
	require.Len(t, hsm.applied, 1)
	assert.NotEmpty(t, storage.certs["iam"][0].Serial)
}

func TestClear(t *testing.T) {
	hsm := &mockHSM{}
	storage := newMockStorage()
	storage.certs["iam"] = []CertInfo{{CertURL: "url", Serial: []byte{1}}}

	handler := newTestHandler(t, ModuleConfig{KeyType: KeyTypeRSA, MaxCertificates: 2, SkipValidation: true},
		hsm, storage)

	require.NoError(t, handler.Clear("iam"))
	assert.Empty(t, storage.certs["iam"])

	// Clearing twice behaves like clearing once.
	require.NoError(t, handler.Clear("iam"))
	assert.Empty(t, storage.certs["iam"])
}

func TestUnsubscribeUnknownReceiverFails(t *testing.T) {
	handler := newTestHandler(t, defaultConfig(), &mockHSM{}, newMockStorage())

	err := handler.UnsubscribeCertChanged(&testReceiver{})
	assert.ErrorIs(t, err, iamerrors.ErrNotFound)
}

func TestCheckCertChainLoopFails(t *testing.T) {
	// Two certificates claiming each other as parent via key ids never
	// reach a self-issued root.
	keyA, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	keyB, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	templateA := &x509.Certificate{
		SerialNumber:   big.NewInt(1),
		Subject:        pkix.Name{CommonName: "a"},
		Issuer:         pkix.Name{CommonName: "b"},
		NotBefore:      time.Now(),
		NotAfter:       time.Now().Add(time.Hour),
		SubjectKeyId:   []byte{1},
		AuthorityKeyId: []byte{2},
	}

	templateB := &x509.Certificate{
		SerialNumber:   big.NewInt(2),
		Subject:        pkix.Name{CommonName: "b"},
		Issuer:         pkix.Name{CommonName: "a"},
		NotBefore:      time.Now(),
		NotAfter:       time.Now().Add(time.Hour),
		SubjectKeyId:   []byte{2},
		AuthorityKeyId: []byte{1},
	}

	derA, err := x509.CreateCertificate(rand.Reader, templateA, templateB, keyA.Public(), keyB)
	require.NoError(t, err)

	derB, err := x509.CreateCertificate(rand.Reader, templateB, templateA, keyB.Public(), keyA)
	require.NoError(t, err)

	certA, err := x509.ParseCertificate(derA)
	require.NoError(t, err)

	certB, err := x509.ParseCertificate(derB)
	require.NoError(t, err)

	err = checkCertChain([]*x509.Certificate{certA, certB})
	require.Error(t, err)
	assert.True(t, errors.Is(err, iamerrors.ErrFailed))
}

func newTestCA(t *testing.T) (*ecdsa.PrivateKey, *x509.Certificate) {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1000),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, caKey.Public(), caKey)
	require.NoError(t, err)

	caCert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return caKey, caCert
}

func issueCert(
	t *testing.T, caCert *x509.Certificate, caKey *ecdsa.PrivateKey,
	pub crypto.PublicKey, serial *big.Int, notAfter time.Time,
) []byte {
	t.Helper()

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "Test Leaf"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     notAfter,
	}

	pemCert, err := aoscrypto.CreateCertificate(template, caCert, pub, caKey)
	require.NoError(t, err)

	return pemCert
}
