// Package pkcs11module implements the HSM contract on top of a Cryptoki
// token: token discovery and ownership, session and login management, object
// search, pkcs11: URL addressing and orphan-object cleanup.
package pkcs11module

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/renameio"
	"github.com/google/uuid"
	"github.com/miekg/pkcs11"

	"github.com/aosedge/aos-core-iam/internal/certhandler"
	"github.com/aosedge/aos-core-iam/internal/cryptoutils"
	"github.com/aosedge/aos-core-iam/internal/iamerrors"
	aospkcs11 "github.com/aosedge/aos-core-iam/internal/pkcs11"
	aoscrypto "github.com/aosedge/aos-core-iam/pkg/crypto"
	"github.com/aosedge/aos-core-iam/pkg/log"
)

const (
	// DefaultTokenLabel is used when the config specifies no token label.
	DefaultTokenLabel = "aos"

	// EnvLoginType selects the TEE login style when present.
	EnvLoginType = "CKTEEC_LOGIN_TYPE"

	loginTypePublic = "public"
	loginTypeUser   = "user"
	loginTypeGroup  = "group"

	pinFilePermissions = 0o600
)

// Config describes one PKCS#11-backed certificate module. At most one of
// SlotID, SlotIndex and TokenLabel selects the slot.
type Config struct {
	// Library is the Cryptoki shared-library path.
	Library string `json:"library"`
	// SlotID selects a slot verbatim.
	SlotID *uint `json:"slotId,omitempty"`
	// SlotIndex selects the i-th enumerated slot.
	SlotIndex *int `json:"slotIndex,omitempty"`
	// TokenLabel selects the slot whose token carries this label.
	TokenLabel string `json:"tokenLabel,omitempty"`
	// UserPINPath is the user PIN file; generated on SetOwner when absent.
	UserPINPath string `json:"userPinPath,omitempty"`
	// ModulePathInURL embeds the library path into issued pkcs11: URLs.
	ModulePathInURL bool `json:"modulePathInUrl,omitempty"`
	// MaxCertificates bounds the pending-key list.
	MaxCertificates int `json:"maxCertificates,omitempty"`
}

type pendingKey struct {
	id  uuid.UUID
	key *aospkcs11.PrivateKey
}

// cryptokiLibrary is the slice of the PKCS#11 binding the module drives.
// Narrowing it to an interface keeps slot-resolution and ownership logic
// testable without a token.
type cryptokiLibrary interface {
	GetLibInfo() (aospkcs11.LibInfo, error)
	GetSlotList(tokenPresent bool) ([]aospkcs11.SlotID, error)
	GetSlotInfo(slotID aospkcs11.SlotID) (aospkcs11.SlotInfo, error)
	GetTokenInfo(slotID aospkcs11.SlotID) (aospkcs11.TokenInfo, error)
	InitToken(slotID aospkcs11.SlotID, soPIN, label string) error
	OpenSession(slotID aospkcs11.SlotID) (*aospkcs11.Session, error)
	CloseAllSessions(slotID aospkcs11.SlotID) error
}

var _ cryptokiLibrary = (*aospkcs11.Library)(nil)

// PKCS11Module implements certhandler.HSM for one cert type on one token.
// A single authenticated session is cached and re-used across calls;
// state-mismatching requests trigger logout and re-login.
type PKCS11Module struct {
	mu sync.Mutex

	certType string
	config   Config
	library  cryptokiLibrary
	log      *log.PrefixLogger

	slotID       aospkcs11.SlotID
	tokenLabel   string
	teeLoginType string
	userPIN      string

	pendingKeys []pendingKey
	session     *aospkcs11.Session
}

var _ certhandler.HSM = (*PKCS11Module)(nil)

// New opens the Cryptoki library, resolves the slot and, if the token is
// already owned, loads the user PIN.
func New(certType string, config Config, logger *log.PrefixLogger) (*PKCS11Module, error) {
	module := &PKCS11Module{
		certType: certType,
		config:   config,
		log:      logger,
	}

	library, err := aospkcs11.OpenLibrary(config.Library)
	if err != nil {
		return nil, err
	}

	module.library = library

	module.teeLoginType = os.Getenv(EnvLoginType)
	if module.teeLoginType != "" {
		switch module.teeLoginType {
		case loginTypePublic, loginTypeUser, loginTypeGroup:

		default:
			return nil, fmt.Errorf("%w: wrong TEE login type %q", iamerrors.ErrInvalidArgument, module.teeLoginType)
		}
	}

	if config.UserPINPath == "" && module.teeLoginType == "" {
		return nil, fmt.Errorf("%w: either user PIN path or TEE login type is required", iamerrors.ErrInvalidArgument)
	}

	module.tokenLabel = config.TokenLabel
	if module.tokenLabel == "" {
		module.tokenLabel = DefaultTokenLabel
	}

	if module.slotID, err = module.resolveSlotID(); err != nil {
		return nil, err
	}

	owned, err := module.isOwned()
	if err != nil {
		return nil, err
	}

	if !owned {
		logger.Debugf("No owned token found: type = %s", certType)

		return module, nil
	}

	module.printInfo()

	if module.userPIN, err = module.getUserPIN(); err != nil {
		return nil, err
	}

	return module, nil
}

// SetOwner reinitializes the token with password as the security-officer PIN
// and installs the user PIN: synthesized for TEE login types, otherwise read
// from the PIN file, or generated and written there when the file can't be
// read. All pending keys and sessions are dropped.
func (m *PKCS11Module) SetOwner(password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error

	// The token may have been inserted since init, resolve the slot fresh.
	if m.slotID, err = m.resolveSlotID(); err != nil {
		return err
	}

	m.pendingKeys = nil

	m.closeSession()

	if err = m.library.CloseAllSessions(m.slotID); err != nil {
		return err
	}

	if m.teeLoginType != "" {
		if m.userPIN, err = teeUserPIN(m.teeLoginType); err != nil {
			return err
		}
	} else {
		if m.userPIN, err = m.getUserPIN(); err != nil {
			if m.userPIN, err = aospkcs11.GenPIN(); err != nil {
				return err
			}

			if err = renameio.WriteFile(m.config.UserPINPath, []byte(m.userPIN), pinFilePermissions); err != nil {
				return fmt.Errorf("writing user PIN file: %w", err)
			}
		}
	}

	m.log.Debugf("Init token: slotID = %d, label = %s", m.slotID, m.tokenLabel)

	if err = m.library.InitToken(m.slotID, password, m.tokenLabel); err != nil {
		return err
	}

	session, err := m.createSession(false, password)
	if err != nil {
		return err
	}

	err = session.InitPIN(m.userPIN)

	m.closeSession()

	return err
}

// Clear destroys every token object tagged with the module's label. A token
// that is not owned is already clear.
func (m *PKCS11Module) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	owned, err := m.isOwned()
	if err != nil {
		return err
	}

	if !owned {
		return nil
	}

	session, err := m.createSession(true, m.userPIN)
	if err != nil {
		return err
	}

	objects, err := session.FindObjects([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, m.certType),
	})
	if err != nil && !errors.Is(err, iamerrors.ErrNotFound) {
		return err
	}

	for _, object := range objects {
		m.log.Debugf("Destroy object: handle = %d", object)

		if err := session.DestroyObject(object); err != nil {
			m.log.Errorf("Can't delete object: handle = %d, error = %v", object, err)
		}
	}

	return nil
}

// CreateKey generates a key pair on the token and parks it on the pending
// list until a matching certificate is applied. A full list evicts its
// oldest entry together with the token-side key material.
func (m *PKCS11Module) CreateKey(_ string, keyType certhandler.KeyType) (crypto.Signer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.createSession(true, m.userPIN)
	if err != nil {
		return nil, err
	}

	pending := pendingKey{id: uuid.New()}

	switch keyType {
	case certhandler.KeyTypeRSA:
		if pending.key, err = aospkcs11.GenerateRSAKeyPair(session, pending.id[:], m.certType); err != nil {
			return nil, err
		}

	case certhandler.KeyTypeECDSA:
		if pending.key, err = aospkcs11.GenerateECDSAKeyPair(session, pending.id[:], m.certType); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: key type %q", iamerrors.ErrNotSupported, keyType)
	}

	m.logTokenMemInfo()

	if m.config.MaxCertificates > 0 && len(m.pendingKeys) >= m.config.MaxCertificates {
		m.log.Warnf("Max pending keys reached, remove oldest: type = %s", m.certType)

		oldest := m.pendingKeys[0]
		m.pendingKeys = m.pendingKeys[1:]

		if err := aospkcs11.DeletePrivateKey(session, oldest.key); err != nil {
			m.log.Errorf("Can't delete pending key: error = %v", err)
		}
	}

	m.pendingKeys = append(m.pendingKeys, pending)

	return pending.key, nil
}

// ApplyCert pairs the leaf with a pending key, imports the chain and returns
// the populated record plus the user PIN as owner password. Intermediates
// already present on the token (by issuer and serial) are not duplicated.
func (m *PKCS11Module) ApplyCert(chain []*x509.Certificate) (certhandler.CertInfo, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(chain) == 0 {
		return certhandler.CertInfo{}, "", fmt.Errorf("%w: empty certificate chain", iamerrors.ErrInvalidArgument)
	}

	session, err := m.createSession(true, m.userPIN)
	if err != nil {
		return certhandler.CertInfo{}, "", err
	}

	matched := -1

	for i, pending := range m.pendingKeys {
		if aoscrypto.PublicKeysEqual(pending.key.Public(), chain[0].PublicKey) {
			matched = i

			break
		}
	}

	if matched < 0 {
		m.log.Errorf("No corresponding key found: type = %s", m.certType)

		return certhandler.CertInfo{}, "", fmt.Errorf("%w: no pending key for certificate", iamerrors.ErrNotFound)
	}

	current := m.pendingKeys[matched]
	m.pendingKeys = append(m.pendingKeys[:matched], m.pendingKeys[matched+1:]...)

	if err := m.importCertChain(session, current.id, chain); err != nil {
		return certhandler.CertInfo{}, "", err
	}

	certURL := m.createURL(current.id)

	info := certhandler.CertInfo{
		CertURL:  certURL,
		KeyURL:   certURL,
		Issuer:   chain[0].RawIssuer,
		Serial:   chain[0].SerialNumber.Bytes(),
		NotAfter: chain[0].NotAfter,
	}

	m.log.Debugf("Certificate applied: type = %s, url = %s", m.certType, certURL)

	return info, m.userPIN, nil
}

// RemoveCert destroys the certificate object addressed by certURL.
func (m *PKCS11Module) RemoveCert(certURL, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.createSession(true, m.userPIN)
	if err != nil {
		return err
	}

	parsed, err := cryptoutils.ParsePKCS11URL(certURL)
	if err != nil {
		return err
	}

	return aospkcs11.DeleteCertificate(session, parsed.ID[:], parsed.Label)
}

// RemoveKey destroys the key pair addressed by keyURL.
func (m *PKCS11Module) RemoveKey(keyURL, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.createSession(true, m.userPIN)
	if err != nil {
		return err
	}

	parsed, err := cryptoutils.ParsePKCS11URL(keyURL)
	if err != nil {
		return err
	}

	key, err := aospkcs11.FindPrivateKey(session, parsed.ID[:], parsed.Label)
	if err != nil {
		return err
	}

	return aospkcs11.DeletePrivateKey(session, key)
}

// ValidateCertificates pairs token objects by id: a credential is valid only
// when private key, public key and certificate all exist. Everything left
// unpaired is reported through its URL as invalid.
func (m *PKCS11Module) ValidateCertificates() (
	invalidCerts, invalidKeys []string, validCerts []certhandler.CertInfo, err error,
) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owned, err := m.isOwned()
	if err != nil || !owned {
		return nil, nil, nil, err
	}

	session, err := m.createSession(true, m.userPIN)
	if err != nil {
		return nil, nil, nil, err
	}

	certs, err := m.findSearchObjects(session, pkcs11.CKO_CERTIFICATE)
	if err != nil {
		return nil, nil, nil, err
	}

	privKeys, err := m.findSearchObjects(session, pkcs11.CKO_PRIVATE_KEY)
	if err != nil {
		return nil, nil, nil, err
	}

	pubKeys, err := m.findSearchObjects(session, pkcs11.CKO_PUBLIC_KEY)
	if err != nil {
		return nil, nil, nil, err
	}

	for _, privKey := range privKeys {
		pubKey := takeObjectByID(&pubKeys, privKey.id)
		if pubKey == nil {
			invalidKeys = append(invalidKeys, m.createURL(privKey.id))

			continue
		}

		cert := takeObjectByID(&certs, privKey.id)
		if cert == nil {
			invalidKeys = append(invalidKeys, m.createURL(privKey.id), m.createURL(pubKey.id))

			continue
		}

		x509Cert, err := m.getX509Cert(session, cert.handle)
		if err != nil {
			return nil, nil, nil, err
		}

		validCerts = append(validCerts, certhandler.CertInfo{
			CertURL:  m.createURL(cert.id),
			KeyURL:   m.createURL(privKey.id),
			Issuer:   x509Cert.RawIssuer,
			Serial:   x509Cert.SerialNumber.Bytes(),
			NotAfter: x509Cert.NotAfter,
		})
	}

	for _, cert := range certs {
		invalidCerts = append(invalidCerts, m.createURL(cert.id))
	}

	for _, pubKey := range pubKeys {
		invalidKeys = append(invalidKeys, m.createURL(pubKey.id))
	}

	return invalidCerts, invalidKeys, validCerts, nil
}

// Close drops the cached session.
func (m *PKCS11Module) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeSession()
}

type searchObject struct {
	handle pkcs11.ObjectHandle
	id     uuid.UUID
}

// resolveSlotID applies the slot-selection policy: exactly one of slot id,
// slot index and token label; a label falls back to the first uninitialized
// slot as an init-token candidate.
func (m *PKCS11Module) resolveSlotID() (aospkcs11.SlotID, error) {
	paramCount := 0

	if m.config.SlotID != nil {
		paramCount++
	}

	if m.config.SlotIndex != nil {
		paramCount++
	}

	if m.config.TokenLabel != "" {
		paramCount++
	}

	if paramCount > 1 {
		return 0, fmt.Errorf(
			"%w: only one of slotId, slotIndex or tokenLabel may be specified", iamerrors.ErrInvalidArgument)
	}

	if m.config.SlotID != nil {
		return *m.config.SlotID, nil
	}

	slots, err := m.library.GetSlotList(false)
	if err != nil {
		return 0, err
	}

	if m.config.SlotIndex != nil {
		index := *m.config.SlotIndex

		if index < 0 || index >= len(slots) {
			return 0, fmt.Errorf("%w: slot index %d", iamerrors.ErrInvalidArgument, index)
		}

		return slots[index], nil
	}

	var (
		freeSlotID    aospkcs11.SlotID
		freeSlotFound bool
	)

	for _, slotID := range slots {
		slotInfo, err := m.library.GetSlotInfo(slotID)
		if err != nil {
			return 0, err
		}

		if !slotInfo.TokenPresent {
			continue
		}

		tokenInfo, err := m.library.GetTokenInfo(slotID)
		if err != nil {
			return 0, err
		}

		if tokenInfo.Label == m.tokenLabel {
			return slotID, nil
		}

		if !tokenInfo.Initialized && !freeSlotFound {
			freeSlotID = slotID
			freeSlotFound = true
		}
	}

	if freeSlotFound {
		return freeSlotID, nil
	}

	return 0, fmt.Errorf("%w: no suitable slot found", iamerrors.ErrNotFound)
}

func (m *PKCS11Module) isOwned() (bool, error) {
	tokenInfo, err := m.library.GetTokenInfo(m.slotID)
	if err != nil {
		return false, err
	}

	return tokenInfo.Initialized, nil
}

// createSession returns the cached session, reopening or re-logging-in when
// the requested login kind does not match the current session state.
func (m *PKCS11Module) createSession(userLogin bool, pin string) (*aospkcs11.Session, error) {
	if m.session == nil {
		session, err := m.library.OpenSession(m.slotID)
		if err != nil {
			return nil, err
		}

		m.session = session
	}

	m.log.Debugf("Create session: session = %d, slotID = %d", m.session.Handle(), m.slotID)

	state, err := m.session.State()
	if err != nil {
		return nil, err
	}

	if (userLogin && state == aospkcs11.StateSOLogin) || (!userLogin && state == aospkcs11.StateUserLogin) {
		if err := m.session.Logout(); err != nil {
			return nil, err
		}

		state = aospkcs11.StateNoLogin
	}

	switch {
	case userLogin && state != aospkcs11.StateUserLogin:
		m.log.Debugf("User login: session = %d, slotID = %d", m.session.Handle(), m.slotID)

		if err := m.session.LoginUser(m.userPIN); err != nil && !errors.Is(err, iamerrors.ErrAlreadyLoggedIn) {
			return nil, err
		}

	case !userLogin && state != aospkcs11.StateSOLogin:
		m.log.Debugf("SO login: session = %d, slotID = %d", m.session.Handle(), m.slotID)

		if err := m.session.LoginSO(pin); err != nil && !errors.Is(err, iamerrors.ErrAlreadyLoggedIn) {
			return nil, err
		}
	}

	return m.session, nil
}

func (m *PKCS11Module) closeSession() {
	if m.session != nil {
		_ = m.session.Close()
		m.session = nil
	}
}

func (m *PKCS11Module) getUserPIN() (string, error) {
	if m.teeLoginType != "" {
		return "", nil
	}

	pin, err := os.ReadFile(m.config.UserPINPath)
	if err != nil {
		return "", fmt.Errorf("reading user PIN file: %w", err)
	}

	return string(pin), nil
}

// teeUserPIN synthesizes the user PIN for TEE login types: the public type
// uses the literal type name, user and group get a deterministic
// "<type>:<uuid>" value.
func teeUserPIN(loginType string) (string, error) {
	switch loginType {
	case loginTypePublic:
		return loginType, nil

	case loginTypeUser, loginTypeGroup:
		return loginType + ":" + uuid.NewString(), nil

	default:
		return "", fmt.Errorf("%w: wrong TEE login type %q", iamerrors.ErrInvalidArgument, loginType)
	}
}

func (m *PKCS11Module) importCertChain(session *aospkcs11.Session, id uuid.UUID, chain []*x509.Certificate) error {
	if err := aospkcs11.ImportCertificate(session, id[:], m.certType, chain[0]); err != nil {
		return err
	}

	for _, cert := range chain[1:] {
		hasCert, err := aospkcs11.HasCertificate(session, cert.RawIssuer, cert.SerialNumber)
		if err != nil {
			return err
		}

		if hasCert {
			continue
		}

		// Intermediates get a fresh id so several modules can share a CA
		// without duplicate-serial conflicts.
		freshID := uuid.New()

		if err := aospkcs11.ImportCertificate(session, freshID[:], m.certType, cert); err != nil {
			return err
		}
	}

	return nil
}

func (m *PKCS11Module) createURL(id uuid.UUID) string {
	library := ""
	if m.config.ModulePathInURL {
		library = m.config.Library
	}

	return cryptoutils.EncodePKCS11URL(library, m.tokenLabel, m.certType, id, m.userPIN)
}

func (m *PKCS11Module) findSearchObjects(
	session *aospkcs11.Session, class uint,
) ([]searchObject, error) {
	handles, err := session.FindObjects([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, m.certType),
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
	})
	if err != nil && !errors.Is(err, iamerrors.ErrNotFound) {
		return nil, err
	}

	objects := make([]searchObject, 0, len(handles))

	for _, handle := range handles {
		attrs, err := session.GetAttributeValues(handle, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
		})
		if err != nil {
			return nil, err
		}

		id, err := uuid.FromBytes(attrs[0].Value)
		if err != nil {
			// Objects with foreign ids are not ours to manage.
			m.log.Warnf("Skip object with malformed id: handle = %d", handle)

			continue
		}

		objects = append(objects, searchObject{handle: handle, id: id})
	}

	return objects, nil
}

func (m *PKCS11Module) getX509Cert(session *aospkcs11.Session, handle pkcs11.ObjectHandle) (*x509.Certificate, error) {
	attrs, err := session.GetAttributeValues(handle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
	})
	if err != nil {
		return nil, err
	}

	return aoscrypto.ParseCertificateDER(attrs[0].Value)
}

func (m *PKCS11Module) printInfo() {
	libInfo, err := m.library.GetLibInfo()
	if err == nil {
		m.log.Debugf("Library = %s, manufacturer = %s, description = %s",
			m.config.Library, libInfo.ManufacturerID, libInfo.Description)
	}

	slotInfo, err := m.library.GetSlotInfo(m.slotID)
	if err == nil {
		m.log.Debugf("SlotID = %d, description = %s", m.slotID, slotInfo.Description)
	}

	tokenInfo, err := m.library.GetTokenInfo(m.slotID)
	if err == nil {
		m.log.Debugf("SlotID = %d, token = %s", m.slotID, tokenInfo.Label)
	}
}

func (m *PKCS11Module) logTokenMemInfo() {
	info, err := m.library.GetTokenInfo(m.slotID)
	if err != nil {
		return
	}

	m.log.Debugf("Token mem info: publicMemory = %d/%d, privateMemory = %d/%d",
		info.TotalPublicMemory-info.FreePublicMemory, info.TotalPublicMemory,
		info.TotalPrivateMemory-info.FreePrivateMemory, info.TotalPrivateMemory)
}

func takeObjectByID(objects *[]searchObject, id uuid.UUID) *searchObject {
	for i, object := range *objects {
		if object.id == id {
			*objects = append((*objects)[:i], (*objects)[i+1:]...)

			return &object
		}
	}

	return nil
}
