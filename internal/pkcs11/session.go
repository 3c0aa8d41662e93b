package pkcs11

import (
	"github.com/miekg/pkcs11"
)

// SessionState reflects the Cryptoki session state relevant to the modules:
// whether a user or the security officer is logged in.
type SessionState int

const (
	// StateNoLogin means the session is open without authentication.
	StateNoLogin SessionState = iota
	// StateUserLogin means a normal user is logged in.
	StateUserLogin
	// StateSOLogin means the security officer is logged in.
	StateSOLogin
)

// Session wraps a single Cryptoki session handle. Sessions are not safe for
// concurrent use; the owning module serializes access.
type Session struct {
	lib    *Library
	handle pkcs11.SessionHandle
}

// Handle exposes the raw session handle for logging.
func (s *Session) Handle() uint {
	return uint(s.handle)
}

// State reports the current login state of the session.
func (s *Session) State() (SessionState, error) {
	info, err := s.lib.ctx.GetSessionInfo(s.handle)
	if err != nil {
		return StateNoLogin, wrapRV(err)
	}

	switch info.State {
	case pkcs11.CKS_RO_USER_FUNCTIONS, pkcs11.CKS_RW_USER_FUNCTIONS:
		return StateUserLogin, nil
	case pkcs11.CKS_RW_SO_FUNCTIONS:
		return StateSOLogin, nil
	default:
		return StateNoLogin, nil
	}
}

// LoginUser authenticates the session as a normal user.
func (s *Session) LoginUser(pin string) error {
	if err := s.lib.ctx.Login(s.handle, pkcs11.CKU_USER, pin); err != nil {
		return wrapRV(err)
	}

	return nil
}

// LoginSO authenticates the session as the security officer.
func (s *Session) LoginSO(pin string) error {
	if err := s.lib.ctx.Login(s.handle, pkcs11.CKU_SO, pin); err != nil {
		return wrapRV(err)
	}

	return nil
}

// Logout drops the current authentication.
func (s *Session) Logout() error {
	if err := s.lib.ctx.Logout(s.handle); err != nil {
		return wrapRV(err)
	}

	return nil
}

// InitPIN sets the user PIN. Requires a security-officer login.
func (s *Session) InitPIN(pin string) error {
	if err := s.lib.ctx.InitPIN(s.handle, pin); err != nil {
		return wrapRV(err)
	}

	return nil
}

// FindObjects returns all object handles matching the attribute template.
func (s *Session) FindObjects(template []*pkcs11.Attribute) ([]pkcs11.ObjectHandle, error) {
	if err := s.lib.ctx.FindObjectsInit(s.handle, template); err != nil {
		return nil, wrapRV(err)
	}

	var objects []pkcs11.ObjectHandle

	for {
		batch, more, err := s.lib.ctx.FindObjects(s.handle, findObjectsBatchSize)
		if err != nil {
			_ = s.lib.ctx.FindObjectsFinal(s.handle)

			return nil, wrapRV(err)
		}

		objects = append(objects, batch...)

		if !more {
			break
		}
	}

	if err := s.lib.ctx.FindObjectsFinal(s.handle); err != nil {
		return nil, wrapRV(err)
	}

	return objects, nil
}

// GetAttributeValues reads the requested attributes of an object.
func (s *Session) GetAttributeValues(
	object pkcs11.ObjectHandle, template []*pkcs11.Attribute,
) ([]*pkcs11.Attribute, error) {
	attrs, err := s.lib.ctx.GetAttributeValue(s.handle, object, template)
	if err != nil {
		return nil, wrapRV(err)
	}

	return attrs, nil
}

// CreateObject creates a token object from the attribute template.
func (s *Session) CreateObject(template []*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	handle, err := s.lib.ctx.CreateObject(s.handle, template)
	if err != nil {
		return 0, wrapRV(err)
	}

	return handle, nil
}

// DestroyObject removes a token object.
func (s *Session) DestroyObject(object pkcs11.ObjectHandle) error {
	if err := s.lib.ctx.DestroyObject(s.handle, object); err != nil {
		return wrapRV(err)
	}

	return nil
}

// GenerateKeyPair generates a key pair with the given mechanism and
// attribute templates and returns (public, private) handles.
func (s *Session) GenerateKeyPair(
	mechanism *pkcs11.Mechanism, publicTemplate, privateTemplate []*pkcs11.Attribute,
) (pkcs11.ObjectHandle, pkcs11.ObjectHandle, error) {
	pub, priv, err := s.lib.ctx.GenerateKeyPair(s.handle, []*pkcs11.Mechanism{mechanism}, publicTemplate, privateTemplate)
	if err != nil {
		return 0, 0, wrapRV(err)
	}

	return pub, priv, nil
}

// Sign performs a single-part C_Sign with the given mechanism and key.
func (s *Session) Sign(mechanism *pkcs11.Mechanism, key pkcs11.ObjectHandle, data []byte) ([]byte, error) {
	if err := s.lib.ctx.SignInit(s.handle, []*pkcs11.Mechanism{mechanism}, key); err != nil {
		return nil, wrapRV(err)
	}

	signature, err := s.lib.ctx.Sign(s.handle, data)
	if err != nil {
		return nil, wrapRV(err)
	}

	return signature, nil
}

// Decrypt performs a single-part C_Decrypt with the given mechanism and key.
func (s *Session) Decrypt(mechanism *pkcs11.Mechanism, key pkcs11.ObjectHandle, data []byte) ([]byte, error) {
	if err := s.lib.ctx.DecryptInit(s.handle, []*pkcs11.Mechanism{mechanism}, key); err != nil {
		return nil, wrapRV(err)
	}

	plain, err := s.lib.ctx.Decrypt(s.handle, data)
	if err != nil {
		return nil, wrapRV(err)
	}

	return plain, nil
}

// Close closes the session handle.
func (s *Session) Close() error {
	if err := s.lib.ctx.CloseSession(s.handle); err != nil {
		return wrapRV(err)
	}

	return nil
}

const findObjectsBatchSize = 32
