package cryptoutils

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/miekg/pkcs11"

	"github.com/aosedge/aos-core-iam/internal/iamerrors"
	aospkcs11 "github.com/aosedge/aos-core-iam/internal/pkcs11"
	aoscrypto "github.com/aosedge/aos-core-iam/pkg/crypto"
	"github.com/aosedge/aos-core-iam/pkg/log"
)

// CertLoader resolves file: and pkcs11: URLs into parsed certificate chains
// and private-key signers. PKCS#11 sessions are opened per call and stay
// open while the returned key is in use.
type CertLoader struct {
	defaultLibrary string
	log            *log.PrefixLogger
}

// NewCertLoader creates a loader. defaultLibrary is used for pkcs11: URLs
// that carry no module-path.
func NewCertLoader(defaultLibrary string, logger *log.PrefixLogger) *CertLoader {
	return &CertLoader{defaultLibrary: defaultLibrary, log: logger}
}

// LoadCertsChainByURL loads a certificate chain, leaf first.
func (l *CertLoader) LoadCertsChainByURL(rawURL string) ([]*x509.Certificate, error) {
	scheme, _, err := ParseURLScheme(rawURL)
	if err != nil {
		return nil, err
	}

	switch scheme {
	case SchemeFile:
		path, err := ParseFileURL(rawURL)
		if err != nil {
			return nil, err
		}

		pemData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading certificate file: %w", err)
		}

		return aoscrypto.ParseCertificatesPEM(pemData)

	case SchemePKCS11:
		return l.loadTokenCertChain(rawURL)

	default:
		return nil, fmt.Errorf("%w: unsupported URL scheme %q", iamerrors.ErrInvalidArgument, scheme)
	}
}

// LoadPrivKeyByURL loads a private key. For pkcs11: URLs the key stays on
// the token and the returned signer delegates to it.
func (l *CertLoader) LoadPrivKeyByURL(rawURL string) (crypto.Signer, error) {
	scheme, _, err := ParseURLScheme(rawURL)
	if err != nil {
		return nil, err
	}

	switch scheme {
	case SchemeFile:
		path, err := ParseFileURL(rawURL)
		if err != nil {
			return nil, err
		}

		pemData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading key file: %w", err)
		}

		return aoscrypto.ParseKeyPEM(pemData)

	case SchemePKCS11:
		parsed, session, err := l.openTokenSession(rawURL)
		if err != nil {
			return nil, err
		}

		key, err := aospkcs11.FindPrivateKey(session, parsed.ID[:], parsed.Label)
		if err != nil {
			return nil, err
		}

		return key, nil

	default:
		return nil, fmt.Errorf("%w: unsupported URL scheme %q", iamerrors.ErrInvalidArgument, scheme)
	}
}

func (l *CertLoader) openTokenSession(rawURL string) (PKCS11URL, *aospkcs11.Session, error) {
	parsed, err := ParsePKCS11URL(rawURL)
	if err != nil {
		return PKCS11URL{}, nil, err
	}

	libraryPath := parsed.Library
	if libraryPath == "" {
		libraryPath = l.defaultLibrary
	}

	library, err := aospkcs11.OpenLibrary(libraryPath)
	if err != nil {
		return PKCS11URL{}, nil, err
	}

	slotID, err := findTokenSlot(library, parsed.Token)
	if err != nil {
		return PKCS11URL{}, nil, err
	}

	session, err := library.OpenSession(slotID)
	if err != nil {
		return PKCS11URL{}, nil, err
	}

	if parsed.UserPIN != "" {
		if err := session.LoginUser(parsed.UserPIN); err != nil && !errors.Is(err, iamerrors.ErrAlreadyLoggedIn) {
			_ = session.Close()

			return PKCS11URL{}, nil, err
		}
	}

	return parsed, session, nil
}

func (l *CertLoader) loadTokenCertChain(rawURL string) ([]*x509.Certificate, error) {
	l.log.Debugf("Load certificate chain: url = %s", rawURL)

	parsed, session, err := l.openTokenSession(rawURL)
	if err != nil {
		return nil, err
	}

	defer func() { _ = session.Close() }()

	leaf, err := findCertificate(session, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_ID, parsed.ID[:]),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, parsed.Label),
	})
	if err != nil {
		return nil, err
	}

	chain := []*x509.Certificate{leaf}
	seenSubjects := map[string]bool{string(leaf.RawSubject): true}

	// Follow issuer links until a self-issued certificate or a missing
	// parent terminates the chain. Parents are located by subject first,
	// by authority key id second.
	for current := leaf; len(current.RawIssuer) != 0 && !bytes.Equal(current.RawIssuer, current.RawSubject); {
		parent, err := findCertificate(session, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
			pkcs11.NewAttribute(pkcs11.CKA_SUBJECT, current.RawIssuer),
		})
		if err != nil {
			if !errors.Is(err, iamerrors.ErrNotFound) {
				return nil, err
			}

			if len(current.AuthorityKeyId) == 0 {
				break
			}

			if parent, err = findCertificateByKeyID(session, current.AuthorityKeyId); err != nil {
				if errors.Is(err, iamerrors.ErrNotFound) {
					break
				}

				return nil, err
			}
		}

		// A subject seen before means the token holds a certificate loop.
		if seenSubjects[string(parent.RawSubject)] {
			break
		}

		seenSubjects[string(parent.RawSubject)] = true

		chain = append(chain, parent)
		current = parent
	}

	return chain, nil
}

// findCertificateByKeyID scans token certificates for one whose subject key
// id matches keyID.
func findCertificateByKeyID(session *aospkcs11.Session, keyID []byte) (*x509.Certificate, error) {
	objects, err := session.FindObjects([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
	})
	if err != nil {
		return nil, err
	}

	for _, object := range objects {
		cert, err := getCertificate(session, object)
		if err != nil {
			return nil, err
		}

		if bytes.Equal(cert.SubjectKeyId, keyID) {
			return cert, nil
		}
	}

	return nil, fmt.Errorf("%w: certificate with matching subject key id", iamerrors.ErrNotFound)
}

func findTokenSlot(library *aospkcs11.Library, token string) (aospkcs11.SlotID, error) {
	slots, err := library.GetSlotList(true)
	if err != nil {
		return 0, err
	}

	for _, slotID := range slots {
		info, err := library.GetTokenInfo(slotID)
		if err != nil {
			return 0, err
		}

		if info.Label == token {
			return slotID, nil
		}
	}

	return 0, fmt.Errorf("%w: token %q", iamerrors.ErrNotFound, token)
}

func findCertificate(session *aospkcs11.Session, template []*pkcs11.Attribute) (*x509.Certificate, error) {
	objects, err := session.FindObjects(template)
	if err != nil {
		return nil, err
	}

	if len(objects) == 0 {
		return nil, fmt.Errorf("%w: certificate object", iamerrors.ErrNotFound)
	}

	return getCertificate(session, objects[0])
}

func getCertificate(session *aospkcs11.Session, object pkcs11.ObjectHandle) (*x509.Certificate, error) {
	attrs, err := session.GetAttributeValues(object, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
	})
	if err != nil {
		return nil, err
	}

	return aoscrypto.ParseCertificateDER(attrs[0].Value)
}
