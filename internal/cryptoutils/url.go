// Package cryptoutils provides the URL scheme used to address issued
// credentials (file: and pkcs11:) and a loader resolving those URLs into
// parsed certificates and signers.
package cryptoutils

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/aosedge/aos-core-iam/internal/iamerrors"
)

const (
	// SchemeFile addresses credentials on the filesystem.
	SchemeFile = "file"
	// SchemePKCS11 addresses credentials on a Cryptoki token.
	SchemePKCS11 = "pkcs11"
)

// PKCS11URL is the decoded form of a pkcs11: URL.
type PKCS11URL struct {
	// Library is the module path, empty when the library is found by
	// configuration instead of by URL.
	Library string
	// Token is the token label.
	Token string
	// Label is the object label (CKA_LABEL).
	Label string
	// ID is the object id (CKA_ID).
	ID uuid.UUID
	// UserPIN is the user PIN, may be empty.
	UserPIN string
}

// EncodePKCS11URL renders a pkcs11: URL for an object on the token. The
// module-path pair appears only when library is set; the pin-value pair only
// when the PIN is non-empty.
func EncodePKCS11URL(library, token, label string, id uuid.UUID, userPIN string) string {
	var opaque strings.Builder

	opaque.WriteString("token=" + token)

	if label != "" {
		opaque.WriteString(";object=" + label)
	}

	opaque.WriteString(";id=" + id.String())

	var query []string

	if library != "" {
		query = append(query, "module-path="+library)
	}

	if userPIN != "" {
		query = append(query, "pin-value="+userPIN)
	}

	if len(query) == 0 {
		return SchemePKCS11 + ":" + opaque.String()
	}

	return SchemePKCS11 + ":" + opaque.String() + "?" + strings.Join(query, "&")
}

// ParsePKCS11URL decodes a pkcs11: URL. The object label and id are
// mandatory; module-path and pin-value are optional.
func ParsePKCS11URL(rawURL string) (PKCS11URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return PKCS11URL{}, fmt.Errorf("%w: %v", iamerrors.ErrInvalidArgument, err)
	}

	if parsed.Scheme != SchemePKCS11 {
		return PKCS11URL{}, fmt.Errorf("%w: unexpected scheme %q", iamerrors.ErrInvalidArgument, parsed.Scheme)
	}

	attrs := map[string]string{}

	for _, pair := range strings.Split(parsed.Opaque, ";") {
		if name, value, found := strings.Cut(pair, "="); found {
			attrs[name] = value
		}
	}

	query, err := url.ParseQuery(parsed.RawQuery)
	if err != nil {
		return PKCS11URL{}, fmt.Errorf("%w: %v", iamerrors.ErrInvalidArgument, err)
	}

	result := PKCS11URL{
		Library: query.Get("module-path"),
		Token:   attrs["token"],
		Label:   attrs["object"],
		UserPIN: query.Get("pin-value"),
	}

	if result.Label == "" {
		return PKCS11URL{}, fmt.Errorf("%w: missing object label", iamerrors.ErrInvalidArgument)
	}

	rawID, ok := attrs["id"]
	if !ok {
		return PKCS11URL{}, fmt.Errorf("%w: missing object id", iamerrors.ErrInvalidArgument)
	}

	if result.ID, err = uuid.Parse(rawID); err != nil {
		return PKCS11URL{}, fmt.Errorf("%w: malformed object id %q", iamerrors.ErrInvalidArgument, rawID)
	}

	return result, nil
}

// EncodeFileURL renders a file: URL for an absolute path.
func EncodeFileURL(path string) string {
	return SchemeFile + ":" + path
}

// ParseFileURL extracts the path of a file: URL.
func ParseFileURL(rawURL string) (string, error) {
	scheme, path, err := ParseURLScheme(rawURL)
	if err != nil {
		return "", err
	}

	if scheme != SchemeFile {
		return "", fmt.Errorf("%w: unexpected scheme %q", iamerrors.ErrInvalidArgument, scheme)
	}

	return path, nil
}

// ParseURLScheme splits a URL into its scheme and the remainder.
func ParseURLScheme(rawURL string) (scheme, rest string, err error) {
	scheme, rest, found := strings.Cut(rawURL, ":")
	if !found || scheme == "" {
		return "", "", fmt.Errorf("%w: URL %q has no scheme", iamerrors.ErrInvalidArgument, rawURL)
	}

	return scheme, rest, nil
}
