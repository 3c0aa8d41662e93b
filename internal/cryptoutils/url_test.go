package cryptoutils

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/aosedge/aos-core-iam/internal/iamerrors"
)

func TestPKCS11URLRoundTrip(t *testing.T) {
	id := uuid.New()

	testCases := []struct {
		name    string
		library string
		pin     string
	}{
		{name: "full", library: "/usr/lib/softhsm/libsofthsm2.so", pin: "42hex"},
		{name: "no module path", library: "", pin: "42hex"},
		{name: "no pin", library: "", pin: ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := EncodePKCS11URL(tc.library, "aos", "iam", id, tc.pin)

			decoded, err := ParsePKCS11URL(encoded)
			if err != nil {
				t.Fatalf("ParsePKCS11URL returned error: %v", err)
			}

			if decoded.Library != tc.library || decoded.Token != "aos" ||
				decoded.Label != "iam" || decoded.ID != id || decoded.UserPIN != tc.pin {
				t.Fatalf("decoded URL mismatch: %+v", decoded)
			}
		})
	}
}

func TestPKCS11URLFormat(t *testing.T) {
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")

	encoded := EncodePKCS11URL("/lib/p11.so", "aos", "iam", id, "1234")
	expected := "pkcs11:token=aos;object=iam;id=11111111-2222-3333-4444-555555555555?module-path=/lib/p11.so&pin-value=1234"

	if encoded != expected {
		t.Fatalf("unexpected URL: %s", encoded)
	}
}

func TestParsePKCS11URLRejectsMalformed(t *testing.T) {
	testCases := []struct {
		name string
		url  string
	}{
		{name: "wrong scheme", url: "file:/tmp/cert.pem"},
		{name: "missing object", url: "pkcs11:token=aos;id=11111111-2222-3333-4444-555555555555"},
		{name: "missing id", url: "pkcs11:token=aos;object=iam"},
		{name: "malformed id", url: "pkcs11:token=aos;object=iam;id=not-a-uuid"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParsePKCS11URL(tc.url); !errors.Is(err, iamerrors.ErrInvalidArgument) {
				t.Fatalf("expected invalid argument, got %v", err)
			}
		})
	}
}

func TestFileURLRoundTrip(t *testing.T) {
	path, err := ParseFileURL(EncodeFileURL("/var/lib/aos/certs/iam.pem"))
	if err != nil {
		t.Fatalf("ParseFileURL returned error: %v", err)
	}

	if path != "/var/lib/aos/certs/iam.pem" {
		t.Fatalf("unexpected path: %s", path)
	}
}

func TestParseURLScheme(t *testing.T) {
	scheme, _, err := ParseURLScheme("pkcs11:token=aos")
	if err != nil || scheme != "pkcs11" {
		t.Fatalf("unexpected result: %s, %v", scheme, err)
	}

	if _, _, err := ParseURLScheme("no-scheme-here"); err == nil {
		t.Fatal("expected error for URL without scheme")
	}
}
