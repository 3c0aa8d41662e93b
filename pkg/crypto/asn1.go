package crypto

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"strings"

	"github.com/aosedge/aos-core-iam/internal/iamerrors"
)

// OIDs emitted into CSRs and certificates.
var (
	OIDExtensionExtendedKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 37}
	OIDExtKeyUsageClientAuth     = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 1}
	OIDExtKeyUsageServerAuth     = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 2}
)

var attrTypeOIDs = map[string]asn1.ObjectIdentifier{
	"CN":           {2, 5, 4, 3},
	"SERIALNUMBER": {2, 5, 4, 5},
	"C":            {2, 5, 4, 6},
	"L":            {2, 5, 4, 7},
	"ST":           {2, 5, 4, 8},
	"STREET":       {2, 5, 4, 9},
	"O":            {2, 5, 4, 10},
	"OU":           {2, 5, 4, 11},
	"POSTALCODE":   {2, 5, 4, 17},
	"UID":          {0, 9, 2342, 19200300, 100, 1, 1},
	"DC":           {0, 9, 2342, 19200300, 100, 1, 25},
}

// ASN1EncodeDN encodes an RFC 4514 distinguished-name string ("CN=unit,O=org")
// into a DER-encoded RDNSequence. Attribute order in the string follows the
// RFC convention (most specific first), which is the reverse of DER order.
func ASN1EncodeDN(dn string) ([]byte, error) {
	parts, err := splitDN(dn)
	if err != nil {
		return nil, err
	}

	var rdns pkix.RDNSequence

	// RFC 4514 lists RDNs in reverse of their encoding order.
	for i := len(parts) - 1; i >= 0; i-- {
		name, value, found := strings.Cut(parts[i], "=")
		if !found {
			return nil, fmt.Errorf("%w: malformed DN component %q", iamerrors.ErrInvalidArgument, parts[i])
		}

		oid, ok := attrTypeOIDs[strings.ToUpper(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("%w: unknown DN attribute %q", iamerrors.ErrInvalidArgument, name)
		}

		rdns = append(rdns, []pkix.AttributeTypeAndValue{{Type: oid, Value: unescapeDNValue(value)}})
	}

	der, err := asn1.Marshal(rdns)
	if err != nil {
		return nil, fmt.Errorf("encoding DN: %w", err)
	}

	return der, nil
}

// ASN1DecodeDN renders a DER-encoded RDNSequence back into its RFC 4514
// string form.
func ASN1DecodeDN(der []byte) (string, error) {
	var rdns pkix.RDNSequence

	rest, err := asn1.Unmarshal(der, &rdns)
	if err != nil {
		return "", fmt.Errorf("decoding DN: %w", err)
	}

	if len(rest) != 0 {
		return "", fmt.Errorf("%w: trailing data after DN", iamerrors.ErrInvalidArgument)
	}

	return rdns.String(), nil
}

// ASN1EncodeObjectIds DER-encodes the identifiers as a SEQUENCE OF OBJECT
// IDENTIFIER. This is the value format of the extended-key-usage extension.
func ASN1EncodeObjectIds(oids []asn1.ObjectIdentifier) ([]byte, error) {
	der, err := asn1.Marshal(oids)
	if err != nil {
		return nil, fmt.Errorf("encoding object identifiers: %w", err)
	}

	return der, nil
}

// ASN1EncodeBigInt DER-encodes an INTEGER.
func ASN1EncodeBigInt(value *big.Int) ([]byte, error) {
	if value == nil {
		return nil, fmt.Errorf("%w: nil integer", iamerrors.ErrInvalidArgument)
	}

	der, err := asn1.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding integer: %w", err)
	}

	return der, nil
}

// ASN1EncodeDERSequence wraps already-encoded DER items into a SEQUENCE.
func ASN1EncodeDERSequence(items [][]byte) ([]byte, error) {
	var content []byte

	for _, item := range items {
		content = append(content, item...)
	}

	der, err := asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassUniversal,
		Tag:        asn1.TagSequence,
		IsCompound: true,
		Bytes:      content,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding sequence: %w", err)
	}

	return der, nil
}

// ASN1DecodeOctetString extracts the payload of a DER OCTET STRING.
func ASN1DecodeOctetString(der []byte) ([]byte, error) {
	var value []byte

	if _, err := asn1.Unmarshal(der, &value); err != nil {
		return nil, fmt.Errorf("decoding octet string: %w", err)
	}

	return value, nil
}

// ASN1DecodeOID decodes a DER OBJECT IDENTIFIER.
func ASN1DecodeOID(der []byte) (asn1.ObjectIdentifier, error) {
	var oid asn1.ObjectIdentifier

	if _, err := asn1.Unmarshal(der, &oid); err != nil {
		return nil, fmt.Errorf("decoding object identifier: %w", err)
	}

	return oid, nil
}

// splitDN splits an RFC 4514 string on unescaped commas.
func splitDN(dn string) ([]string, error) {
	if strings.TrimSpace(dn) == "" {
		return nil, fmt.Errorf("%w: empty DN", iamerrors.ErrInvalidArgument)
	}

	var (
		parts   []string
		current strings.Builder
		escaped bool
	)

	for _, r := range dn {
		switch {
		case escaped:
			current.WriteRune('\\')
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ',':
			parts = append(parts, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}

	if escaped {
		return nil, fmt.Errorf("%w: DN ends with escape", iamerrors.ErrInvalidArgument)
	}

	parts = append(parts, strings.TrimSpace(current.String()))

	return parts, nil
}

func unescapeDNValue(value string) string {
	var (
		out     strings.Builder
		escaped bool
	)

	for _, r := range value {
		switch {
		case escaped:
			out.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		default:
			out.WriteRune(r)
		}
	}

	return out.String()
}
