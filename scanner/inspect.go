package scanner

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/certificate-transparency-go/asn1"
	ctx509 "github.com/google/certificate-transparency-go/x509"
	"github.com/google/certificate-transparency-go/x509/pkix"
)

// Observation reports one extension present in an inspected certificate.
type Observation struct {
	OID      asn1.ObjectIdentifier
	Critical bool
	// Value is the raw contents of the extension's extnValue OCTET STRING.
	Value []byte
}

// Inspect parses an entry's certificate DER and returns an Observation for
// each extension whose OID appears in targets, in the order the extensions
// appear in the certificate. An empty target list reports every extension.
//
// Parsing is as tolerant as possible: non-fatal x509 errors are ignored,
// and certificates the full parser rejects outright fall back to a direct
// walk of the TBS extension list. Only when both fail is a *CertParseError
// returned; identical input bytes always produce identical results.
func Inspect(entry *Entry, targets []asn1.ObjectIdentifier) ([]Observation, error) {
	exts, err := certExtensions(entry)
	if err != nil {
		return nil, &CertParseError{Index: entry.Index, Err: err}
	}

	var obs []Observation
	for _, ext := range exts {
		if len(targets) > 0 && !containsOID(targets, ext.OID) {
			continue
		}
		obs = append(obs, ext)
	}
	return obs, nil
}

// certExtensions extracts the extension list from the entry's DER bytes,
// trying the full x509 parser first and the raw walk second.
func certExtensions(entry *Entry) ([]Observation, error) {
	var cert *ctx509.Certificate
	var err error
	switch entry.Kind {
	case KindPrecert:
		cert, err = ctx509.ParseTBSCertificate(entry.Cert)
	default:
		cert, err = ctx509.ParseCertificate(entry.Cert)
	}
	if err != nil && !ctx509.IsFatal(err) {
		err = nil
	}
	if err == nil && cert != nil {
		return fromPKIXExtensions(cert.Extensions), nil
	}
	parseErr := err

	obs, walkErr := walkExtensions(entry.Cert, entry.Kind == KindPrecert)
	if walkErr != nil {
		return nil, fmt.Errorf("%s (fallback walk: %s)", parseErr, walkErr)
	}
	return obs, nil
}

func fromPKIXExtensions(exts []pkix.Extension) []Observation {
	obs := make([]Observation, 0, len(exts))
	for _, ext := range exts {
		obs = append(obs, Observation{
			OID:      ext.Id,
			Critical: ext.Critical,
			Value:    ext.Value,
		})
	}
	return obs
}

// walkExtensions steps through the DER by hand, reading only as much
// structure as locating the extension list requires: the TBS sequence,
// then its `[3] EXPLICIT Extensions` member, then each
// SEQUENCE { extnID, critical BOOLEAN OPTIONAL, extnValue OCTET STRING }.
// Everything else in the certificate is skipped unparsed, which lets the
// walk succeed on certificates the full parser rejects. When tbsOnly is
// set der is taken to be a bare TBS structure with no outer signature
// wrapper, as carried by precert entries.
func walkExtensions(der []byte, tbsOnly bool) ([]Observation, error) {
	var outer asn1.RawValue
	if _, err := asn1.Unmarshal(der, &outer); err != nil {
		return nil, err
	}

	tbs := outer
	if !tbsOnly {
		// certificate ::= SEQUENCE { tbsCertificate, signatureAlgorithm,
		// signature }; only the first member is wanted.
		if _, err := asn1.Unmarshal(outer.Bytes, &tbs); err != nil {
			return nil, err
		}
	}

	rest := tbs.Bytes
	for len(rest) > 0 {
		var elem asn1.RawValue
		var err error
		rest, err = asn1.Unmarshal(rest, &elem)
		if err != nil {
			return nil, err
		}
		if elem.Class == asn1.ClassContextSpecific && elem.Tag == 3 && elem.IsCompound {
			return parseExtensionList(elem.Bytes)
		}
	}
	// A TBS with no [3] member legitimately has no extensions.
	return nil, nil
}

func parseExtensionList(wrapper []byte) ([]Observation, error) {
	var list asn1.RawValue
	if _, err := asn1.Unmarshal(wrapper, &list); err != nil {
		return nil, err
	}

	var obs []Observation
	rest := list.Bytes
	for len(rest) > 0 {
		var ext asn1.RawValue
		var err error
		rest, err = asn1.Unmarshal(rest, &ext)
		if err != nil {
			return nil, err
		}

		inner := ext.Bytes
		var oid asn1.ObjectIdentifier
		inner, err = asn1.Unmarshal(inner, &oid)
		if err != nil {
			return nil, err
		}
		critical := false
		if len(inner) > 0 && inner[0] == 0x01 {
			inner, err = asn1.Unmarshal(inner, &critical)
			if err != nil {
				return nil, err
			}
		}
		var value []byte
		if _, err = asn1.Unmarshal(inner, &value); err != nil {
			return nil, err
		}
		obs = append(obs, Observation{OID: oid, Critical: critical, Value: value})
	}
	return obs, nil
}

func containsOID(oids []asn1.ObjectIdentifier, oid asn1.ObjectIdentifier) bool {
	for _, candidate := range oids {
		if candidate.Equal(oid) {
			return true
		}
	}
	return false
}

// ParseOID converts a dotted-decimal string like "2.5.29.30" into an
// ObjectIdentifier.
func ParseOID(s string) (asn1.ObjectIdentifier, error) {
	if s == "" {
		return nil, errors.New("OID must not be empty")
	}
	parts := strings.Split(s, ".")
	oid := make(asn1.ObjectIdentifier, 0, len(parts))
	for _, part := range parts {
		arc, err := strconv.Atoi(part)
		if err != nil || arc < 0 {
			return nil, fmt.Errorf("OID %q has invalid arc %q", s, part)
		}
		oid = append(oid, arc)
	}
	if len(oid) < 2 {
		return nil, fmt.Errorf("OID %q must have at least two arcs", s)
	}
	return oid, nil
}
