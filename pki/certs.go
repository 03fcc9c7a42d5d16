package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"math"
	"math/big"

	"github.com/jmhodges/clock"
)

// Domain suffix for the subject common name of generated test
// certificates. The prefix is derived from the certificate serial number.
const testCertDomain = ".nuthatch.testing.invalid"

// RandSerial generates a random *bigInt to use as a certificate serial or
// returns an error.
func RandSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	if err != nil {
		return nil, err
	}
	return serial, nil
}

// RandKey generates a random ECDSA private key or returns an error.
func RandKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// IssueCertificate uses the provided issuerKey and issuerCert to issue a new
// X509 Certificate with the provided subjectKey based on the provided template.
func IssueCertificate(
	subjectKey crypto.PublicKey,
	issuerKey *ecdsa.PrivateKey,
	issuerCert, template *x509.Certificate) (*x509.Certificate, error) {
	if subjectKey == nil {
		return nil, errors.New("cannot IssueCertificate with nil subjectKey")
	}
	if issuerKey == nil {
		return nil, errors.New("cannot IssueCertificate with nil issuerKey")
	}
	if issuerCert == nil {
		return nil, errors.New("cannot IssueCertificate with nil issuerCert")
	}
	if template == nil {
		return nil, errors.New("cannot IssueCertificate with nil template")
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, issuerCert, subjectKey, issuerKey)
	if err != nil {
		return nil, err
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, err
	}
	return cert, nil
}

// TestCertOptions control the extension content of a generated test
// certificate.
type TestCertOptions struct {
	// PermittedDNSDomains adds a NameConstraints extension (2.5.29.30)
	// permitting the listed domains.
	PermittedDNSDomains []string
	// NameConstraintsCritical marks the NameConstraints extension
	// critical.
	NameConstraintsCritical bool
	// ExtraExtensions are copied into the certificate verbatim.
	ExtraExtensions []pkix.Extension
}

// SelfSigned issues a minimal self-signed certificate carrying the
// extensions described by opts. The subject common name is a random
// subdomain under the `testCertDomain` domain. Validity is anchored to the
// provided clock so generated fixtures are stable under a fake clock.
func SelfSigned(clk clock.Clock, opts TestCertOptions) (*x509.Certificate, error) {
	key, err := RandKey()
	if err != nil {
		return nil, err
	}
	serial, err := RandSerial()
	if err != nil {
		return nil, err
	}

	domain := hex.EncodeToString(serial.Bytes()[:5]) + testCertDomain

	template := &x509.Certificate{
		Subject: pkix.Name{
			CommonName: domain,
		},
		DNSNames:                    []string{domain},
		SerialNumber:                serial,
		NotBefore:                   clk.Now(),
		NotAfter:                    clk.Now().AddDate(0, 0, 90),
		KeyUsage:                    x509.KeyUsageDigitalSignature,
		BasicConstraintsValid:       true,
		IsCA:                        len(opts.PermittedDNSDomains) > 0,
		PermittedDNSDomains:         opts.PermittedDNSDomains,
		PermittedDNSDomainsCritical: opts.NameConstraintsCritical,
		ExtraExtensions:             opts.ExtraExtensions,
	}

	return IssueCertificate(key.Public(), key, template, template)
}
