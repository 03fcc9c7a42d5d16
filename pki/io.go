package pki

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/ioutil"
)

// LoadCertificate returns the *x509.Certificate loaded from the PEM encoded
// certificate in the provided file, or returns an error.
func LoadCertificate(file string) (*x509.Certificate, error) {
	if pemBytes, err := ioutil.ReadFile(file); err != nil {
		return nil, err
	} else if certBlock, rest := pem.Decode(pemBytes); len(rest) != 0 {
		return nil, fmt.Errorf("%q contained %d extra bytes after PEM decoding",
			file, len(rest))
	} else if certBlock == nil {
		return nil, fmt.Errorf("%q contained no PEM blocks", file)
	} else if certBlock.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%q contained a PEM block with type %q, not CERTIFICATE", file, certBlock.Type)
	} else if cert, err := x509.ParseCertificate(certBlock.Bytes); err != nil {
		return nil, err
	} else {
		return cert, nil
	}
}
