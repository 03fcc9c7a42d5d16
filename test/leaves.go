package test

import (
	"crypto/sha256"
	"testing"

	ct "github.com/google/certificate-transparency-go"
	cttls "github.com/google/certificate-transparency-go/tls"
)

// CertLeaf builds the LeafEntry for an x509 entry wrapping the given
// certificate DER with the given timestamp.
func CertLeaf(t *testing.T, der []byte, timestamp uint64) ct.LeafEntry {
	t.Helper()
	leaf := ct.MerkleTreeLeaf{
		Version:  ct.V1,
		LeafType: ct.TimestampedEntryLeafType,
		TimestampedEntry: &ct.TimestampedEntry{
			Timestamp: timestamp,
			EntryType: ct.X509LogEntryType,
			X509Entry: &ct.ASN1Cert{Data: der},
		},
	}
	return marshalLeaf(t, leaf)
}

// PrecertLeaf builds the LeafEntry for a precert entry wrapping the given
// TBS certificate DER and issuer key hash with the given timestamp.
func PrecertLeaf(t *testing.T, tbs []byte, issuerKeyHash [sha256.Size]byte, timestamp uint64) ct.LeafEntry {
	t.Helper()
	leaf := ct.MerkleTreeLeaf{
		Version:  ct.V1,
		LeafType: ct.TimestampedEntryLeafType,
		TimestampedEntry: &ct.TimestampedEntry{
			Timestamp:    timestamp,
			EntryType:    ct.PrecertLogEntryType,
			PrecertEntry: &ct.PreCert{IssuerKeyHash: issuerKeyHash, TBSCertificate: tbs},
		},
	}
	return marshalLeaf(t, leaf)
}

// RawLeaf builds a LeafEntry carrying arbitrary leaf_input bytes, e.g.
// deliberately malformed data.
func RawLeaf(leafInput []byte) ct.LeafEntry {
	return ct.LeafEntry{LeafInput: leafInput}
}

func marshalLeaf(t *testing.T, leaf ct.MerkleTreeLeaf) ct.LeafEntry {
	t.Helper()
	leafInput, err := cttls.Marshal(leaf)
	if err != nil {
		t.Fatalf("Unable to marshal MerkleTreeLeaf: %s", err.Error())
	}
	return ct.LeafEntry{LeafInput: leafInput}
}
