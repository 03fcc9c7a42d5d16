package scanner

import (
	"crypto/sha256"
	"errors"
	"fmt"

	ct "github.com/google/certificate-transparency-go"
	cttls "github.com/google/certificate-transparency-go/tls"
)

// EntryKind says which certificate payload variant an Entry carries.
type EntryKind int

const (
	// KindX509 entries carry a final end-entity certificate.
	KindX509 EntryKind = iota
	// KindPrecert entries carry an issuer key hash and a TBS certificate.
	KindPrecert
)

func (k EntryKind) String() string {
	switch k {
	case KindX509:
		return "x509"
	case KindPrecert:
		return "precert"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Entry is one decoded timestamped log entry. Cert holds the DER bytes to
// inspect: the end-entity certificate for x509 entries, the TBS certificate
// for precert entries.
type Entry struct {
	Index     uint64
	Timestamp uint64
	Kind      EntryKind
	Cert      []byte
	// IssuerKeyHash is set for precert entries only.
	IssuerKeyHash [sha256.Size]byte
}

// DecodeLeaf converts one raw (leaf_input, extra_data) pair into an Entry.
// It is a pure function of its input bytes and safe to call from parallel
// workers. All failures are *DecodeError values referencing index. The
// extra_data blob carries issuance chain material the inspector does not
// need and is ignored.
func DecodeLeaf(index uint64, leafInput, extraData []byte) (*Entry, error) {
	var leaf ct.MerkleTreeLeaf
	rest, err := cttls.Unmarshal(leafInput, &leaf)
	if err != nil {
		return nil, &DecodeError{Index: index, Err: err}
	}
	if len(rest) > 0 {
		return nil, &DecodeError{
			Index: index,
			Err:   fmt.Errorf("%d trailing bytes after MerkleTreeLeaf", len(rest)),
		}
	}
	if leaf.Version != ct.V1 {
		return nil, &DecodeError{
			Index: index,
			Err:   fmt.Errorf("unsupported leaf version %v", leaf.Version),
		}
	}
	if leaf.LeafType != ct.TimestampedEntryLeafType || leaf.TimestampedEntry == nil {
		return nil, &DecodeError{
			Index: index,
			Err:   fmt.Errorf("unsupported leaf type %v", leaf.LeafType),
		}
	}

	te := leaf.TimestampedEntry
	entry := &Entry{
		Index:     index,
		Timestamp: te.Timestamp,
	}
	switch te.EntryType {
	case ct.X509LogEntryType:
		if te.X509Entry == nil || len(te.X509Entry.Data) == 0 {
			return nil, &DecodeError{Index: index, Err: errors.New("x509 entry with empty certificate")}
		}
		entry.Kind = KindX509
		entry.Cert = te.X509Entry.Data
	case ct.PrecertLogEntryType:
		if te.PrecertEntry == nil || len(te.PrecertEntry.TBSCertificate) == 0 {
			return nil, &DecodeError{Index: index, Err: errors.New("precert entry with empty TBS certificate")}
		}
		entry.Kind = KindPrecert
		entry.Cert = te.PrecertEntry.TBSCertificate
		entry.IssuerKeyHash = te.PrecertEntry.IssuerKeyHash
	default:
		return nil, &DecodeError{
			Index: index,
			Err:   fmt.Errorf("unknown entry type %v", te.EntryType),
		}
	}
	return entry, nil
}
