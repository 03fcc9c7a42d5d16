package scanner

import (
	"crypto/sha256"

	"github.com/google/certificate-transparency-go/asn1"
)

// Phase identifies the pipeline stage a Diagnostic originated from.
type Phase string

const (
	// PhaseDecode covers failures turning leaf bytes into an Entry.
	PhaseDecode Phase = "decode"
	// PhaseInspect covers failures parsing an entry's certificate DER.
	PhaseInspect Phase = "inspect"
)

// Finding reports one target extension found in one log entry.
type Finding struct {
	// LogIndex is the entry's position in the log.
	LogIndex uint64
	// Timestamp is the entry's timestamp in milliseconds since the epoch.
	Timestamp uint64
	// Kind records whether the inspected bytes came from an end-entity
	// certificate or a precert TBS structure.
	Kind EntryKind
	// OID names the extension that was found.
	OID asn1.ObjectIdentifier
	// Critical is the extension's criticality flag as encoded.
	Critical bool
	// Value is the raw DER contents of the extension's extnValue.
	Value []byte
	// Fingerprint is the SHA-256 digest of the inspected DER bytes.
	Fingerprint [sha256.Size]byte
}

// Diagnostic reports a malformed entry that was skipped. The scan itself
// continues; the diagnostic is the per-index record of why no finding can
// ever be produced for LogIndex.
type Diagnostic struct {
	LogIndex uint64
	Phase    Phase
	Err      error
}

// Sink receives findings and diagnostics from a scan or stream run in
// ascending log index order. Implementations must be safe for use from the
// single controller goroutine; they are never called concurrently.
type Sink interface {
	Finding(Finding)
	Diagnostic(Diagnostic)
}

// Event is the tagged union delivered by a ChannelSink. Exactly one field
// is non-nil.
type Event struct {
	Finding    *Finding
	Diagnostic *Diagnostic
}

// ChannelSink adapts a Sink to a channel so callers can consume a run as
// a lazy sequence. The caller owns the channel's lifetime: close it only
// after the controller's Run has returned.
type ChannelSink struct {
	C chan Event
}

// NewChannelSink returns a ChannelSink with the given buffer size.
func NewChannelSink(buf int) *ChannelSink {
	return &ChannelSink{C: make(chan Event, buf)}
}

// Finding implements Sink.
func (cs *ChannelSink) Finding(f Finding) {
	cs.C <- Event{Finding: &f}
}

// Diagnostic implements Sink.
func (cs *ChannelSink) Diagnostic(d Diagnostic) {
	cs.C <- Event{Diagnostic: &d}
}
