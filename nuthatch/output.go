package nuthatch

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"sync"

	"github.com/ctwatchers/ct-nuthatch/scanner"
)

// jsonFinding is the wire shape of one finding on the output stream.
// Value is base64 encoded by encoding/json.
type jsonFinding struct {
	LogIndex   uint64 `json:"log_index"`
	Timestamp  uint64 `json:"timestamp"`
	Kind       string `json:"entry_kind"`
	OID        string `json:"oid"`
	Critical   bool   `json:"critical"`
	Value      []byte `json:"value"`
	CertSHA256 string `json:"cert_sha256"`
}

// JSONWriter is a scanner.Sink writing findings to an io.Writer as one
// JSON object per line and diagnostics to a logger, keeping the two
// streams separable.
type JSONWriter struct {
	mu     sync.Mutex
	enc    *json.Encoder
	stderr *log.Logger
}

// NewJSONWriter returns a JSONWriter emitting findings on w and
// diagnostics on stderr.
func NewJSONWriter(w io.Writer, stderr *log.Logger) *JSONWriter {
	return &JSONWriter{
		enc:    json.NewEncoder(w),
		stderr: stderr,
	}
}

// Finding writes one finding as a JSON line.
func (jw *JSONWriter) Finding(f scanner.Finding) {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	err := jw.enc.Encode(jsonFinding{
		LogIndex:   f.LogIndex,
		Timestamp:  f.Timestamp,
		Kind:       f.Kind.String(),
		OID:        f.OID.String(),
		Critical:   f.Critical,
		Value:      f.Value,
		CertSHA256: hex.EncodeToString(f.Fingerprint[:]),
	})
	if err != nil {
		jw.stderr.Printf("Unable to encode finding for entry %d: %s\n",
			f.LogIndex, err.Error())
	}
}

// Diagnostic logs one skipped entry.
func (jw *JSONWriter) Diagnostic(d scanner.Diagnostic) {
	jw.stderr.Printf("entry %d skipped (%s): %s\n", d.LogIndex, d.Phase, d.Err.Error())
}
