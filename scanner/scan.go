package scanner

import (
	"context"
	"crypto/sha256"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	ct "github.com/google/certificate-transparency-go"
	"github.com/google/certificate-transparency-go/asn1"
	"github.com/jmhodges/clock"
)

// entriesClient is the interface the controllers use to talk to a log.
// *LogClient satisfies it; tests substitute mock implementations.
type entriesClient interface {
	GetSTH(ctx context.Context) (*TreeHead, error)
	GetEntries(ctx context.Context, start, end uint64) ([]ct.LeafEntry, error)
}

// ScanOptions is a struct holding options for a bounded scan.
type ScanOptions struct {
	// StartIndex is the first log index to process.
	StartIndex uint64
	// EndIndex is the exclusive upper bound of the scan. Zero means
	// "resolve the log's current tree size at startup and use that".
	EndIndex uint64
	// Workers caps how many goroutines decode and inspect entries of one
	// batch in parallel. Values below 1 mean sequential processing.
	Workers int
	// TargetOIDs restricts findings to the listed extension OIDs. An empty
	// list reports every extension of every entry.
	TargetOIDs []asn1.ObjectIdentifier
}

// Valid checks that the ScanOptions describe a legal range.
func (o ScanOptions) Valid() error {
	if o.EndIndex != 0 && o.StartIndex >= o.EndIndex {
		return errors.New("scan start index must be below the end index")
	}
	return nil
}

// Scanner drives one bounded sweep over a log: fetch a batch, decode and
// inspect each returned leaf, emit findings and diagnostics in ascending
// index order, advance the cursor, repeat until the end index is reached.
type Scanner struct {
	sweeper
	start uint64
	end   uint64
}

// NewScanner returns a Scanner over [opts.StartIndex, opts.EndIndex) that
// fetches through client and emits to sink.
func NewScanner(logURI string, client entriesClient, sink Sink, opts ScanOptions, stdout, stderr *log.Logger, clk clock.Clock) (*Scanner, error) {
	if err := opts.Valid(); err != nil {
		return nil, err
	}
	s := &Scanner{
		sweeper: newSweeper(scannerCheck{
			logURI: logURI,
			label:  "scanner",
			clk:    clk,
			stdout: stdout,
			stderr: stderr,
		}, client, sink, opts.TargetOIDs, opts.Workers),
		start: opts.StartIndex,
		end:   opts.EndIndex,
	}
	s.setCursor(opts.StartIndex)
	return s, nil
}

// Run performs the scan. It returns nil on completion, ctx.Err() on
// cancellation, and a *FatalError carrying the last committed cursor when
// the log becomes unreachable or answers unusably. Malformed individual
// entries never stop a run; they surface as Diagnostics on the sink.
func (s *Scanner) Run(ctx context.Context) error {
	end := s.end
	if end == 0 {
		th, err := s.client.GetSTH(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &FatalError{Cursor: s.Cursor(), Err: err}
		}
		stats.treeSize.With(map[string]string{"uri": s.logURI}).Set(float64(th.TreeSize))
		end = th.TreeSize
		s.logf("resolved end index from tree size: %d", end)
	}
	if s.start >= end {
		s.logf("nothing to scan: start index %d is not below end index %d", s.start, end)
		return nil
	}

	s.logf("scanning [%d, %d)", s.start, end)
	if err := s.sweep(ctx, end); err != nil {
		return err
	}
	s.logf("scan complete at index %d", s.Cursor())
	return nil
}

// sweeper is the shared fetch/decode/inspect/emit engine behind Scanner
// and Streamer. The cursor is its only mutable state; it advances past
// a batch only once every returned leaf of the batch has been processed
// and emitted, so resuming from the cursor is always safe.
type sweeper struct {
	scannerCheck
	client entriesClient
	proc   *entryProcessor
	cursor uint64
}

func newSweeper(check scannerCheck, client entriesClient, sink Sink, targets []asn1.ObjectIdentifier, workers int) sweeper {
	if workers < 1 {
		workers = 1
	}
	return sweeper{
		scannerCheck: check,
		client:       client,
		proc: &entryProcessor{
			scannerCheck: check,
			sink:         sink,
			targets:      targets,
			workers:      workers,
			stats:        stats,
		},
	}
}

// Cursor returns the next index the sweeper will fetch. Every index below
// it has been fully processed. Safe to call concurrently with a run.
func (s *sweeper) Cursor() uint64 {
	return atomic.LoadUint64(&s.cursor)
}

func (s *sweeper) setCursor(index uint64) {
	atomic.StoreUint64(&s.cursor, index)
}

// sweep processes [cursor, end), committing the cursor batch by batch.
func (s *sweeper) sweep(ctx context.Context, end uint64) error {
	for s.Cursor() < end {
		if ctx.Err() != nil {
			s.log("cancelled, stopping before next fetch")
			return ctx.Err()
		}
		cursor := s.Cursor()
		entries, err := s.client.GetEntries(ctx, cursor, end)
		if err != nil {
			if ctx.Err() != nil {
				s.log("cancelled, stopping before next fetch")
				return ctx.Err()
			}
			return &FatalError{Cursor: cursor, Err: err}
		}
		// A short response covers only the prefix it returned; the next
		// iteration re-requests the tail starting at the next unseen index.
		s.proc.processBatch(cursor, entries)
		s.setCursor(cursor + uint64(len(entries)))
	}
	return nil
}

// entryProcessor turns one batch of raw leaves into ordered findings and
// diagnostics.
type entryProcessor struct {
	scannerCheck
	sink    Sink
	targets []asn1.ObjectIdentifier
	workers int
	stats   *scanStats
}

// entryResult is everything one leaf produced. Exactly one of the two
// fields is populated for a malformed leaf; both can be empty for a
// healthy leaf with no matching extensions.
type entryResult struct {
	findings []Finding
	diag     *Diagnostic
}

// processBatch decodes and inspects every leaf of the batch, fanning the
// per-entry work out over the configured worker count, then emits results
// to the sink in ascending index order.
func (p *entryProcessor) processBatch(start uint64, batch []ct.LeafEntry) {
	results := make([]entryResult, len(batch))

	if p.workers == 1 || len(batch) == 1 {
		for i := range batch {
			results[i] = p.processEntry(start+uint64(i), batch[i])
		}
	} else {
		jobs := make(chan int)
		var wg sync.WaitGroup
		for w := 0; w < p.workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range jobs {
					results[i] = p.processEntry(start+uint64(i), batch[i])
				}
			}()
		}
		for i := range batch {
			jobs <- i
		}
		close(jobs)
		wg.Wait()
	}

	labels := map[string]string{"uri": p.logURI}
	for _, result := range results {
		if result.diag != nil {
			p.logErrorf("entry %d skipped: %s", result.diag.LogIndex, result.diag.Err)
			p.sink.Diagnostic(*result.diag)
			continue
		}
		for _, finding := range result.findings {
			p.stats.findings.With(map[string]string{"uri": p.logURI, "oid": finding.OID.String()}).Inc()
			p.sink.Finding(finding)
		}
	}
	p.stats.entriesProcessed.With(labels).Add(float64(len(batch)))
}

// processEntry decodes and inspects one leaf. Pure per-entry work; safe to
// run from parallel workers.
func (p *entryProcessor) processEntry(index uint64, le ct.LeafEntry) entryResult {
	entry, err := DecodeLeaf(index, le.LeafInput, le.ExtraData)
	if err != nil {
		p.stats.decodeFailures.With(map[string]string{"uri": p.logURI}).Inc()
		return entryResult{diag: &Diagnostic{LogIndex: index, Phase: PhaseDecode, Err: err}}
	}

	obs, err := Inspect(entry, p.targets)
	if err != nil {
		p.stats.certParseFailures.With(map[string]string{"uri": p.logURI}).Inc()
		return entryResult{diag: &Diagnostic{LogIndex: index, Phase: PhaseInspect, Err: err}}
	}
	if len(obs) == 0 {
		return entryResult{}
	}

	fingerprint := sha256.Sum256(entry.Cert)
	findings := make([]Finding, 0, len(obs))
	for _, o := range obs {
		findings = append(findings, Finding{
			LogIndex:    entry.Index,
			Timestamp:   entry.Timestamp,
			Kind:        entry.Kind,
			OID:         o.OID,
			Critical:    o.Critical,
			Value:       o.Value,
			Fingerprint: fingerprint,
		})
	}
	return entryResult{findings: findings}
}
