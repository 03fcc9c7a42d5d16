package scanner

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"time"

	"github.com/google/certificate-transparency-go/asn1"
	"github.com/jmhodges/clock"
)

// StreamOptions is a struct holding options for a live tail.
type StreamOptions struct {
	// StartIndex is the first log index to process. A negative value means
	// "the log's tree size at startup", i.e. tail only newly appended
	// entries. Zero replays the whole log before going live.
	StartIndex int64
	// PollInterval is how long to sleep between tree size polls that saw
	// no growth. A jitter of up to a quarter interval is added to each
	// sleep so many streamers do not poll in lockstep.
	PollInterval time.Duration
	// Workers caps how many goroutines decode and inspect entries of one
	// batch in parallel. Values below 1 mean sequential processing.
	Workers int
	// TargetOIDs restricts findings to the listed extension OIDs. An empty
	// list reports every extension of every entry.
	TargetOIDs []asn1.ObjectIdentifier
}

// Valid checks that the StreamOptions poll interval is positive.
func (o StreamOptions) Valid() error {
	if o.PollInterval <= 0 {
		return errors.New("stream poll interval must be > 0")
	}
	return nil
}

// Streamer drives an unbounded live tail of a log: poll the tree size,
// sweep any newly appended range through the same fetch/decode/inspect
// path a bounded scan uses, sleep, repeat. It runs until the context is
// cancelled or the log fails fatally.
type Streamer struct {
	sweeper
	startIndex   int64
	pollInterval time.Duration
	haveCursor   bool
}

// NewStreamer returns a Streamer that fetches through client and emits to
// sink.
func NewStreamer(logURI string, client entriesClient, sink Sink, opts StreamOptions, stdout, stderr *log.Logger, clk clock.Clock) (*Streamer, error) {
	if err := opts.Valid(); err != nil {
		return nil, err
	}
	return &Streamer{
		sweeper: newSweeper(scannerCheck{
			logURI: logURI,
			label:  "streamer",
			clk:    clk,
			stdout: stdout,
			stderr: stderr,
		}, client, sink, opts.TargetOIDs, opts.Workers),
		startIndex:   opts.StartIndex,
		pollInterval: opts.PollInterval,
	}, nil
}

// Run tails the log until ctx is cancelled, returning ctx.Err(), or until
// a fatal log failure, returning a *FatalError carrying the cursor to
// resume from. A cancellation arriving mid-batch lets the in-flight batch
// drain before Run returns, so the cursor never splits a batch.
func (s *Streamer) Run(ctx context.Context) error {
	for {
		th, err := s.client.GetSTH(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.log("cancelled, stopping")
				return ctx.Err()
			}
			return &FatalError{Cursor: s.Cursor(), Err: err}
		}
		stats.streamPolls.With(map[string]string{"uri": s.logURI}).Inc()
		stats.treeSize.With(map[string]string{"uri": s.logURI}).Set(float64(th.TreeSize))

		if !s.haveCursor {
			start := uint64(0)
			if s.startIndex >= 0 {
				start = uint64(s.startIndex)
			} else {
				start = th.TreeSize
			}
			s.setCursor(start)
			s.haveCursor = true
			s.logf("streaming from index %d (tree size %d)", start, th.TreeSize)
		}

		switch cursor := s.Cursor(); {
		case th.TreeSize > cursor:
			s.logf("tree grew to %d, sweeping [%d, %d)", th.TreeSize, cursor, th.TreeSize)
			if err := s.sweep(ctx, th.TreeSize); err != nil {
				return err
			}
		case th.TreeSize < cursor:
			// Probably a stale cached STH; keep the cursor and wait for
			// the log to catch back up.
			s.logf("ignoring stale tree size %d below cursor %d", th.TreeSize, cursor)
		default:
			s.logf("tree size unchanged at %d", th.TreeSize)
		}

		select {
		case <-ctx.Done():
			s.log("cancelled, stopping")
			return ctx.Err()
		case <-s.clk.After(s.jitteredInterval()):
		}
	}
}

func (s *Streamer) jitteredInterval() time.Duration {
	return s.pollInterval + time.Duration(rand.Int63n(int64(s.pollInterval)/4+1))
}
