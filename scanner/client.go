package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	ct "github.com/google/certificate-transparency-go"
	"github.com/google/trillian/client/backoff"
	"github.com/jmhodges/clock"
)

const (
	sthEndpoint     = "get-sth"
	entriesEndpoint = "get-entries"

	sthPath     = "/ct/v1/get-sth"
	entriesPath = "/ct/v1/get-entries"
)

// TreeHead is the subset of a log's signed tree head the scanner acts on.
// The tree head signature is not verified; the log server is trusted.
type TreeHead struct {
	// TreeSize is the log's current leaf count and the exclusive upper
	// bound on legal entry indices.
	TreeSize uint64
	// Timestamp is the STH timestamp in milliseconds since the epoch.
	Timestamp uint64
}

// ClientOptions is a struct holding options for a LogClient.
type ClientOptions struct {
	// LogURI is the base URI of the monitored log, e.g.
	// "https://oak.ct.letsencrypt.org/2022".
	LogURI string
	// BatchSize caps how many entries one GetEntries call will request.
	// The log may serve fewer still.
	BatchSize uint64
	// MaxAttempts bounds how many times a single request is tried before
	// its last error is returned.
	MaxAttempts int
	// BackoffMin and BackoffMax bound the exponential pause between retry
	// attempts.
	BackoffMin time.Duration
	BackoffMax time.Duration
	// Timeout is the per-request timeout applied to each attempt.
	Timeout time.Duration
	// UserAgent is sent with every request when non-empty.
	UserAgent string
	// HTTPClient optionally substitutes the transport used for requests.
	// When nil a default client is used.
	HTTPClient *http.Client
}

// Valid checks that the ClientOptions are complete and positive.
func (o ClientOptions) Valid() error {
	if o.LogURI == "" {
		return errors.New("client log URI must not be empty")
	}
	if u, err := url.Parse(o.LogURI); err != nil {
		return fmt.Errorf("client log URI %q is invalid: %s", o.LogURI, err.Error())
	} else if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("client log URI %q is invalid: protocol scheme must be http:// or https://", o.LogURI)
	}
	if o.BatchSize == 0 {
		return errors.New("client batch size must be > 0")
	}
	if o.MaxAttempts <= 0 {
		return errors.New("client max attempts must be > 0")
	}
	if o.BackoffMin <= 0 || o.BackoffMax < o.BackoffMin {
		return errors.New("client backoff bounds must satisfy 0 < min <= max")
	}
	if o.Timeout <= 0 {
		return errors.New("client timeout must be > 0")
	}
	return nil
}

// LogClient fetches tree heads and entry ranges from one RFC 6962 log over
// its JSON-over-HTTP API. It holds no mutable per-call state and is safe
// to share across goroutines working independent ranges.
//
// Requests talk to the log directly with net/http rather than through
// jsonclient so the retry policy can see response headers: a 429's
// Retry-After hint overrides the computed backoff pause.
type LogClient struct {
	scannerCheck

	baseURI    string
	batchSize  uint64
	attempts   int
	backoffMin time.Duration
	backoffMax time.Duration
	timeout    time.Duration
	userAgent  string
	httpClient *http.Client
	stats      *scanStats
}

// NewLogClient returns a LogClient for the given options, or an error if
// the options are invalid.
func NewLogClient(opts ClientOptions, stdout, stderr *log.Logger, clk clock.Clock) (*LogClient, error) {
	if err := opts.Valid(); err != nil {
		return nil, err
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout: time.Minute,
		}
	}
	return &LogClient{
		scannerCheck: scannerCheck{
			logURI: opts.LogURI,
			label:  "logClient",
			clk:    clk,
			stdout: stdout,
			stderr: stderr,
		},
		baseURI:    strings.TrimSuffix(opts.LogURI, "/"),
		batchSize:  opts.BatchSize,
		attempts:   opts.MaxAttempts,
		backoffMin: opts.BackoffMin,
		backoffMax: opts.BackoffMax,
		timeout:    opts.Timeout,
		userAgent:  opts.UserAgent,
		httpClient: hc,
		stats:      stats,
	}, nil
}

// GetSTH fetches the log's current signed tree head and returns its tree
// size and timestamp. The signature is carried by the wire response but
// deliberately not verified.
func (lc *LogClient) GetSTH(ctx context.Context) (*TreeHead, error) {
	var resp ct.GetSTHResponse
	if err := lc.fetch(ctx, sthEndpoint, sthPath, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.SHA256RootHash) != sha256.Size {
		return nil, &ParseError{
			Endpoint: sthEndpoint,
			Err:      fmt.Errorf("sha256_root_hash is %d bytes, expected %d", len(resp.SHA256RootHash), sha256.Size),
		}
	}
	return &TreeHead{TreeSize: resp.TreeSize, Timestamp: resp.Timestamp}, nil
}

// GetEntries fetches a prefix of the half-open index range [start, end).
// At most the configured batch size is requested and the log may serve
// fewer entries still, so callers must treat a short return as covering
// only [start, start+len) and re-request the tail. The returned slice is
// never empty when err is nil.
func (lc *LogClient) GetEntries(ctx context.Context, start, end uint64) ([]ct.LeafEntry, error) {
	if start >= end {
		return nil, fmt.Errorf("invalid entry range [%d, %d)", start, end)
	}
	batchEnd := end
	if end-start > lc.batchSize {
		batchEnd = start + lc.batchSize
	}
	params := map[string]string{
		"start": strconv.FormatUint(start, 10),
		// The get-entries API takes an inclusive end index.
		"end": strconv.FormatUint(batchEnd-1, 10),
	}
	var resp ct.GetEntriesResponse
	if err := lc.fetch(ctx, entriesEndpoint, entriesPath, params, &resp); err != nil {
		return nil, err
	}
	if len(resp.Entries) == 0 {
		return nil, &ParseError{
			Endpoint: entriesEndpoint,
			Err:      fmt.Errorf("log returned zero entries for range [%d, %d)", start, batchEnd),
		}
	}
	// Never trust more entries than were asked for.
	if uint64(len(resp.Entries)) > batchEnd-start {
		lc.logErrorf("log returned %d entries for a request of %d, truncating",
			len(resp.Entries), batchEnd-start)
		resp.Entries = resp.Entries[:batchEnd-start]
	}
	return resp.Entries, nil
}

// fetch GETs path and unmarshals the JSON response into out, retrying
// transient failures up to the configured attempt count with exponential
// backoff between tries.
func (lc *LogClient) fetch(ctx context.Context, endpoint, path string, params map[string]string, out interface{}) error {
	bo := &backoff.Backoff{
		Min:    lc.backoffMin,
		Max:    lc.backoffMax,
		Factor: 2,
		Jitter: true,
	}
	labels := map[string]string{"uri": lc.logURI, "endpoint": endpoint}

	var lastErr error
	for attempt := 0; attempt < lc.attempts; attempt++ {
		if attempt > 0 {
			pause := bo.Duration()
			var statusErr *StatusError
			if errors.As(lastErr, &statusErr) && statusErr.RetryAfter > 0 {
				pause = statusErr.RetryAfter
			}
			lc.logf("retrying %s in %s (attempt %d of %d)", endpoint, pause, attempt+1, lc.attempts)
			lc.stats.fetchRetries.With(labels).Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-lc.clk.After(pause):
			}
		}

		start := lc.clk.Now()
		err := lc.getOne(ctx, path, params, out)
		lc.stats.fetchLatency.With(labels).Observe(lc.clk.Since(start).Seconds())
		if err == nil {
			return nil
		}
		lc.stats.fetchFailures.With(labels).Inc()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) {
			return err
		}
		lc.logErrorf("transient %s failure: %s", endpoint, err)
		lastErr = err
	}
	return fmt.Errorf("giving up on %s after %d attempts: %w", endpoint, lc.attempts, lastErr)
}

// getOne performs a single GET attempt with the per-request timeout.
func (lc *LogClient) getOne(ctx context.Context, path string, params map[string]string, out interface{}) error {
	reqCtx, cancel := context.WithTimeout(ctx, lc.timeout)
	defer cancel()

	uri := lc.baseURI + path
	if len(params) > 0 {
		vals := url.Values{}
		for k, v := range params {
			vals.Set(k, v)
		}
		uri += "?" + vals.Encode()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, uri, nil)
	if err != nil {
		return err
	}
	if lc.userAgent != "" {
		req.Header.Set("User-Agent", lc.userAgent)
	}

	rsp, err := lc.httpClient.Do(req)
	if err != nil {
		return err
	}
	body, err := ioutil.ReadAll(rsp.Body)
	rsp.Body.Close()
	if err != nil {
		return err
	}

	if rsp.StatusCode != http.StatusOK {
		return &StatusError{
			Endpoint:   path,
			StatusCode: rsp.StatusCode,
			Body:       body,
			RetryAfter: parseRetryAfter(rsp.Header.Get("Retry-After"), lc.clk.Now()),
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ParseError{Endpoint: path, Err: err}
	}
	return nil
}

// parseRetryAfter interprets a Retry-After header value, which may be
// either a number of seconds or an HTTP date. Returns zero when the value
// is absent or unusable.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := when.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
