package nuthatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/google/certificate-transparency-go/asn1"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ctwatchers/ct-nuthatch/scanner"
)

// Config is a struct holding the command line configuration data
type Config struct {
	// LogURI is the base URI of the CT log to watch.
	LogURI string
	// MetricsAddr is the listen address for the Prometheus metrics server.
	MetricsAddr string
	// TargetOIDs holds the dotted-decimal extension OIDs to report. An
	// empty list reports every extension of every entry.
	TargetOIDs []string
	// BatchSize caps how many entries are requested per get-entries call.
	BatchSize uint64
	// Workers caps per-batch decode/inspect parallelism.
	Workers int
	// MaxAttempts bounds retries of one log request.
	MaxAttempts int
	// Timeout, BackoffMin and BackoffMax are Go duration strings governing
	// individual log requests and the retry schedule between attempts.
	Timeout    string
	BackoffMin string
	BackoffMax string
	// PollInterval is a Go duration string governing how often a stream
	// polls the log's tree size.
	PollInterval string
	// Exactly one of Scan or Stream selects the mode. When neither is set
	// a full bounded scan of the log is assumed.
	Scan   *ScanConfig
	Stream *StreamConfig
}

// ScanConfig describes a bounded scan over [Start, End). An End of zero
// means the log's tree size at startup.
type ScanConfig struct {
	Start uint64
	End   uint64
}

// StreamConfig describes a live tail. A negative Start means the log's
// tree size at startup; zero replays the whole log before going live.
type StreamConfig struct {
	Start int64
}

// Valid checks that a config is valid, populating defaults for optional
// fields. If the log URI is missing or malformed, a target OID does not
// parse, a duration does not parse, or both modes are configured, an
// error is returned.
func (c *Config) Valid() error {
	if c.LogURI == "" {
		return errors.New("log URI must not be empty")
	}
	if uri, err := url.Parse(c.LogURI); err != nil {
		return fmt.Errorf("log URI %q is invalid: %s", c.LogURI, err.Error())
	} else if uri.Scheme != "http" && uri.Scheme != "https" {
		return fmt.Errorf("log URI %q is invalid: protocol scheme must be http:// or https://", c.LogURI)
	}
	for _, raw := range c.TargetOIDs {
		if _, err := scanner.ParseOID(raw); err != nil {
			return fmt.Errorf("target OID %q is invalid: %s", raw, err.Error())
		}
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":1979"
	}
	if c.BatchSize == 0 {
		c.BatchSize = 256
	}
	if c.Workers == 0 {
		c.Workers = 1
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.Timeout == "" {
		c.Timeout = "30s"
	}
	if c.BackoffMin == "" {
		c.BackoffMin = "1s"
	}
	if c.BackoffMax == "" {
		c.BackoffMax = "2m"
	}
	if c.PollInterval == "" {
		c.PollInterval = "10s"
	}
	for _, d := range []string{c.Timeout, c.BackoffMin, c.BackoffMax, c.PollInterval} {
		if _, err := time.ParseDuration(d); err != nil {
			return err
		}
	}
	if c.Scan != nil && c.Stream != nil {
		return errors.New("at most one of Scan and Stream may be configured")
	}
	if c.Scan == nil && c.Stream == nil {
		c.Scan = &ScanConfig{}
	}
	if c.Scan != nil {
		if err := (scanner.ScanOptions{StartIndex: c.Scan.Start, EndIndex: c.Scan.End}).Valid(); err != nil {
			return err
		}
	}
	return nil
}

// Load unmarshals the JSON contents stored in the file path provided,
// populating the configuration object. An error is returned if the
// populated configuration is not valid.
func (c *Config) Load(file string) error {
	if file == "" {
		return errors.New("config file path must not be empty")
	}

	configBytes, err := ioutil.ReadFile(file)
	if err != nil {
		return err
	}

	err = json.Unmarshal(configBytes, c)
	if err != nil {
		return err
	}

	return c.Valid()
}

// targetOIDs parses the configured OID strings. Valid() must have
// accepted the config first.
func (c *Config) targetOIDs() ([]asn1.ObjectIdentifier, error) {
	oids := make([]asn1.ObjectIdentifier, 0, len(c.TargetOIDs))
	for _, raw := range c.TargetOIDs {
		oid, err := scanner.ParseOID(raw)
		if err != nil {
			return nil, err
		}
		oids = append(oids, oid)
	}
	return oids, nil
}

// controller is the part of a Scanner or Streamer the wiring drives.
type controller interface {
	Run(ctx context.Context) error
	Cursor() uint64
}

// Nuthatch is a struct collecting up the things required to run one
// configured watch of a log and expose metrics from it.
type Nuthatch struct {
	logger        *log.Logger
	controller    controller
	metricsServer *http.Server
}

// New creates a Nuthatch from the provided configuration, sink, loggers
// and clock. A nil sink sends findings to stdout as JSON lines and
// diagnostics to the stderr logger. The returned Nuthatch does not touch
// the network until Run is called.
func New(c Config, sink scanner.Sink, stdout, stderr *log.Logger, clk clock.Clock) (*Nuthatch, error) {
	if err := c.Valid(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = NewJSONWriter(os.Stdout, stderr)
	}

	oids, err := c.targetOIDs()
	if err != nil {
		return nil, err
	}
	// Durations were validated by Valid().
	timeout, _ := time.ParseDuration(c.Timeout)
	backoffMin, _ := time.ParseDuration(c.BackoffMin)
	backoffMax, _ := time.ParseDuration(c.BackoffMax)
	pollInterval, _ := time.ParseDuration(c.PollInterval)

	client, err := scanner.NewLogClient(scanner.ClientOptions{
		LogURI:      c.LogURI,
		BatchSize:   c.BatchSize,
		MaxAttempts: c.MaxAttempts,
		BackoffMin:  backoffMin,
		BackoffMax:  backoffMax,
		Timeout:     timeout,
		UserAgent:   "ct-nuthatch",
	}, stdout, stderr, clk)
	if err != nil {
		return nil, err
	}

	var ctrl controller
	if c.Stream != nil {
		ctrl, err = scanner.NewStreamer(c.LogURI, client, sink, scanner.StreamOptions{
			StartIndex:   c.Stream.Start,
			PollInterval: pollInterval,
			Workers:      c.Workers,
			TargetOIDs:   oids,
		}, stdout, stderr, clk)
	} else {
		ctrl, err = scanner.NewScanner(c.LogURI, client, sink, scanner.ScanOptions{
			StartIndex: c.Scan.Start,
			EndIndex:   c.Scan.End,
			Workers:    c.Workers,
			TargetOIDs: oids,
		}, stdout, stderr, clk)
	}
	if err != nil {
		return nil, err
	}

	return &Nuthatch{
		logger:        stdout,
		controller:    ctrl,
		metricsServer: initMetrics(c.MetricsAddr),
	}, nil
}

// initMetrics creates a HTTP server listening on the provided addr with
// a Prometheus handler registered for the /metrics URL path. The server
// is not started until Run is called.
func initMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:    addr,
		Handler: mux,
	}
}

// Run starts the metrics HTTP server and runs the configured scan or
// stream until it finishes, fails fatally, or ctx is cancelled. The
// controller's error is returned as-is so callers can inspect it.
func (n *Nuthatch) Run(ctx context.Context) error {
	go func() {
		err := n.metricsServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			n.logger.Println(err.Error())
		}
	}()
	return n.controller.Run(ctx)
}

// Cursor returns the next log index the controller would fetch. Every
// index below it has been fully processed.
func (n *Nuthatch) Cursor() uint64 {
	return n.controller.Cursor()
}

// Stop shuts down the metrics HTTP server.
func (n *Nuthatch) Stop() {
	err := n.metricsServer.Shutdown(context.Background())
	if err != nil {
		n.logger.Printf("Unable to shutdown metrics server cleanly: %s\n",
			err.Error())
	}
}
