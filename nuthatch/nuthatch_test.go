package nuthatch

import (
	"context"
	"log"
	"os"
	"sync"
	"testing"

	"github.com/jmhodges/clock"

	"github.com/ctwatchers/ct-nuthatch/pki"
	"github.com/ctwatchers/ct-nuthatch/scanner"
	"github.com/ctwatchers/ct-nuthatch/test"
)

func testLogger() *log.Logger {
	return log.New(os.Stdout, "", log.LstdFlags)
}

func validConfig() Config {
	return Config{
		LogURI:     "https://log.example.com",
		TargetOIDs: []string{"2.5.29.30"},
	}
}

type memorySink struct {
	mu          sync.Mutex
	findings    []scanner.Finding
	diagnostics []scanner.Diagnostic
}

func (ms *memorySink) Finding(f scanner.Finding) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.findings = append(ms.findings, f)
}

func (ms *memorySink) Diagnostic(d scanner.Diagnostic) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.diagnostics = append(ms.diagnostics, d)
}

func TestConfigValid(t *testing.T) {
	testCases := []struct {
		Name        string
		Mutate      func(*Config)
		ExpectError bool
	}{
		{
			Name:   "Valid config",
			Mutate: func(*Config) {},
		},
		{
			Name:        "Empty log URI",
			Mutate:      func(c *Config) { c.LogURI = "" },
			ExpectError: true,
		},
		{
			Name:        "Bad log URI scheme",
			Mutate:      func(c *Config) { c.LogURI = "ldap://log.example.com" },
			ExpectError: true,
		},
		{
			Name:        "Malformed target OID",
			Mutate:      func(c *Config) { c.TargetOIDs = []string{"2.5.bananas"} },
			ExpectError: true,
		},
		{
			Name:        "Bad poll interval",
			Mutate:      func(c *Config) { c.PollInterval = "whenever" },
			ExpectError: true,
		},
		{
			Name:        "Bad timeout",
			Mutate:      func(c *Config) { c.Timeout = "-" },
			ExpectError: true,
		},
		{
			Name: "Both modes configured",
			Mutate: func(c *Config) {
				c.Scan = &ScanConfig{}
				c.Stream = &StreamConfig{}
			},
			ExpectError: true,
		},
		{
			Name:        "Inverted scan range",
			Mutate:      func(c *Config) { c.Scan = &ScanConfig{Start: 10, End: 5} },
			ExpectError: true,
		},
		{
			Name:   "Explicit stream mode",
			Mutate: func(c *Config) { c.Stream = &StreamConfig{Start: -1} },
		},
	}

	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			conf := validConfig()
			tc.Mutate(&conf)
			err := conf.Valid()
			if err != nil && !tc.ExpectError {
				t.Errorf("Expected config to be valid, got error: %s", err.Error())
			} else if err == nil && tc.ExpectError {
				t.Error("Expected config to be invalid, got no error")
			}
		})
	}
}

func TestConfigValidDefaults(t *testing.T) {
	conf := validConfig()
	if err := conf.Valid(); err != nil {
		t.Fatalf("Unexpected error from Valid: %s", err.Error())
	}
	if conf.MetricsAddr == "" {
		t.Error("Expected a default MetricsAddr to be populated")
	}
	if conf.BatchSize == 0 || conf.MaxAttempts == 0 || conf.Workers == 0 {
		t.Error("Expected default batch size, attempts and workers to be populated")
	}
	if conf.Scan == nil {
		t.Error("Expected a default full scan mode to be populated")
	}
	if conf.Stream != nil {
		t.Error("Expected no stream mode by default")
	}
}

func TestConfigLoad(t *testing.T) {
	goodConfig := `{
  "LogURI": "https://log.example.com",
  "TargetOIDs": ["2.5.29.30", "2.5.29.17"],
  "BatchSize": 64,
  "Stream": {"Start": -1}
}`

	testCases := []struct {
		Name        string
		File        string
		ExpectError bool
	}{
		{
			Name:        "Empty file path",
			File:        "",
			ExpectError: true,
		},
		{
			Name:        "Nonexistent file",
			File:        "/does/not/exist.json",
			ExpectError: true,
		},
		{
			Name:        "Invalid JSON",
			File:        test.WriteTemp(t, "{", "nuthatch.bad.json"),
			ExpectError: true,
		},
		{
			Name:        "Invalid config contents",
			File:        test.WriteTemp(t, `{"LogURI": ""}`, "nuthatch.invalid.json"),
			ExpectError: true,
		},
		{
			Name: "Valid config",
			File: test.WriteTemp(t, goodConfig, "nuthatch.good.json"),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			var conf Config
			err := conf.Load(tc.File)
			if err != nil && !tc.ExpectError {
				t.Errorf("Expected config to load, got error: %s", err.Error())
			} else if err == nil && tc.ExpectError {
				t.Error("Expected config load to fail, got no error")
			}
			if err == nil && tc.Name == "Valid config" {
				if conf.BatchSize != 64 {
					t.Errorf("Expected BatchSize 64, got %d", conf.BatchSize)
				}
				if conf.Stream == nil || conf.Stream.Start != -1 {
					t.Error("Expected stream mode with Start -1")
				}
			}
		})
	}
}

func TestNewInvalidConfig(t *testing.T) {
	conf := Config{}
	logger := testLogger()
	if _, err := New(conf, nil, logger, logger, clock.NewFake()); err == nil {
		t.Error("Expected New to reject an invalid config")
	}
}

func TestRunScan(t *testing.T) {
	logger := testLogger()
	srv := test.NewLogSrv(logger)
	defer srv.Close()

	cert, err := pki.SelfSigned(clock.NewFake(), pki.TestCertOptions{
		PermittedDNSDomains:     []string{"example.com"},
		NameConstraintsCritical: true,
	})
	if err != nil {
		t.Fatalf("Unable to generate test certificate: %s", err.Error())
	}
	for i := 0; i < 25; i++ {
		srv.AddLeaves(test.CertLeaf(t, cert.Raw, uint64(i)))
	}
	srv.SetMaxBatch(10)

	conf := Config{
		LogURI:      srv.URL(),
		MetricsAddr: "127.0.0.1:0",
		TargetOIDs:  []string{"2.5.29.30"},
		BatchSize:   64,
		BackoffMin:  "1ms",
		BackoffMax:  "5ms",
	}

	sink := &memorySink{}
	n, err := New(conf, sink, logger, logger, clock.Default())
	if err != nil {
		t.Fatalf("Unexpected error from New: %s", err.Error())
	}
	defer n.Stop()

	if err := n.Run(context.Background()); err != nil {
		t.Fatalf("Unexpected error from Run: %s", err.Error())
	}

	if len(sink.findings) != 25 {
		t.Errorf("Expected 25 findings, got %d", len(sink.findings))
	}
	if len(sink.diagnostics) != 0 {
		t.Errorf("Expected no diagnostics, got %d", len(sink.diagnostics))
	}
	if n.Cursor() != 25 {
		t.Errorf("Expected final cursor 25, got %d", n.Cursor())
	}
	// maxBatch 10 over 25 entries means at least 3 get-entries requests.
	if srv.EntryFetches() < 3 {
		t.Errorf("Expected at least 3 entry fetches, got %d", srv.EntryFetches())
	}
}
