package scanner

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jmhodges/clock"

	"github.com/ctwatchers/ct-nuthatch/test"
)

func testClientOptions(uri string) ClientOptions {
	return ClientOptions{
		LogURI:      uri,
		BatchSize:   100,
		MaxAttempts: 3,
		BackoffMin:  time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
		Timeout:     time.Second,
	}
}

func testClient(t *testing.T, uri string) *LogClient {
	t.Helper()
	l := log.New(os.Stdout, "", log.LstdFlags)
	lc, err := NewLogClient(testClientOptions(uri), l, l, clock.Default())
	if err != nil {
		t.Fatalf("Unexpected error from NewLogClient: %s", err.Error())
	}
	return lc
}

func TestClientOptionsValid(t *testing.T) {
	testCases := []struct {
		Name   string
		Mutate func(*ClientOptions)
	}{
		{
			Name:   "empty URI",
			Mutate: func(o *ClientOptions) { o.LogURI = "" },
		},
		{
			Name:   "bad URI scheme",
			Mutate: func(o *ClientOptions) { o.LogURI = "gopher://log.example.com" },
		},
		{
			Name:   "zero batch size",
			Mutate: func(o *ClientOptions) { o.BatchSize = 0 },
		},
		{
			Name:   "zero max attempts",
			Mutate: func(o *ClientOptions) { o.MaxAttempts = 0 },
		},
		{
			Name:   "inverted backoff bounds",
			Mutate: func(o *ClientOptions) { o.BackoffMin = time.Minute; o.BackoffMax = time.Second },
		},
		{
			Name:   "zero timeout",
			Mutate: func(o *ClientOptions) { o.Timeout = 0 },
		},
	}

	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			opts := testClientOptions("https://log.example.com")
			tc.Mutate(&opts)
			if err := opts.Valid(); err == nil {
				t.Error("Expected options to be invalid, Valid() returned nil")
			}
		})
	}

	if err := testClientOptions("https://log.example.com").Valid(); err != nil {
		t.Errorf("Expected options to be valid, got: %s", err.Error())
	}
}

func TestGetSTH(t *testing.T) {
	srv := test.NewLogSrv(log.New(os.Stdout, "", log.LstdFlags))
	defer srv.Close()
	srv.SetTreeSize(1234)

	lc := testClient(t, srv.URL())
	th, err := lc.GetSTH(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error from GetSTH: %s", err.Error())
	}
	if th.TreeSize != 1234 {
		t.Errorf("Expected tree size 1234, got %d", th.TreeSize)
	}
}

func TestGetSTHMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"tree_size": "not a number"`))
	}))
	defer srv.Close()

	lc := testClient(t, srv.URL)
	_, err := lc.GetSTH(context.Background())
	if err == nil {
		t.Fatal("Expected error from GetSTH against a log returning garbage")
	}
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Errorf("Expected a *ParseError, got %#v", err)
	}
}

func TestGetSTHMissingRootHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"tree_size": 10, "timestamp": 1}`))
	}))
	defer srv.Close()

	lc := testClient(t, srv.URL)
	_, err := lc.GetSTH(context.Background())
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Errorf("Expected a *ParseError for a response missing sha256_root_hash, got %#v", err)
	}
}

func TestGetEntriesShortRead(t *testing.T) {
	srv := test.NewLogSrv(log.New(os.Stdout, "", log.LstdFlags))
	defer srv.Close()

	for i := 0; i < 100; i++ {
		srv.AddLeaves(test.RawLeaf([]byte{byte(i)}))
	}
	srv.SetMaxBatch(40)

	lc := testClient(t, srv.URL())
	entries, err := lc.GetEntries(context.Background(), 0, 100)
	if err != nil {
		t.Fatalf("Unexpected error from GetEntries: %s", err.Error())
	}
	if len(entries) != 40 {
		t.Fatalf("Expected a short read of 40 entries, got %d", len(entries))
	}
	if entries[0].LeafInput[0] != 0 || entries[39].LeafInput[0] != 39 {
		t.Error("Short read returned the wrong prefix of the range")
	}
}

func TestGetEntriesRetryTransient(t *testing.T) {
	srv := test.NewLogSrv(log.New(os.Stdout, "", log.LstdFlags))
	defer srv.Close()
	srv.AddLeaves(test.RawLeaf([]byte{1}), test.RawLeaf([]byte{2}))
	srv.FailNext(2, http.StatusServiceUnavailable, "")

	lc := testClient(t, srv.URL())
	entries, err := lc.GetEntries(context.Background(), 0, 2)
	if err != nil {
		t.Fatalf("Expected retries to recover from 503s, got: %s", err.Error())
	}
	if len(entries) != 2 {
		t.Errorf("Expected 2 entries, got %d", len(entries))
	}
	if fetches := srv.EntryFetches(); fetches != 3 {
		t.Errorf("Expected 3 get-entries requests (2 failures + 1 success), got %d", fetches)
	}
}

func TestGetEntriesNoRetryPermanent(t *testing.T) {
	srv := test.NewLogSrv(log.New(os.Stdout, "", log.LstdFlags))
	defer srv.Close()
	srv.AddLeaves(test.RawLeaf([]byte{1}))
	srv.FailNext(5, http.StatusNotFound, "")

	lc := testClient(t, srv.URL())
	_, err := lc.GetEntries(context.Background(), 0, 1)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Expected a *StatusError, got %#v", err)
	}
	if statusErr.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", statusErr.StatusCode)
	}
	if fetches := srv.EntryFetches(); fetches != 1 {
		t.Errorf("Expected a single get-entries request for a permanent failure, got %d", fetches)
	}
}

func TestGetEntriesRetriesExhausted(t *testing.T) {
	srv := test.NewLogSrv(log.New(os.Stdout, "", log.LstdFlags))
	defer srv.Close()
	srv.AddLeaves(test.RawLeaf([]byte{1}))
	srv.FailNext(10, http.StatusInternalServerError, "")

	lc := testClient(t, srv.URL())
	_, err := lc.GetEntries(context.Background(), 0, 1)
	if err == nil {
		t.Fatal("Expected an error once retries were exhausted")
	}
	if fetches := srv.EntryFetches(); fetches != 3 {
		t.Errorf("Expected MaxAttempts (3) get-entries requests, got %d", fetches)
	}
}

func TestGetEntriesInvalidRange(t *testing.T) {
	lc := testClient(t, "https://log.example.com")
	if _, err := lc.GetEntries(context.Background(), 5, 5); err == nil {
		t.Error("Expected an error for an empty range")
	}
	if _, err := lc.GetEntries(context.Background(), 6, 5); err == nil {
		t.Error("Expected an error for an inverted range")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC)

	testCases := []struct {
		Name     string
		Value    string
		Expected time.Duration
	}{
		{
			Name:     "empty",
			Value:    "",
			Expected: 0,
		},
		{
			Name:     "seconds",
			Value:    "2",
			Expected: 2 * time.Second,
		},
		{
			Name:     "negative seconds",
			Value:    "-3",
			Expected: 0,
		},
		{
			Name:     "HTTP date",
			Value:    now.Add(30 * time.Second).Format(http.TimeFormat),
			Expected: 30 * time.Second,
		},
		{
			Name:     "HTTP date in the past",
			Value:    now.Add(-30 * time.Second).Format(http.TimeFormat),
			Expected: 0,
		},
		{
			Name:     "garbage",
			Value:    "soon",
			Expected: 0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			if got := parseRetryAfter(tc.Value, now); got != tc.Expected {
				t.Errorf("Expected %s, got %s", tc.Expected, got)
			}
		})
	}
}

func TestRetryAfterHonored(t *testing.T) {
	srv := test.NewLogSrv(log.New(os.Stdout, "", log.LstdFlags))
	defer srv.Close()
	srv.AddLeaves(test.RawLeaf([]byte{1}))
	srv.FailNext(1, http.StatusTooManyRequests, "1")

	lc := testClient(t, srv.URL())
	start := time.Now()
	entries, err := lc.GetEntries(context.Background(), 0, 1)
	if err != nil {
		t.Fatalf("Expected retry to recover from the 429, got: %s", err.Error())
	}
	if len(entries) != 1 {
		t.Errorf("Expected 1 entry, got %d", len(entries))
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("Expected the retry to honor the 1s Retry-After hint, only %s elapsed", elapsed)
	}
}
