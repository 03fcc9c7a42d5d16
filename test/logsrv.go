package test

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"

	ct "github.com/google/certificate-transparency-go"
)

// LogSrv is an in-process CT test log serving the get-sth and get-entries
// endpoints from a seeded slice of leaves. Its knobs let tests provoke the
// behaviours a real log exhibits: short get-entries reads, transient HTTP
// failures with Retry-After hints, and tree growth between polls.
type LogSrv struct {
	sync.Mutex
	logger *log.Logger
	server *httptest.Server

	leaves       []ct.LeafEntry
	treeSize     uint64
	sthTimestamp uint64

	// maxBatch caps how many entries one get-entries response returns,
	// regardless of how many were requested. Zero means no cap.
	maxBatch uint64

	// failNext injects HTTP failures: the next failNext requests get
	// failStatus (with retryAfter as a Retry-After header if non-empty)
	// instead of a real response.
	failNext   int
	failStatus int
	retryAfter string

	sthFetches   int64
	entryFetches int64
}

// NewLogSrv returns a started LogSrv. Callers must Close() it.
func NewLogSrv(logger *log.Logger) *LogSrv {
	srv := &LogSrv{
		logger: logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ct/v1/get-sth", srv.getSTHHandler)
	mux.HandleFunc("/ct/v1/get-entries", srv.getEntriesHandler)
	srv.server = httptest.NewServer(mux)
	return srv
}

// URL returns the base URI of the test log.
func (s *LogSrv) URL() string {
	return s.server.URL
}

// Close shuts the test log down.
func (s *LogSrv) Close() {
	s.server.Close()
}

// AddLeaves appends leaves to the log and grows the advertised tree size
// to cover them.
func (s *LogSrv) AddLeaves(leaves ...ct.LeafEntry) {
	s.Lock()
	defer s.Unlock()
	s.leaves = append(s.leaves, leaves...)
	s.treeSize = uint64(len(s.leaves))
	s.sthTimestamp++
}

// SetTreeSize overrides the advertised tree size, e.g. to expose only
// a prefix of the seeded leaves until a later poll.
func (s *LogSrv) SetTreeSize(size uint64) {
	s.Lock()
	defer s.Unlock()
	s.treeSize = size
	s.sthTimestamp++
}

// SetMaxBatch caps get-entries response sizes to force short reads.
func (s *LogSrv) SetMaxBatch(n uint64) {
	s.Lock()
	defer s.Unlock()
	s.maxBatch = n
}

// FailNext makes the next n requests fail with the given status. If
// retryAfter is non-empty it is sent as a Retry-After header.
func (s *LogSrv) FailNext(n int, status int, retryAfter string) {
	s.Lock()
	defer s.Unlock()
	s.failNext = n
	s.failStatus = status
	s.retryAfter = retryAfter
}

// STHFetches returns how many get-sth requests the server has answered,
// including injected failures.
func (s *LogSrv) STHFetches() int64 {
	return atomic.LoadInt64(&s.sthFetches)
}

// EntryFetches returns how many get-entries requests the server has
// answered, including injected failures.
func (s *LogSrv) EntryFetches() int64 {
	return atomic.LoadInt64(&s.entryFetches)
}

// tryFailure consumes one injected failure, writing it to w and returning
// true, or returns false when none are pending.
func (s *LogSrv) tryFailure(w http.ResponseWriter) bool {
	s.Lock()
	defer s.Unlock()
	if s.failNext <= 0 {
		return false
	}
	s.failNext--
	if s.retryAfter != "" {
		w.Header().Set("Retry-After", s.retryAfter)
	}
	http.Error(w, "injected failure", s.failStatus)
	return true
}

func (s *LogSrv) getSTHHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	atomic.AddInt64(&s.sthFetches, 1)
	if s.tryFailure(w) {
		return
	}

	s.Lock()
	resp := ct.GetSTHResponse{
		TreeSize:          s.treeSize,
		Timestamp:         s.sthTimestamp,
		SHA256RootHash:    make([]byte, 32),
		TreeHeadSignature: []byte{},
	}
	s.Unlock()

	response, err := json.Marshal(&resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "%s", response)
}

func (s *LogSrv) getEntriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	atomic.AddInt64(&s.entryFetches, 1)
	if s.tryFailure(w) {
		return
	}

	startArg := r.URL.Query().Get("start")
	endArg := r.URL.Query().Get("end")
	start, err := strconv.ParseUint(startArg, 10, 64)
	if err != nil {
		http.Error(w, "bad start parameter", http.StatusBadRequest)
		return
	}
	// The get-entries end parameter is inclusive.
	end, err := strconv.ParseUint(endArg, 10, 64)
	if err != nil {
		http.Error(w, "bad end parameter", http.StatusBadRequest)
		return
	}

	s.Lock()
	defer s.Unlock()
	if start >= s.treeSize || start > end {
		http.Error(w, "requested range is not available", http.StatusBadRequest)
		return
	}
	last := end
	if last > s.treeSize-1 {
		last = s.treeSize - 1
	}
	count := last - start + 1
	if s.maxBatch > 0 && count > s.maxBatch {
		count = s.maxBatch
	}
	resp := ct.GetEntriesResponse{
		Entries: s.leaves[start : start+count],
	}

	response, err := json.Marshal(&resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "%s", response)
}
