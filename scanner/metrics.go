package scanner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// internetFacingBuckets are histogram buckets suitable for measuring
// latencies that involve traversing the public internet.
var internetFacingBuckets = []float64{.1, .25, .5, 1, 2.5, 5, 7.5, 10, 15, 30, 45}

// scanStats is a struct collecting up the prometheus metrics the scanner
// components export.
type scanStats struct {
	treeSize          *prometheus.GaugeVec
	fetchLatency      *prometheus.HistogramVec
	fetchFailures     *prometheus.CounterVec
	fetchRetries      *prometheus.CounterVec
	entriesProcessed  *prometheus.CounterVec
	findings          *prometheus.CounterVec
	decodeFailures    *prometheus.CounterVec
	certParseFailures *prometheus.CounterVec
	streamPolls       *prometheus.CounterVec
}

// stats is a scanStats instance with promauto registered prometheus
// metrics.
var stats = &scanStats{
	treeSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tree_size",
		Help: "Most recently observed CT log tree size",
	}, []string{"uri"}),
	fetchLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fetch_latency",
		Help:    "Latency of CT log API fetches",
		Buckets: internetFacingBuckets,
	}, []string{"uri", "endpoint"}),
	fetchFailures: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_failures",
		Help: "Count of failed CT log API fetches, including retried attempts",
	}, []string{"uri", "endpoint"}),
	fetchRetries: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_retries",
		Help: "Count of retried CT log API fetches",
	}, []string{"uri", "endpoint"}),
	entriesProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entries_processed",
		Help: "Count of log entries decoded and inspected",
	}, []string{"uri"}),
	findings: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extension_findings",
		Help: "Count of target extension findings emitted",
	}, []string{"uri", "oid"}),
	decodeFailures: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leaf_decode_failures",
		Help: "Count of log entries whose Merkle leaf could not be decoded",
	}, []string{"uri"}),
	certParseFailures: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cert_parse_failures",
		Help: "Count of log entries whose certificate DER could not be parsed",
	}, []string{"uri"}),
	streamPolls: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_polls",
		Help: "Count of live-stream tree size polls",
	}, []string{"uri"}),
}
