package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"strings"

	"github.com/google/certificate-transparency-go/asn1"
	"github.com/jmhodges/clock"

	"github.com/ctwatchers/ct-nuthatch/cmd"
	"github.com/ctwatchers/ct-nuthatch/nuthatch"
	"github.com/ctwatchers/ct-nuthatch/pki"
	"github.com/ctwatchers/ct-nuthatch/scanner"
)

var (
	clk    clock.Clock = clock.Default()
	stdout *log.Logger = log.New(
		os.Stdout,
		path.Base(os.Args[0])+" ",
		log.LstdFlags)
	stderr *log.Logger = log.New(
		os.Stderr,
		path.Base(os.Args[0])+" ",
		log.LstdFlags)
)

// failOnError aborts by calling log.Fatalf with the provided msg iff the
// err is not nil.
func failOnError(err error, msg string) {
	if err == nil {
		return
	}
	stderr.Fatalf("%s - %s", msg, err)
}

// oidFlag collects repeated -oid arguments, rejecting values that do not
// parse as dotted-decimal OIDs.
type oidFlag []string

func (o *oidFlag) String() string {
	return strings.Join(*o, ",")
}

func (o *oidFlag) Set(value string) error {
	if _, err := scanner.ParseOID(value); err != nil {
		return err
	}
	*o = append(*o, value)
	return nil
}

// inspectPEM lists the extension observations of a local PEM certificate
// using the same inspector the log paths use. No network involved.
func inspectPEM(file string, oids []string) error {
	cert, err := pki.LoadCertificate(file)
	if err != nil {
		return err
	}
	var parsed []asn1.ObjectIdentifier
	for _, raw := range oids {
		oid, err := scanner.ParseOID(raw)
		if err != nil {
			return err
		}
		parsed = append(parsed, oid)
	}
	obs, err := scanner.Inspect(&scanner.Entry{
		Kind: scanner.KindX509,
		Cert: cert.Raw,
	}, parsed)
	if err != nil {
		return err
	}
	if len(obs) == 0 {
		stdout.Printf("No matching extensions in %s\n", file)
		return nil
	}
	for _, o := range obs {
		fmt.Printf("%s critical=%t value=%x\n", o.OID.String(), o.Critical, o.Value)
	}
	return nil
}

func main() {
	var oids oidFlag
	configFile := flag.String("config", "", "JSON configuration file path (optional)")
	logURI := flag.String("log-uri", "", "base URI of the CT log to watch")
	start := flag.Uint64("start", 0, "first log index to scan")
	end := flag.Uint64("end", 0, "exclusive scan end index (0 means the log's current tree size)")
	tail := flag.Bool("tail", false, "follow newly appended entries instead of a bounded scan")
	tailFrom := flag.Int64("tail-from", -1, "index to tail from (-1 means the tree size at startup, 0 replays the log)")
	pollInterval := flag.String("poll-interval", "", "how often to poll the tree size while tailing")
	batchSize := flag.Uint64("batch-size", 0, "entries requested per get-entries call")
	workers := flag.Int("workers", 0, "per-batch decode/inspect parallelism")
	metricsAddr := flag.String("metrics-addr", "", "listen address for the Prometheus metrics server")
	pemFile := flag.String("pem", "", "inspect a local PEM certificate and exit")
	flag.Var(&oids, "oid", "extension OID to report, repeatable (empty means all extensions)")
	flag.Parse()

	if *pemFile != "" {
		failOnError(inspectPEM(*pemFile, oids), "Unable to inspect certificate")
		return
	}

	var conf nuthatch.Config
	if *configFile != "" {
		failOnError(conf.Load(*configFile), "Unable to load config")
	}
	if *logURI != "" {
		conf.LogURI = *logURI
	}
	if len(oids) > 0 {
		conf.TargetOIDs = oids
	}
	if *batchSize != 0 {
		conf.BatchSize = *batchSize
	}
	if *workers != 0 {
		conf.Workers = *workers
	}
	if *pollInterval != "" {
		conf.PollInterval = *pollInterval
	}
	if *metricsAddr != "" {
		conf.MetricsAddr = *metricsAddr
	}
	if *tail {
		conf.Scan = nil
		conf.Stream = &nuthatch.StreamConfig{Start: *tailFrom}
	} else if *start != 0 || *end != 0 {
		conf.Scan = &nuthatch.ScanConfig{Start: *start, End: *end}
		conf.Stream = nil
	}

	n, err := nuthatch.New(conf, nil, stdout, stderr, clk)
	failOnError(err, "Unable to create watcher")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd.CancelOnSignal(stdout, cancel)

	err = n.Run(ctx)
	n.Stop()
	switch {
	case err == nil:
		stdout.Printf("Done at index %d\n", n.Cursor())
	case errors.Is(err, context.Canceled):
		stdout.Printf("Stopped at index %d, resume with -start %d\n", n.Cursor(), n.Cursor())
	default:
		var fatal *scanner.FatalError
		if errors.As(err, &fatal) {
			stderr.Printf("Fatal: %s (resume with -start %d)\n", fatal.Err.Error(), fatal.Cursor)
		} else {
			stderr.Printf("Fatal: %s\n", err.Error())
		}
		os.Exit(1)
	}
}
