package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// CancelOnSignal installs a handler for SIGTERM, SIGINT and SIGHUP that
// cancels the provided context cancel function when one arrives. The
// provided logger is used to print which signal was caught. Unlike an
// os.Exit based handler this lets an in-flight batch drain so the cursor
// printed on shutdown is safe to resume from.
func CancelOnSignal(logger *log.Logger, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)
	signal.Notify(sigChan, syscall.SIGHUP)

	go func() {
		sig := <-sigChan
		logger.Printf("Caught %s signal, shutting down\n", sig.String())
		cancel()
	}()
}
