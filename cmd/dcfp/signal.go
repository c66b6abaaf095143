package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const progressInterval = 250 * time.Millisecond

// setupSignalHandler returns a channel closed on the first SIGINT, SIGTERM or
// SIGPIPE. A second SIGINT or SIGTERM exits immediately.
func setupSignalHandler() <-chan struct{} {
	shutdown := make(chan struct{})
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGPIPE)

	go func() {
		sig := <-sigChan
		fmt.Fprintf(os.Stderr, "\nReceived signal: %v\n", sig)
		close(shutdown)

		if sig == syscall.SIGPIPE {
			signal.Stop(sigChan)
			return
		}
		fmt.Fprintf(os.Stderr, "Finishing in-flight chunks; completed files are kept. Signal again to abort.\n")
		<-sigChan
		os.Exit(130)
	}()

	return shutdown
}
