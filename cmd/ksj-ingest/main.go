package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/withObsrvr/ksj-ingest/internal/cli"
	"github.com/withObsrvr/ksj-ingest/internal/pipeline"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler: running pipelines stop at their current
	// stage and partial downloads are kept for the next run.
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Printf("[shutdown] received signal: %v", sig)
		cancel()
	}()

	if err := cli.BuildCLI().ExecuteContext(ctx); err != nil {
		if ctx.Err() != nil {
			log.Printf("[main] interrupted, progress saved in the ledger")
			os.Exit(130)
		}
		log.Printf("[main] ksj-ingest %s failed: %v", pipeline.Version, err)
		os.Exit(1)
	}
}
