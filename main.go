// Command mobility runs the MITMA mobility lakehouse pipeline: source discovery, bronze ingestion,
// the quality gate, silver promotion and zone statistics.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := newRootCommand(os.Stdout, os.Stderr).ExecuteContext(ctx)
	if err != nil {
		if stage, ok := FailedStage(err); ok {
			stderrf("❌ %s stage failed: %v\n", stage, err)
		} else {
			stderrf("❌ %v\n", err)
		}
	}
	stop()
	os.Exit(exitCode(err))
}
