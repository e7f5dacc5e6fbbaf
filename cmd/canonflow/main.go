// Package main provides the entry point for the canonflow CLI tool.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentstation/canonflow/pkg/logging"
)

// Version information populated by goreleaser.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logging.Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
