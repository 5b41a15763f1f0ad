// Package main is the modelsync command line client.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/atinyakov/modelsync/internal/client/cli"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

func main() {
	cli.Version, cli.BuildDate = version, buildDate

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.NewRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
