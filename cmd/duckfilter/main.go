package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/duckmesh/duckfilter/internal/cli/duckfilter"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := duckfilter.Run(ctx, os.Args[1:], duckfilter.Options{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	stop()
	os.Exit(code)
}
