package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/data7/data7/internal/cli/data7ctl"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := data7ctl.Run(ctx, os.Args[1:], data7ctl.Options{
		Lookup: os.LookupEnv,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	stop()
	os.Exit(code)
}
