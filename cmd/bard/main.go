package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := setupTracing(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Tracing disabled: %v\n", err)
	}

	code := 0
	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		code = 1
	}
	if shutdown != nil {
		if err := shutdown(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Flush traces: %v\n", err)
		}
	}
	os.Exit(code)
}
