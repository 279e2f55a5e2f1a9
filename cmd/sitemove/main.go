package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	smerrors "github.com/BadgerOps/sitemove/internal/errors"
)

var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", formatError(err))
		os.Exit(1)
	}
}

// formatError renders coded errors with their remediation hint.
func formatError(err error) string {
	e := smerrors.AsError(err)
	if e == nil {
		return err.Error()
	}
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Error())
	if e.Fix != "" {
		msg += "\n  " + e.Fix
	}
	return msg
}
