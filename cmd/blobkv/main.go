package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pkt.systems/pslog"

	"pkt.systems/blobkv/internal/loggingutil"
)

// Exit codes reported for non-OK store statuses.
const (
	exitOK                 = 0
	exitFailure            = 1
	exitNotFound           = 2
	exitPreconditionFailed = 3
	exitNotModified        = 4
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("BLOBKV_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "blobkv")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return exitFailure
		}
		var exit *exitError
		if errors.As(err, &exit) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
			return exit.code
		}
		loggingutil.WithSubsystem(baseLogger, "cli.root").Debug("command failed", "error", err)
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return exitFailure
	}
	return exitOK
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

// exitError carries a process exit code for a store status that is not a
// hard failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }
