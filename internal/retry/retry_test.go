package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() Config {
	return Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  200 * time.Millisecond,
	}
}

func TestExecute_SucceedsAfterTransientFailures(t *testing.T) {
	var attempts int
	err := Execute(context.Background(), fastConfig(), testLogger(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestExecute_AbortReturnsUnwrapped(t *testing.T) {
	sentinel := errors.New("rejected")
	var attempts int
	err := Execute(context.Background(), fastConfig(), testLogger(), func(ctx context.Context) error {
		attempts++
		return Abort(sentinel)
	})
	if attempts != 1 {
		t.Fatalf("aborted op retried: %d attempts", attempts)
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		t.Fatalf("abort must not become ExhaustedError: %v", err)
	}
}

func TestExecute_ExhaustionWrapsFinalError(t *testing.T) {
	final := errors.New("still down")
	err := Execute(context.Background(), fastConfig(), testLogger(), func(ctx context.Context) error {
		return final
	})
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if !errors.Is(err, final) {
		t.Fatalf("final error not reachable via Unwrap: %v", err)
	}
	if ex.Attempts < 2 {
		t.Fatalf("expected multiple attempts, got %d", ex.Attempts)
	}
}

func TestExecute_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Execute(ctx, fastConfig(), testLogger(), func(ctx context.Context) error {
		return errors.New("down")
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
}

func TestExecute_PerAttemptTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.PerAttemptTimeout = 5 * time.Millisecond
	var sawDeadline bool
	_ = Execute(context.Background(), cfg, testLogger(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			sawDeadline = true
			return nil
		}
		return errors.New("no deadline")
	})
	if !sawDeadline {
		t.Fatal("attempt context had no deadline")
	}
}
