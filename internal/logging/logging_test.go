package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNew_Levels(t *testing.T) {
	debug := New("debug", "text")
	if !debug.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug level to be enabled")
	}

	errOnly := New("error", "text")
	if errOnly.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info to be disabled at error level")
	}

	fallback := New("bogus", "json")
	if !fallback.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected unknown level to fall back to info")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := RequestID(ctx); got != "" {
		t.Errorf("expected empty request id, got %q", got)
	}

	ctx = WithRequestID(ctx, "req-123")
	if got := RequestID(ctx); got != "req-123" {
		t.Errorf("expected req-123, got %q", got)
	}
}

func TestL_UsesContextLogger(t *testing.T) {
	base := New("info", "text")
	ctx := WithLogger(context.Background(), base)

	if L(ctx) == nil {
		t.Fatal("expected non-nil logger")
	}

	// With a request ID attached, L returns a derived logger.
	ctx = WithRequestID(ctx, "req-456")
	derived := L(ctx)
	if derived == base {
		t.Error("expected derived logger with request_id attribute")
	}
}
