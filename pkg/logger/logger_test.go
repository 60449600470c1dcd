package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextWithJobID(t *testing.T) {
	ctx := ContextWithJobID(context.Background(), "a1b2c3d4e5f6")
	if got := JobIDFromContext(ctx); got != "a1b2c3d4e5f6" {
		t.Fatalf("expected job ID %q, got %q", "a1b2c3d4e5f6", got)
	}

	if got := JobIDFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty job ID, got %q", got)
	}
}

func TestWithContextAddsJobIDField(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	original := log
	log = zap.New(core)
	defer func() { log = original }()

	ctx := ContextWithJobID(context.Background(), "deadbeef0001")

	WithContext(ctx).Info("test message")

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}

	jobID, ok := entries[0].ContextMap()["job_id"]
	if !ok {
		t.Fatalf("expected job_id field to be present")
	}

	if jobID != "deadbeef0001" {
		t.Fatalf("expected job_id %q, got %v", "deadbeef0001", jobID)
	}
}
