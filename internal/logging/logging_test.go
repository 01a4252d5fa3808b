package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestJobRoundTrip(t *testing.T) {
	ctx := context.Background()
	if Job(ctx) != "" {
		t.Error("Job on bare context should be empty")
	}

	ctx = WithJob(ctx, "reconcile")
	if got := Job(ctx); got != "reconcile" {
		t.Errorf("Job = %q, want reconcile", got)
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("bare context should yield the default logger")
	}

	logger := New("debug", "json")
	ctx := WithLogger(context.Background(), logger)
	if FromContext(ctx) != logger {
		t.Error("context logger not returned")
	}
}

func TestLTagsRecordsWithJob(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithLogger(WithJob(context.Background(), "sweep"), logger)
	L(ctx).Info("tick")

	if !strings.Contains(buf.String(), "job=sweep") {
		t.Errorf("log missing job attribute, got: %s", buf.String())
	}

	// Without a job the logger passes through untagged.
	buf.Reset()
	L(WithLogger(context.Background(), logger)).Info("tick")
	if strings.Contains(buf.String(), "job=") {
		t.Errorf("unexpected job attribute: %s", buf.String())
	}
}

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		if New(level, "text") == nil {
			t.Errorf("New(%q) returned nil", level)
		}
	}
}
