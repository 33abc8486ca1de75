package loggingutil

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestSubsystem(t *testing.T) {
	if got := Subsystem("blobkv", "", ".kv.", "sweep"); got != "blobkv.kv.sweep" {
		t.Fatalf("unexpected subsystem %q", got)
	}
	if got := Subsystem(); got != "" {
		t.Fatalf("expected empty subsystem, got %q", got)
	}
}

func TestWithSubsystemTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	logger := WithSubsystem(pslog.NewStructured(context.Background(), &buf), "blobkv.kv")
	logger.Info("hello")
	if !strings.Contains(buf.String(), "blobkv.kv") {
		t.Fatalf("subsystem missing from %q", buf.String())
	}
	if EnsureLogger(nil) == nil {
		t.Fatalf("expected noop logger")
	}
}
