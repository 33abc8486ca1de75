package main

import (
	"strings"
	"testing"

	"pkt.systems/blobkv/internal/version"
)

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	isolateEnv(t)
	stdout, stderr, err := run(t, nil, "", "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestVersionCommandVerbose(t *testing.T) {
	isolateEnv(t)
	stdout, _, err := run(t, nil, "", "version", "--verbose")
	if err != nil {
		t.Fatalf("version --verbose failed: %v", err)
	}
	if !strings.Contains(stdout, "version: "+version.Current()) || !strings.Contains(stdout, "platform: ") {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
}

func TestRootVersionFlagIsUnknown(t *testing.T) {
	isolateEnv(t)
	_, _, err := run(t, nil, "", "--version")
	if err == nil || !strings.Contains(err.Error(), "unknown flag") {
		t.Fatalf("expected unknown flag error, got %v", err)
	}
}
