package main

import (
	"testing"

	"github.com/arachmani/ovirt-hosted-engine-ha/internal/version"
)

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
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

func TestVersionCommandShortFlag(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "version", "--short")
	if err != nil {
		t.Fatalf("version --short failed: %v", err)
	}
	if want := version.Current() + "\n"; stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}
