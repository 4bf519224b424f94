package main

import (
	"encoding/json"
	"runtime"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	origVersion, origCommit := Version, GitCommit
	t.Cleanup(func() { Version, GitCommit = origVersion, origCommit })
	Version, GitCommit = "0.1.0-test", "abc123"

	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	for _, want := range []string{"Aegis 0.1.0-test", "Git Commit: abc123", runtime.GOOS + "/" + runtime.GOARCH} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestVersionCommand_JSON(t *testing.T) {
	out, err := execute(t, "version", "-o", "json")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if info.Version != Version || info.GoVersion != runtime.Version() {
		t.Errorf("info = %+v", info)
	}
}

func TestVersionCommand_CSVUnsupported(t *testing.T) {
	if _, err := execute(t, "version", "-o", "csv"); err == nil {
		t.Error("csv output of version should fail")
	}
	if _, err := execute(t, "version", "-o", "yaml"); err == nil {
		t.Error("unknown output format should fail")
	}
}

func TestCompletionCommand(t *testing.T) {
	out, err := execute(t, "completion", "bash")
	if err != nil {
		t.Fatalf("completion error = %v", err)
	}
	if !strings.Contains(out, "__start_aegis") {
		t.Errorf("bash completion missing entry point:\n%.200s", out)
	}

	if _, err := execute(t, "completion", "tcsh"); err == nil {
		t.Error("unsupported shell should fail")
	}
}
