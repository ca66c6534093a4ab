package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_WritesStdoutAndFile(t *testing.T) {
	var stdout bytes.Buffer
	path := filepath.Join(t.TempDir(), "dlload.log")

	logger := New(Options{File: path, Stdout: &stdout})
	Component(logger.Logger, "loader").Info("pass complete", "sources", 2)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	if !strings.Contains(stdout.String(), "component=loader") {
		t.Errorf("stdout missing component attribute: %q", stdout.String())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "pass complete") {
		t.Errorf("log file missing record: %q", data)
	}
}

func TestNew_DebugLevel(t *testing.T) {
	var quiet, verbose bytes.Buffer

	New(Options{Stdout: &quiet}).Debug("hidden")
	New(Options{Stdout: &verbose, Debug: true}).Debug("shown")

	if quiet.Len() != 0 {
		t.Errorf("debug record written at info level: %q", quiet.String())
	}
	if !strings.Contains(verbose.String(), "shown") {
		t.Errorf("debug record missing at debug level: %q", verbose.String())
	}
}

func TestClose_NoFile(t *testing.T) {
	if err := New(Options{Stdout: &bytes.Buffer{}}).Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
}
