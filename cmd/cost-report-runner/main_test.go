package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseFlags(t *testing.T) {
	var errOut bytes.Buffer
	opts, err := parseFlags([]string{"-config", "runner.yaml", "-address", ":9000"}, &errOut)
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if opts.configPath != "runner.yaml" || opts.address != ":9000" || opts.showVersion {
		t.Errorf("parseFlags() = %+v", opts)
	}

	if _, err := parseFlags([]string{"-bogus"}, &errOut); err == nil {
		t.Error("parseFlags() expected error for unknown flag")
	}
}

func TestRun_Version(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := run([]string{"-version"}, &out, &errOut); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "cost-report-runner version ") {
		t.Errorf("version output = %q", out.String())
	}
}

func TestRun_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  format: xml\n"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	var out, errOut bytes.Buffer
	err := run([]string{"-config", path}, &out, &errOut)
	if err == nil || !strings.Contains(err.Error(), "logging.format") {
		t.Errorf("run() error = %v, want config validation error", err)
	}
}

func TestRun_MissingConfig(t *testing.T) {
	var out, errOut bytes.Buffer
	err := run([]string{"-config", filepath.Join(t.TempDir(), "nope.yaml")}, &out, &errOut)
	if err == nil || !strings.Contains(err.Error(), "loading config") {
		t.Errorf("run() error = %v", err)
	}
}
