package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewWithDefaults(t *testing.T) {
	s, err := NewWithDefaults(io.Discard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = s.Platform.Close() }()

	if s.HTTP.Addr != ":8000" {
		t.Errorf("Addr = %q, want :8000", s.HTTP.Addr)
	}
	if s.HTTP.ReadHeaderTimeout != 10*time.Second {
		t.Errorf("ReadHeaderTimeout = %v", s.HTTP.ReadHeaderTimeout)
	}

	w := httptest.NewRecorder()
	s.HTTP.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	if w.Code != http.StatusOK {
		t.Errorf("/health = %d", w.Code)
	}
}

func TestNewWithConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "server:\n  address: \":9100\"\nlogging:\n  format: json\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	s, err := NewWithConfig(path, io.Discard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = s.Platform.Close() }()

	if s.HTTP.Addr != ":9100" {
		t.Errorf("Addr = %q, want :9100", s.HTTP.Addr)
	}
}

func TestNewWithConfig_Missing(t *testing.T) {
	if _, err := NewWithConfig(filepath.Join(t.TempDir(), "absent.yaml"), io.Discard); err == nil {
		t.Error("expected error for missing config")
	}
}
