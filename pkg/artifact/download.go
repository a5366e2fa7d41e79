package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrExtensionNotAllowed rejects paths outside the extension allow-list.
	ErrExtensionNotAllowed = errors.New("file extension not allowed")

	// ErrNotFound is returned when the artifact does not exist.
	ErrNotFound = errors.New("artifact not found")

	// ErrOutsideRoot rejects paths that escape the configured root.
	ErrOutsideRoot = errors.New("path outside artifact root")
)

// DownloadConfig configures the download collaborator.
type DownloadConfig struct {
	// Extensions is the allow-list; defaults to DefaultExtensions.
	Extensions []string

	// Root, when set, confines downloads to files beneath it.
	Root string
}

// Downloader validates artifact paths and streams the files.
type Downloader struct {
	extensions map[string]bool
	root       string
	logger     *slog.Logger
}

// NewDownloader creates a Downloader.
func NewDownloader(cfg DownloadConfig, logger *slog.Logger) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}
	exts := cfg.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	allowed := make(map[string]bool, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = true
	}

	root := cfg.Root
	if root != "" {
		root = filepath.Clean(expandHome(root))
	}
	return &Downloader{extensions: allowed, root: root, logger: logger}
}

// Resolve checks path against the allow-list and root and returns the
// cleaned absolute path. It does not touch the filesystem.
func (d *Downloader) Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty path", ErrExtensionNotAllowed)
	}
	clean := filepath.Clean(expandHome(path))
	if !d.extensions[strings.ToLower(filepath.Ext(clean))] {
		return "", fmt.Errorf("%w: %q", ErrExtensionNotAllowed, filepath.Ext(clean))
	}
	if d.root != "" {
		abs, err := filepath.Abs(clean)
		if err != nil {
			return "", fmt.Errorf("resolving path: %w", err)
		}
		rel, err := filepath.Rel(d.root, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", ErrOutsideRoot
		}
		clean = abs
	}
	return clean, nil
}

// ServeHTTP streams the artifact named by the "path" query parameter.
func (d *Downloader) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path, err := d.Resolve(r.URL.Query().Get("path"))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrOutsideRoot) {
			status = http.StatusForbidden
		}
		writeError(w, status, err.Error())
		return
	}

	f, info, err := open(path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		d.logger.Error("artifact download failed", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to open file")
		return
	}
	defer func() { _ = f.Close() }()

	name := filepath.Base(path)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func open(path string) (*os.File, os.FileInfo, error) {
	// #nosec G304 -- path validated by Resolve
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, nil, ErrNotFound
	}
	return f, info, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}
