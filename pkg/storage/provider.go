package storage

import (
	"context"
	"errors"
)

// ErrNotPublishable is returned for artifacts that cannot be published, such
// as missing files or directories.
var ErrNotPublishable = errors.New("artifact cannot be published")

// Provider publishes artifacts. S3 implements this.
type Provider interface {
	// Name returns the provider name.
	Name() string

	// Publish uploads the file at path under sessionID and describes the
	// stored object.
	Publish(ctx context.Context, sessionID, path string) (*Object, error)

	// Close releases resources.
	Close() error
}
