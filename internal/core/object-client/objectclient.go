// Package objectclient mirrors finished run directories to object storage.
package objectclient

import (
	"context"
	"fmt"

	cfg "github.com/markdave123-py/ocrflow/internal/config"
	"github.com/markdave123-py/ocrflow/internal/core"
)

// NewObjectClient builds the client for the configured archive backend.
// It returns nil when archiving is disabled.
func NewObjectClient(ctx context.Context, cfg *cfg.Config) (core.ObjectClient, error) {
	switch cfg.ArchiveBackend {
	case "", "none":
		return nil, nil
	case "s3":
		c, err := NewS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "gcs":
		c, err := NewGCSClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown archive backend %q", cfg.ArchiveBackend)
}
