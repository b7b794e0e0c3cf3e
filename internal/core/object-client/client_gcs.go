package objectclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	cfg "github.com/markdave123-py/ocrflow/internal/config"
)

// GCSClient archives to a Cloud Storage bucket using application default credentials.
type GCSClient struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	name   string
}

func NewGCSClient(ctx context.Context, cfg *cfg.Config) (*GCSClient, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("GCS bucket name not set")
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	slog.Info("GCS archive client ready", "bucket", cfg.BucketName)
	return &GCSClient{client: client, bucket: client.Bucket(cfg.BucketName), name: cfg.BucketName}, nil
}

// UploadFile writes key only if it does not exist yet. An existing object is
// treated as already archived.
func (c *GCSClient) UploadFile(ctx context.Context, key string, data io.Reader, contentType string) (string, error) {
	url := fmt.Sprintf("gs://%s/%s", c.name, key)

	w := c.bucket.Object(key).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, data); err != nil {
		_ = w.Close()
		if isPreconditionFailed(err) {
			slog.Debug("object already archived", "key", key)
			return url, nil
		}
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Debug("object already archived", "key", key)
			return url, nil
		}
		return "", fmt.Errorf("gcs finalize failed: %w", err)
	}
	return url, nil
}

func (c *GCSClient) DeleteFile(ctx context.Context, key string) error {
	err := c.bucket.Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete failed: %w", err)
	}
	return nil
}

func (c *GCSClient) Close() error {
	return c.client.Close()
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
