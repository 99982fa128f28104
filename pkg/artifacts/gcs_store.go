//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore keeps modules in a Google Cloud Storage bucket under
// "<prefix><hex>.wasm".
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore creates a client from application default credentials.
func NewGCSStore(ctx context.Context, cfg Config) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(digest string) (*storage.ObjectHandle, error) {
	raw, err := ParseDigest(digest)
	if err != nil {
		return nil, err
	}
	return s.client.Bucket(s.bucket).Object(objectName(s.prefix, raw)), nil
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := checkSize(data); err != nil {
		return "", err
	}
	digest := DigestOf(data)
	obj, _ := s.object(digest)

	// DoesNotExist makes concurrent uploads of the same module race safely.
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/wasm"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		if ok, _ := s.Exists(ctx, digest); ok {
			return digest, nil
		}
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return digest, nil
}

func (s *GCSStore) Get(ctx context.Context, digest string) ([]byte, error) {
	obj, err := s.object(digest)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", digest, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(io.LimitReader(r, MaxModuleSize+1))
}

func (s *GCSStore) Exists(ctx context.Context, digest string) (bool, error) {
	obj, err := s.object(digest)
	if err != nil {
		return false, err
	}
	if _, err := obj.Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs error: %w", err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, digest string) error {
	obj, err := s.object(digest)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete failed for %s: %w", digest, err)
	}
	return nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
