package artifacts

import (
	"context"
	"fmt"
)

// Backend names a Store implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// Config selects and configures the module store.
type Config struct {
	Backend Backend `yaml:"backend"`
	// Dir is the FileStore directory.
	Dir string `yaml:"dir"`
	// Bucket, Prefix, Region and Endpoint configure the object stores.
	// Region and Endpoint apply to S3 only.
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig stores modules under ./data/modules.
func DefaultConfig() Config {
	return Config{Backend: BackendFS, Dir: "data/modules", Region: "us-east-1"}
}

// NewStore builds the store cfg selects.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendFS, "":
		if cfg.Dir == "" {
			cfg.Dir = DefaultConfig().Dir
		}
		return NewFileStore(cfg.Dir)
	case BackendS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("artifacts: bucket is required for s3 storage")
		}
		if cfg.Region == "" {
			cfg.Region = DefaultConfig().Region
		}
		return NewS3Store(ctx, cfg)
	case BackendGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("artifacts: bucket is required for gcs storage")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("artifacts: unsupported storage backend %q", cfg.Backend)
	}
}
