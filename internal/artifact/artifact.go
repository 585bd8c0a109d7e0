// Package artifact opens APK files produced by builds,
// either from a local directory or from an S3 bucket.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/k11v/deployer/internal/deploy"
	"github.com/k11v/deployer/internal/s3util"
)

type Config struct {
	Dir                string `env:"DIR"`                  // default: "/apk-builds"
	S3ConnectionString string `env:"S3_CONNECTION_STRING"` // optional, selects the S3 store
	S3Bucket           string `env:"S3_BUCKET"`            // default: "apk-builds"
}

func (c *Config) dir() string {
	if c.Dir == "" {
		return "/apk-builds"
	}
	return c.Dir
}

func (c *Config) s3Bucket() string {
	if c.S3Bucket == "" {
		return "apk-builds"
	}
	return c.S3Bucket
}

// NewStore returns the S3 store if an S3 connection string is configured
// and the directory store otherwise.
func NewStore(cfg *Config) (deploy.ArtifactStore, error) {
	if cfg.S3ConnectionString == "" {
		return NewDirStore(cfg.dir()), nil
	}

	client, err := s3util.NewClient(cfg.S3ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("artifact.NewStore: %w", err)
	}
	return NewS3Store(client, cfg.s3Bucket()), nil
}

// NewS3StoreFromConfig returns the S3 store of cfg, creating its bucket if needed.
// It fails if cfg has no S3 connection string.
func NewS3StoreFromConfig(ctx context.Context, cfg *Config) (*S3Store, error) {
	if cfg.S3ConnectionString == "" {
		return nil, errors.New("artifact.NewS3StoreFromConfig: no S3 connection string")
	}

	client, err := s3util.NewClient(cfg.S3ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("artifact.NewS3StoreFromConfig: %w", err)
	}
	if err = s3util.CreateBucket(ctx, client, cfg.s3Bucket()); err != nil {
		return nil, fmt.Errorf("artifact.NewS3StoreFromConfig: %w", err)
	}
	return NewS3Store(client, cfg.s3Bucket()), nil
}

// cleanName rejects names that would escape the store.
// Builds report plain file names like app-release-1.2.3.apk.
func cleanName(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name != path.Clean(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid artifact name %q: %w", name, deploy.ErrNotFound)
	}
	return name, nil
}
