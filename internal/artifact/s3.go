package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/k11v/deployer/internal/deploy"
)

var _ deploy.ArtifactStore = (*S3Store)(nil)

// S3Store keeps artifacts in a bucket, keyed by file name.
type S3Store struct {
	client *s3.Client
	bucket string

	partSize int64
}

func NewS3Store(client *s3.Client, bucket string) *S3Store {
	return &S3Store{
		client:   client,
		bucket:   bucket,
		partSize: manager.DefaultDownloadPartSize,
	}
}

// Open implements deploy.ArtifactStore.
// The object is downloaded in parts to a temporary file that is removed on Close.
func (s *S3Store) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, 0, fmt.Errorf("artifact.S3Store: %w", err)
	}

	f, err := os.CreateTemp("", "artifact-*.apk")
	if err != nil {
		return nil, 0, fmt.Errorf("artifact.S3Store: %w", err)
	}
	tmp := &tempFile{File: f}

	downloader := manager.NewDownloader(s.client, func(d *manager.Downloader) {
		d.PartSize = s.partSize
	})
	n, err := downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &name,
	})
	if err != nil {
		_ = tmp.Close()
		if isNotFound(err) {
			return nil, 0, fmt.Errorf("artifact.S3Store: %s: %w", name, deploy.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("artifact.S3Store: %w", err)
	}

	if _, err = f.Seek(0, io.SeekStart); err != nil {
		_ = tmp.Close()
		return nil, 0, fmt.Errorf("artifact.S3Store: %w", err)
	}
	return tmp, n, nil
}

// Upload stores the artifact read from r under name.
func (s *S3Store) Upload(ctx context.Context, name string, r io.Reader) error {
	name, err := cleanName(name)
	if err != nil {
		return fmt.Errorf("artifact.S3Store: %w", err)
	}

	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = s.partSize
	})
	contentType := "application/vnd.android.package-archive"
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &name,
		Body:        r,
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("artifact.S3Store: upload %s: %w", name, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}

// tempFile is a temporary file that removes itself on Close.
type tempFile struct {
	*os.File
}

func (f *tempFile) Close() error {
	err := f.File.Close()
	if removeErr := os.Remove(f.Name()); err == nil {
		err = removeErr
	}
	return err
}
