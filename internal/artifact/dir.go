package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/k11v/deployer/internal/deploy"
)

var _ deploy.ArtifactStore = (*DirStore)(nil)

// DirStore opens artifacts from a directory the deploy agent copies APKs to.
type DirStore struct {
	dir string
}

func NewDirStore(dir string) *DirStore {
	return &DirStore{dir: dir}
}

// Open implements deploy.ArtifactStore.
func (s *DirStore) Open(_ context.Context, name string) (io.ReadCloser, int64, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, 0, fmt.Errorf("artifact.DirStore: %w", err)
	}

	f, err := os.Open(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, fmt.Errorf("artifact.DirStore: %s: %w", name, deploy.ErrNotFound)
	} else if err != nil {
		return nil, 0, fmt.Errorf("artifact.DirStore: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("artifact.DirStore: %w", err)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, 0, fmt.Errorf("artifact.DirStore: %s is not a regular file: %w", name, deploy.ErrNotFound)
	}

	return f, info.Size(), nil
}
