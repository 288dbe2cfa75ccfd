package artifact

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalBackend stores objects under a filesystem root. It is both the
// no-credentials default and the degradation target when a remote backend
// fails.
type LocalBackend struct {
	root string
}

// NewLocalBackend creates the backend rooted at dir.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if dir == "" {
		dir = "data/uploads"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &LocalBackend{root: dir}, nil
}

// abs resolves an object path inside the root, rejecting traversal.
func (b *LocalBackend) abs(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", os.ErrPermission
	}
	return filepath.Join(b.root, clean), nil
}

func (b *LocalBackend) Write(_ context.Context, path string, data []byte, _ string) error {
	full, err := b.abs(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

func (b *LocalBackend) Read(_ context.Context, path string) ([]byte, error) {
	full, err := b.abs(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

func (b *LocalBackend) Stat(_ context.Context, path string) (int64, time.Time, error) {
	full, err := b.abs(path)
	if err != nil {
		return 0, time.Time{}, err
	}
	fi, err := os.Stat(full)
	if err != nil {
		return 0, time.Time{}, err
	}
	return fi.Size(), fi.ModTime(), nil
}

func (b *LocalBackend) RemovePrefix(_ context.Context, prefix string) error {
	full, err := b.abs(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (b *LocalBackend) List(_ context.Context, prefix string) ([]string, error) {
	full, err := b.abs(prefix)
	if err != nil {
		return nil, err
	}
	var out []string
	err = filepath.WalkDir(full, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return out, nil
}
