package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalOpener reads batch files from a directory, for development and tests.
type LocalOpener struct {
	root string
}

// NewLocalOpener creates an opener rooted at dir.
func NewLocalOpener(dir string) (*LocalOpener, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	return &LocalOpener{root: abs}, nil
}

// Open returns the file at storagePath relative to the root. Paths that
// escape the root are rejected.
func (o *LocalOpener) Open(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(o.root, filepath.FromSlash(ObjectKey("", storagePath)))
	if path != o.root && !strings.HasPrefix(path, o.root+string(filepath.Separator)) {
		return nil, fmt.Errorf("storage path %q escapes root", storagePath)
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", storagePath, err)
	}
	return f, nil
}

// Check verifies the root directory exists.
func (o *LocalOpener) Check(ctx context.Context) error {
	info, err := os.Stat(o.root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("storage root %s is not a directory", o.root)
	}
	return nil
}
