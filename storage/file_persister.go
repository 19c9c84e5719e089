package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// FilePersister will persist files. It abstracts away the where and how of
// writing files to the source destination.
type FilePersister interface {
	Persist(ctx context.Context, path string, data io.Reader) error
}

// FSPersister persists files to an afero filesystem.
type FSPersister struct {
	FS afero.Fs
}

// NewLocalFilePersister returns a persister writing to the local disk.
func NewLocalFilePersister() *FSPersister {
	return &FSPersister{FS: afero.NewOsFs()}
}

// Persist writes the contents of data to path, creating missing directories
// and truncating an existing file.
func (p *FSPersister) Persist(ctx context.Context, path string, data io.Reader) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	cp := filepath.Clean(path)

	dir := filepath.Dir(cp)
	if err = p.FS.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %q: %w", dir, err)
	}

	f, err := p.FS.OpenFile(cp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating file %q: %w", cp, err)
	}
	defer func() {
		tempErr := f.Close()
		// Only return the close error if there isn't already an existing error.
		if tempErr != nil && err == nil {
			err = fmt.Errorf("closing file %q: %w", cp, tempErr)
		}
	}()

	if _, err = io.Copy(f, data); err != nil {
		return fmt.Errorf("writing file %q: %w", cp, err)
	}

	return nil
}
