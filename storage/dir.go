package storage

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
)

// Dir is a browser user data directory.
type Dir struct {
	Dir string

	fs     afero.Fs
	remove bool
}

// NewDir returns a Dir on fs.
func NewDir(fs afero.Fs) *Dir {
	return &Dir{fs: fs}
}

// Make creates a temporary directory under tmpDir, or uses dir as is when it
// is set. Only temporary directories are removed on Cleanup.
func (d *Dir) Make(tmpDir, dir string) error {
	if d.fs == nil {
		d.fs = afero.NewOsFs()
	}
	if dir != "" {
		d.Dir = dir
		return nil
	}
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}

	var err error
	if d.Dir, err = afero.TempDir(d.fs, tmpDir, "ghost-browser-data-"); err != nil {
		return fmt.Errorf("creating a temporary user data directory: %w", err)
	}
	d.remove = true

	return nil
}

// Cleanup removes the directory if Make created it.
func (d *Dir) Cleanup() error {
	if !d.remove {
		return nil
	}
	if err := d.fs.RemoveAll(d.Dir); err != nil {
		return fmt.Errorf("removing user data directory %q: %w", d.Dir, err)
	}
	return nil
}
