package config

import (
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// AtomicWrite writes data to path so readers see either the old or the new
// content. An existing file keeps its permissions; new files get 0600.
func AtomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}

	perm := os.FileMode(0o600)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}
	return renameio.WriteFile(path, data, perm)
}
