package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout names the runtime folders under the agent's cache path.
type Layout struct {
	Snapshots string
	Crash     string
	Abort     string
	Tmp       string
}

// Resolve computes the canonical layout for a cache path.
func Resolve(cachePath string) Layout {
	statePath := filepath.Join(cachePath, "state")
	return Layout{
		Snapshots: filepath.Join(cachePath, "snapshots"),
		Crash:     filepath.Join(statePath, "crash"),
		Abort:     filepath.Join(statePath, "abort"),
		Tmp:       filepath.Join(statePath, "tmp"),
	}
}

// EnsureStateDirs ensures the runtime folder layout exists under the
// agent's cache path. Paths must not be symlinks, must be private to
// the process owner and must be writable.
func EnsureStateDirs(cachePath string) error {
	l := Resolve(cachePath)
	for _, p := range []string{l.Snapshots, l.Crash, l.Abort, l.Tmp} {
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return fmt.Errorf("cannot create parent for %s: %w", p, err)
		}

		if fi, err := os.Lstat(p); err == nil {
			if fi.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("path is a symlink: %s", p)
			}
			if !fi.IsDir() {
				return fmt.Errorf("path exists and is not a directory: %s", p)
			}
			if fi.Mode().Perm()&0o022 != 0 {
				return fmt.Errorf("path has permissive mode (group/other write): %s", p)
			}
		}

		if err := os.MkdirAll(p, 0o700); err != nil {
			return fmt.Errorf("cannot create path %s: %w", p, err)
		}

		// writability check: create and remove a temp file
		tmp, err := os.CreateTemp(p, ".validate-*")
		if err != nil {
			return fmt.Errorf("path not writable: %s: %w", p, err)
		}
		tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	return nil
}
