//go:build linux

package supervisor

import (
	"fmt"
	"os"
)

// EnsureRunDir exposes ensureDir to cmd/dmgrd, which needs to prepare the
// control socket's parent directory before New binds the listener.
func EnsureRunDir(dir string, uid, gid int, chown bool) error {
	return ensureDir(dir, uid, gid, chown)
}

// ensureDir is C9: it makes sure dir exists and optionally chowns it to
// uid/gid, the way zdrun.py's mkdir does for the socket's parent directory
// and the run directory. Creation is deliberately a single os.Mkdir, not a
// recursive MkdirAll: directory creation stays narrow (one level deep)
// precisely so this never becomes an "rm -rf"-adjacent hazard by silently
// creating a long chain of directories nobody asked for. A missing parent is
// reported as an error, not created.

func ensureDir(dir string, uid, gid int, chown bool) error {
	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("stat %q: %w", dir, err)
		}
		if err := os.Mkdir(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %q: %w", dir, err)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("%q exists and is not a directory", dir)
	}

	if chown {
		if err := os.Chown(dir, uid, gid); err != nil {
			return fmt.Errorf("chown %q: %w", dir, err)
		}
	}
	return nil
}
