//go:build windows

package launcher

import (
	"os"
	"path/filepath"
)

// profileLocked on Windows treats mere presence of the lock file as a
// conflict; Windows releases the file handle itself when the owning
// process exits, so there is no stale-pid case to special-case here.
func profileLocked(profileDir string) (bool, string) {
	lockPath := filepath.Join(profileDir, "lockfile")
	if _, err := os.Stat(lockPath); err == nil {
		return true, "unknown"
	}
	return false, ""
}
