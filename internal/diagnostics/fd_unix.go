//go:build linux || darwin

package diagnostics

import (
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// CountFDs returns the number of open file descriptors and the soft limit.
func CountFDs() (open, limit int) {
	dir := "/proc/self/fd"
	if runtime.GOOS == "darwin" {
		dir = "/dev/fd"
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0
	}
	// ReadDir holds one descriptor of its own while listing.
	open = len(entries) - 1

	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err == nil {
		// #nosec G115 -- rlimit values are always within int range on supported platforms
		limit = int(rlim.Cur)
	}
	return open, limit
}
