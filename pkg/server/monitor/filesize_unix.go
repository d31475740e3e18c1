//go:build !windows

package monitor

import (
	"os"
	"syscall"
)

// getActualFileSize returns actual disk usage in bytes on Unix systems.
// Uses stat blocks to handle sparse files correctly.
func getActualFileSize(path string, info os.FileInfo) (int64, error) {
	sys := info.Sys()
	if sys == nil {
		return info.Size(), nil
	}

	stat, ok := sys.(*syscall.Stat_t)
	if !ok {
		return info.Size(), nil
	}

	// Blocks are 512 bytes each; this gives actual disk usage, not
	// logical size.
	return stat.Blocks * 512, nil
}
