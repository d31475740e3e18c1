package monitor

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StorageMonitor reports the data directory's on-disk footprint for the
// storage endpoint. The result is cached briefly: a directory walk per
// request is too expensive once the value log grows.
type StorageMonitor struct {
	dataDir       string
	maxBytes      int64
	cachedUsage   int64
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

// NewStorageMonitor creates a monitor over the given data directory.
func NewStorageMonitor(dataDir string, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		dataDir:       dataDir,
		maxBytes:      maxBytes,
		cacheDuration: 10 * time.Second,
	}
}

// GetUsage returns current storage usage in bytes, refreshing the cached
// value once it has gone stale.
func (sm *StorageMonitor) GetUsage() (int64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if time.Since(sm.lastCheck) < sm.cacheDuration {
		return sm.cachedUsage, nil
	}

	usage, err := calculateDirSize(sm.dataDir)
	if err != nil {
		return 0, err
	}

	sm.cachedUsage = usage
	sm.lastCheck = time.Now()
	return usage, nil
}

// GetLimit returns the configured storage limit in bytes.
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// calculateDirSize walks the directory summing actual disk usage rather
// than logical size, so sparse value-log files are not overcounted.
func calculateDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			actualSize, err := getActualFileSize(filePath, info)
			if err != nil {
				size += info.Size()
			} else {
				size += actualSize
			}
		}
		return nil
	})
	return size, err
}

// getActualFileSize is implemented per platform in filesize_unix.go and
// filesize_windows.go.
