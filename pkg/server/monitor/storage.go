package monitor

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StorageMonitor tracks dataset store disk usage with caching to avoid
// rescanning the tree on every health check.
type StorageMonitor struct {
	dataDir       string
	maxBytes      int64
	cachedUsage   int64
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

// NewStorageMonitor watches dataDir against a byte limit (0 = unlimited).
func NewStorageMonitor(dataDir string, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		dataDir:       dataDir,
		maxBytes:      maxBytes,
		cacheDuration: 10 * time.Second,
	}
}

// GetUsage returns the store's current size in bytes (cached briefly).
func (sm *StorageMonitor) GetUsage() (int64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if time.Since(sm.lastCheck) < sm.cacheDuration {
		return sm.cachedUsage, nil
	}

	usage, err := dirSize(sm.dataDir)
	if err != nil {
		return 0, err
	}
	sm.cachedUsage = usage
	sm.lastCheck = time.Now()
	return usage, nil
}

// GetLimit returns the configured limit in bytes.
func (sm *StorageMonitor) GetLimit() int64 { return sm.maxBytes }

// OverLimit reports whether usage exceeds the limit.
func (sm *StorageMonitor) OverLimit() bool {
	if sm.maxBytes <= 0 {
		return false
	}
	usage, err := sm.GetUsage()
	if err != nil {
		return false
	}
	return usage > sm.maxBytes
}

func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
