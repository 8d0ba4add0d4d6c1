package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

type StorageManager struct {
	videoDir     string
	capBytes     int64 // 0 disables the cap
	rawExt       string
	containerExt string
	inUse        func() []string // chunk files of running recordings, never deleted
	logger       *Logger

	ticker   *time.Ticker
	done     chan struct{}
	stopOnce sync.Once

	mu          sync.Mutex
	lastUsed    int64 // Cache last calculated storage usage
	lastChecked time.Time
}

type chunkFile struct {
	path    string
	modTime time.Time
	size    int64
}

func NewStorageManager(config *Config, inUse func() []string, logger *Logger) (*StorageManager, error) {
	if err := os.MkdirAll(config.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create video directory: %w", err)
	}
	if inUse == nil {
		inUse = func() []string { return nil }
	}

	return &StorageManager{
		videoDir:     config.OutputDir,
		capBytes:     int64(config.StorageCapGB) * BytesPerGB,
		rawExt:       config.RawExtension,
		containerExt: config.ContainerExtension,
		inUse:        inUse,
		logger:       logger,
		done:         make(chan struct{}),
	}, nil
}

// Start runs the cleanup loop until Stop
func (sm *StorageManager) Start() {
	sm.ticker = time.NewTicker(StorageCheckInterval)
	go sm.cleanupLoop(sm.ticker)
}

func (sm *StorageManager) cleanupLoop(ticker *time.Ticker) {
	for {
		select {
		case <-sm.done:
			return
		case <-ticker.C:
			if _, err := sm.EnforceStorageCap(); err != nil {
				// Just log, don't crash
				sm.logger.Printf("Storage cleanup error: %v", err)
			}
		}
	}
}

// scan lists every chunk file in the per-day directories below the video dir
func (sm *StorageManager) scan() ([]chunkFile, int64, error) {
	entries, err := os.ReadDir(sm.videoDir)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read video directory: %w", err)
	}

	var files []chunkFile
	var totalSize int64

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		// Skip hidden directories
		if entry.Name()[0] == '.' {
			continue
		}

		dayDir := filepath.Join(sm.videoDir, entry.Name())
		dayEntries, err := os.ReadDir(dayDir)
		if err != nil {
			continue
		}

		for _, videoEntry := range dayEntries {
			if videoEntry.IsDir() || !IsChunkFile(videoEntry.Name(), sm.rawExt, sm.containerExt) {
				continue
			}

			info, err := videoEntry.Info()
			if err != nil {
				continue
			}

			files = append(files, chunkFile{
				path:    filepath.Join(dayDir, videoEntry.Name()),
				modTime: info.ModTime(),
				size:    info.Size(),
			})
			totalSize += info.Size()
		}
	}

	return files, totalSize, nil
}

// EnforceStorageCap deletes the oldest chunks until usage fits under the cap.
// Chunks of running recordings are skipped. It returns the number of deleted files.
func (sm *StorageManager) EnforceStorageCap() (int, error) {
	files, totalSize, err := sm.scan()
	if err != nil {
		return 0, err
	}
	sm.setUsage(totalSize)

	if sm.capBytes <= 0 {
		return 0, nil
	}
	capBytes := sm.capBytes
	if totalSize <= capBytes {
		return 0, nil
	}

	protected := make(map[string]bool)
	for _, p := range sm.inUse() {
		protected[filepath.Clean(p)] = true
	}

	// Sort by modification time (oldest first)
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	deletedCount := 0
	for _, f := range files {
		if totalSize <= capBytes {
			break
		}
		if protected[f.path] {
			sm.logger.Debugf("Skipping chunk of a running recording: %s", filepath.Base(f.path))
			continue
		}

		if err := os.Remove(f.path); err != nil {
			sm.logger.Printf("[WARN] Failed to delete %s: %v", filepath.Base(f.path), err)
			continue
		}
		deletedCount++
		totalSize -= f.size
		sm.logger.Printf("Deleted old chunk: %s (modified: %s, size: %.2f MB)",
			filepath.Base(f.path),
			f.modTime.Format("2006-01-02 15:04:05"),
			float64(f.size)/BytesPerMB)
	}
	sm.setUsage(totalSize)

	if deletedCount > 0 {
		sm.logger.Printf("Storage cleanup complete: deleted %d chunk(s), now using %.2f GB / %.2f GB",
			deletedCount,
			float64(totalSize)/BytesPerGB,
			float64(capBytes)/BytesPerGB)
	}

	return deletedCount, nil
}

func (sm *StorageManager) setUsage(used int64) {
	sm.mu.Lock()
	sm.lastUsed = used
	sm.lastChecked = time.Now()
	sm.mu.Unlock()
}

func (sm *StorageManager) GetStorageStats() (used int64, cap int64, err error) {
	cap = sm.capBytes

	// Use cached value if recent
	sm.mu.Lock()
	if time.Since(sm.lastChecked) < StorageStatsCacheTTL && sm.lastUsed > 0 {
		used = sm.lastUsed
		sm.mu.Unlock()
		return used, cap, nil
	}
	sm.mu.Unlock()

	_, used, err = sm.scan()
	if err != nil {
		return 0, 0, err
	}
	sm.setUsage(used)
	return used, cap, nil
}

func (sm *StorageManager) Stop() {
	sm.stopOnce.Do(func() {
		if sm.ticker != nil {
			sm.ticker.Stop()
		}
		close(sm.done)
	})
}

// CleanupEmptyChunks removes zero-byte raw chunks and empty day directories.
// These are left behind if the process dies right after opening a chunk.
// Call it before the cameras start.
func (sm *StorageManager) CleanupEmptyChunks() int {
	files, _, err := sm.scan()
	if err != nil {
		sm.logger.Printf("Failed to read video directory for cleanup: %v", err)
		return 0
	}

	var cleaned int
	dirs := make(map[string]bool)
	for _, f := range files {
		dirs[filepath.Dir(f.path)] = true
		if f.size != 0 || !HasExtension(f.path, sm.rawExt) {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			sm.logger.Printf("Failed to remove empty chunk %s: %v", filepath.Base(f.path), err)
			continue
		}
		sm.logger.Debugf("Cleaned up empty chunk: %s", filepath.Base(f.path))
		cleaned++
	}

	for dir := range dirs {
		// only succeeds for directories that are now empty
		if err := os.Remove(dir); err == nil {
			sm.logger.Debugf("Removed empty directory: %s", filepath.Base(dir))
		}
	}

	return cleaned
}
