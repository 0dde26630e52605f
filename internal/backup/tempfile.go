package backup

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tenant-backup/internal/logging"
)

// Prefixes of process-temp artifacts under the work directory
const (
	downloadTempPrefix = "tb-download-"
	extractTempPrefix  = "tb-extract-"
	snapshotTempPrefix = "tb-snapshot-"
)

// TempFile is a temp-backed file that removes itself when closed.
// Close is idempotent and safe to call from every exit path.
type TempFile struct {
	*os.File
	path     string
	once     sync.Once
	closeErr error
}

// CreateTempFile creates a self-deleting file in dir.
func CreateTempFile(dir, pattern string) (*TempFile, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, NewStorageError("failed to create work directory", err)
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, NewStorageError("failed to create temp file", err)
	}
	return &TempFile{File: f, path: f.Name()}, nil
}

// Path returns the file's location on disk
func (t *TempFile) Path() string {
	return t.path
}

// Close closes and deletes the file
func (t *TempFile) Close() error {
	t.once.Do(func() {
		closeErr := t.File.Close()
		removeErr := os.Remove(t.path)
		if removeErr != nil && !os.IsNotExist(removeErr) {
			t.closeErr = removeErr
			return
		}
		if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			t.closeErr = closeErr
		}
	})
	return t.closeErr
}

// SweepStaleTempFiles removes download and extraction leftovers older than
// maxAge, e.g. after a crash. It returns how many entries were removed.
func SweepStaleTempFiles(dir string, maxAge time.Duration, logger *logging.Logger) int {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, downloadTempPrefix) &&
			!strings.HasPrefix(name, extractTempPrefix) &&
			!strings.HasPrefix(name, snapshotTempPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			logger.WithFields(map[string]interface{}{
				"path":  name,
				"error": err.Error(),
			}).Warn("Failed to remove stale temp artifact")
			continue
		}
		removed++
	}

	if removed > 0 {
		logger.WithField("count", removed).Info("Removed stale temp artifacts")
	}
	return removed
}
