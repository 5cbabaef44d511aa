package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRotator is an io.Writer that rotates the log file when it exceeds the
// configured size, keeping a bounded number of timestamped backups.
type FileRotator struct {
	config *Config
	mu     sync.Mutex
	file   *os.File
	size   int64
}

// NewFileRotator creates a FileRotator writing to cfg.FilePath.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("log file path is empty")
	}

	r := &FileRotator{config: cfg}

	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := r.openFile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) openFile() error {
	file, err := os.OpenFile(r.config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	r.file = file
	r.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.openFile(); err != nil {
			return 0, err
		}
	}

	if r.shouldRotate(int64(len(p))) {
		if err := r.rotate(); err != nil {
			// Keep logging to the oversized file rather than dropping
			// the record.
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}

	n, err = r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) shouldRotate(writeSize int64) bool {
	if r.config.MaxSizeMB <= 0 {
		return false
	}
	return r.size+writeSize > r.config.MaxSizeMB*1024*1024
}

// rotate renames the current file to a timestamped backup and opens a fresh
// one. Caller holds the mutex.
func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close for rotation: %w", err)
	}
	r.file = nil

	backup := fmt.Sprintf("%s.%s", r.config.FilePath, time.Now().Format("20060102-150405"))
	if err := os.Rename(r.config.FilePath, backup); err != nil {
		return fmt.Errorf("rename log file: %w", err)
	}

	r.cleanup()

	return r.openFile()
}

// cleanup removes backups beyond MaxBackups or older than MaxAgeDays.
func (r *FileRotator) cleanup() {
	dir := filepath.Dir(r.config.FilePath)
	base := filepath.Base(r.config.FilePath)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var backups []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name != base && strings.HasPrefix(name, base+".") {
			backups = append(backups, filepath.Join(dir, name))
		}
	}

	// Timestamped suffixes sort oldest first.
	sort.Strings(backups)

	if r.config.MaxBackups > 0 && len(backups) > r.config.MaxBackups {
		for _, path := range backups[:len(backups)-r.config.MaxBackups] {
			os.Remove(path)
		}
		backups = backups[len(backups)-r.config.MaxBackups:]
	}

	if r.config.MaxAgeDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -r.config.MaxAgeDays)
		for _, path := range backups {
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				os.Remove(path)
			}
		}
	}
}

// Close closes the current log file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Sync flushes the current log file to disk.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}
