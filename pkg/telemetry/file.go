package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink appends events to a JSON Lines file with size-based rotation.
type FileSink struct {
	filePath        string
	maxSizeBytes    int64
	maxRotatedFiles int
	file            *os.File
	encoder         *json.Encoder
	mu              sync.Mutex
	closed          bool
}

// WithMaxSize sets the maximum file size before rotation (default: 10MB).
func WithMaxSize(bytes int64) FileSinkOption {
	return func(fs *FileSink) {
		fs.maxSizeBytes = bytes
	}
}

// WithMaxRotatedFiles sets how many rotated files to keep (default: 5).
func WithMaxRotatedFiles(count int) FileSinkOption {
	return func(fs *FileSink) {
		fs.maxRotatedFiles = count
	}
}

// NewFileSink creates a file-based sink. The file is opened immediately and
// rotation is checked on each Emit.
func NewFileSink(filePath string, opts ...FileSinkOption) (*FileSink, error) {
	fs := &FileSink{
		filePath:        filePath,
		maxSizeBytes:    10 * 1024 * 1024,
		maxRotatedFiles: 5,
	}
	for _, opt := range opts {
		opt(fs)
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create telemetry directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open telemetry file: %w", err)
	}

	fs.file = file
	fs.encoder = json.NewEncoder(file)
	return fs, nil
}

// Emit writes an event as a JSON line and rotates if the size threshold is
// exceeded.
func (fs *FileSink) Emit(ctx context.Context, ev *Event) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return fmt.Errorf("sink closed")
	}

	if err := fs.encoder.Encode(ev); err != nil {
		return fmt.Errorf("encode telemetry event: %w", err)
	}

	if err := fs.rotateIfNeeded(); err != nil {
		return fmt.Errorf("rotate telemetry file: %w", err)
	}

	return nil
}

// Close flushes and closes the telemetry file.
func (fs *FileSink) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return nil
	}
	fs.closed = true

	if fs.file != nil {
		if err := fs.file.Sync(); err != nil {
			fs.file.Close()
			return fmt.Errorf("sync telemetry file: %w", err)
		}
		return fs.file.Close()
	}
	return nil
}

// rotateIfNeeded checks file size and rotates past the threshold.
// Must be called with lock held.
func (fs *FileSink) rotateIfNeeded() error {
	info, err := fs.file.Stat()
	if err != nil {
		return fmt.Errorf("stat telemetry file: %w", err)
	}
	if info.Size() < fs.maxSizeBytes {
		return nil
	}

	if err := fs.file.Close(); err != nil {
		return fmt.Errorf("close telemetry file for rotation: %w", err)
	}

	if err := fs.rotateFiles(); err != nil {
		return fmt.Errorf("rotate files: %w", err)
	}

	file, err := os.OpenFile(fs.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open new telemetry file after rotation: %w", err)
	}

	fs.file = file
	fs.encoder = json.NewEncoder(file)
	return nil
}

// rotateFiles shifts existing rotated files and moves the current file to .1.
// Must be called with lock held.
func (fs *FileSink) rotateFiles() error {
	oldestPath := fmt.Sprintf("%s.%d", fs.filePath, fs.maxRotatedFiles)
	if _, err := os.Stat(oldestPath); err == nil {
		if err := os.Remove(oldestPath); err != nil {
			return fmt.Errorf("remove oldest rotated file: %w", err)
		}
	}

	for i := fs.maxRotatedFiles - 1; i >= 1; i-- {
		oldPath := fmt.Sprintf("%s.%d", fs.filePath, i)
		newPath := fmt.Sprintf("%s.%d", fs.filePath, i+1)
		if _, err := os.Stat(oldPath); err == nil {
			if err := os.Rename(oldPath, newPath); err != nil {
				return fmt.Errorf("shift rotated file %s -> %s: %w", oldPath, newPath, err)
			}
		}
	}

	rotatedPath := fmt.Sprintf("%s.%d", fs.filePath, 1)
	if err := os.Rename(fs.filePath, rotatedPath); err != nil {
		return fmt.Errorf("rotate current file to .1: %w", err)
	}
	return nil
}
