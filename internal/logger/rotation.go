package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const archiveTimeFormat = "20060102T150405.000"

// RotateOptions bounds a log file.
type RotateOptions struct {
	// MaxBytes triggers a rotation before a write would exceed it. Zero
	// rotates on every write that finds the file non-empty.
	MaxBytes int64
	// MaxAge removes archives older than this. Zero keeps them forever.
	MaxAge time.Duration
	// Compress gzips archives.
	Compress bool
}

// RotatingWriter appends to a log file and moves it aside once it grows past
// MaxBytes. Archives are named <file>.<timestamp>[.gz].
type RotatingWriter struct {
	path string
	opts RotateOptions
	now  func() time.Time

	mu   sync.Mutex
	file *os.File
	size int64
	bg   sync.WaitGroup
}

// NewRotatingWriter opens path for appending and prunes expired archives.
func NewRotatingWriter(path string, opts RotateOptions) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{path: path, opts: opts, now: time.Now}
	if err := w.open(); err != nil {
		return nil, err
	}
	w.prune()
	return w, nil
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first when p would overflow the file.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.opts.MaxBytes {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Rotate moves the current file aside regardless of its size.
func (w *RotatingWriter) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return os.ErrClosed
	}
	return w.rotateLocked()
}

func (w *RotatingWriter) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	archive := w.path + "." + w.now().UTC().Format(archiveTimeFormat)
	if err := os.Rename(w.path, archive); err != nil {
		return err
	}
	if err := w.open(); err != nil {
		return err
	}

	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		if w.opts.Compress {
			_ = gzipFile(archive)
		}
		w.prune()
	}()
	return nil
}

// Close closes the file and waits for pending compression.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.bg.Wait()
	return err
}

// Archives lists the rotated files, oldest first.
func (w *RotatingWriter) Archives() []string {
	matches, _ := filepath.Glob(w.path + ".*")
	return matches
}

// prune removes archives whose modification time is older than MaxAge.
func (w *RotatingWriter) prune() {
	if w.opts.MaxAge <= 0 {
		return
	}
	cutoff := w.now().Add(-w.opts.MaxAge)
	for _, archive := range w.Archives() {
		info, err := os.Stat(archive)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		_ = os.Remove(archive)
	}
}

// gzipFile replaces path with path.gz.
func gzipFile(path string) error {
	if strings.HasSuffix(path, ".gz") {
		return nil
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = zw.Close()
		_ = dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
