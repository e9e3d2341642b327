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

const backupTimeFormat = "20060102-150405.000000000"

// RotatingWriter appends to a log file and moves it aside as
// <name>.<timestamp> once it would grow past maxSize. Backups older than
// maxAge days are removed at open and after each rotation. Safe for
// concurrent use.
type RotatingWriter struct {
	filename string
	maxSize  int64
	maxAge   time.Duration
	compress bool

	mu   sync.Mutex
	file *os.File
	size int64
	wg   sync.WaitGroup
}

// NewRotatingWriter opens filename for appending.
func NewRotatingWriter(filename string, maxSizeMB int, maxAgeDays int, compress bool) (*RotatingWriter, error) {
	w := &RotatingWriter{
		filename: filename,
		maxSize:  int64(maxSizeMB) << 20,
		maxAge:   time.Duration(maxAgeDays) * 24 * time.Hour,
		compress: compress,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	w.prune(time.Now())
	return w, nil
}

func (w *RotatingWriter) open() error {
	f, err := openAppend(w.filename)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the file and waits for pending compressions.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()
	w.wg.Wait()
	return err
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	now := time.Now()
	backup := w.filename + "." + now.Format(backupTimeFormat)
	if err := os.Rename(w.filename, backup); err != nil {
		return err
	}
	if w.compress {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			_ = gzipFile(backup)
		}()
	}
	if err := w.open(); err != nil {
		return err
	}
	w.prune(now)
	return nil
}

// prune removes backups last modified before now minus maxAge.
func (w *RotatingWriter) prune(now time.Time) {
	if w.maxAge <= 0 {
		return
	}
	backups, err := filepath.Glob(w.filename + ".*")
	if err != nil {
		return
	}
	cutoff := now.Add(-w.maxAge)
	for _, path := range backups {
		info, err := os.Stat(path)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		_ = os.Remove(path)
	}
}

// gzipFile replaces path with path.gz.
func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := path + ".gz.tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	_, err = io.Copy(zw, src)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, strings.TrimSuffix(tmp, ".tmp")); err != nil {
		return err
	}
	return os.Remove(path)
}

func openAppend(filename string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
}
