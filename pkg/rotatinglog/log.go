// Package rotatinglog is a size-rotated log file: path, path.1 .. path.N,
// oldest last.
package rotatinglog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

type Writer struct {
	path     string
	maxSize  int64
	maxFiles int

	mu   sync.Mutex
	cur  *os.File
	size int64
}

// Open appends to path, creating it and its directory if needed. Once a
// write would take the file past maxSizeMB it is rotated, keeping at most
// maxFiles old files.
func Open(path string, maxSizeMB, maxFiles int) (*Writer, error) {
	if maxSizeMB <= 0 {
		return nil, fmt.Errorf("max size must be positive, got %d", maxSizeMB)
	}
	if maxFiles < 0 {
		return nil, fmt.Errorf("max files must not be negative, got %d", maxFiles)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	w := &Writer{
		path:     path,
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
		maxFiles: maxFiles,
	}

	if err := w.open(); err != nil {
		return nil, err
	}

	return w, nil
}

func (w *Writer) open() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}

	w.cur = file
	w.size = info.Size()
	return nil
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cur == nil {
		return 0, os.ErrClosed
	}

	// A single oversized write still lands in a fresh file.
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.cur.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *Writer) backup(i int) string {
	return fmt.Sprintf("%s.%d", w.path, i)
}

func (w *Writer) rotate() error {
	if err := w.cur.Close(); err != nil {
		return err
	}
	w.cur = nil

	if w.maxFiles == 0 {
		if err := os.Remove(w.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return w.open()
	}

	if err := os.Remove(w.backup(w.maxFiles)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	for i := w.maxFiles - 1; i > 0; i-- {
		err := os.Rename(w.backup(i), w.backup(i+1))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	if err := os.Rename(w.path, w.backup(1)); err != nil {
		return err
	}

	return w.open()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cur == nil {
		return nil
	}

	err := w.cur.Close()
	w.cur = nil
	return err
}
