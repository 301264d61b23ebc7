// Package logging provides the daemon's file log writer. Logs rotate by UTC
// day and by size so long-running streaming sessions cannot grow one file
// without bound.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RotatingWriter writes to dated files derived from a base path. Given
// logs/gateway.log it produces logs/gateway-2026-08-31.log, then
// logs/gateway-2026-08-31-2.log when the size cap is hit within the same
// day. The base path itself is kept as a symlink to the active file.
type RotatingWriter struct {
	basePath string
	maxBytes int64

	mu    sync.Mutex
	day   string // YYYY-MM-DD, UTC
	index int    // 1-based within the day
	file  *os.File
	size  int64
}

// NewRotatingWriter creates a rotating writer for basePath. A basePath of
// "-" disables file output entirely.
func NewRotatingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return nopWriteCloser{w: io.Discard}, nil
	}
	w := &RotatingWriter{basePath: basePath, maxBytes: maxBytes}
	if err := w.rotateIfNeeded(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateIfNeeded(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	if err == nil {
		w.size += int64(n)
	}
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

// rotateIfNeeded opens a fresh file when the UTC day changed or the incoming
// write would cross the size cap. Caller must hold mu.
func (w *RotatingWriter) rotateIfNeeded(incoming int64) error {
	today := time.Now().UTC().Format("2006-01-02")
	if w.file == nil || w.day != today {
		w.day = today
		w.index = 1
		return w.openCurrent()
	}
	if w.size+incoming > w.maxBytes {
		w.index++
		return w.openCurrent()
	}
	return nil
}

func (w *RotatingWriter) openCurrent() error {
	if w.file != nil {
		_ = w.file.Close()
	}
	dir, name := filepath.Split(w.basePath)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	filename := fmt.Sprintf("%s-%s%s", base, w.day, ext)
	if w.index > 1 {
		filename = fmt.Sprintf("%s-%s-%d%s", base, w.day, w.index, ext)
	}
	path := filepath.Join(dir, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	w.file = f
	w.size = size
	w.updatePointer(path)
	return nil
}

// updatePointer keeps basePath pointing at the active file so `tail -F` of
// the configured path follows rotations. Symlink preferred, hard link next,
// plain pointer file as a last resort.
func (w *RotatingWriter) updatePointer(target string) {
	base := strings.TrimSpace(w.basePath)
	if base == "" || base == "-" {
		return
	}
	if info, err := os.Lstat(base); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if dest, derr := os.Readlink(base); derr == nil && dest == target {
				return
			}
		}
		_ = os.Remove(base)
	}
	if err := os.Symlink(target, base); err == nil {
		return
	}
	if err := os.Link(target, base); err == nil {
		return
	}
	if f, err := os.OpenFile(base, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err == nil {
		defer f.Close()
		_, _ = fmt.Fprintf(f, "current log file: %s\n", target)
	}
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }
