package log

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileAppender writes log lines to a single file through a buffered
// writer. Refresh flushes the buffer; Close flushes and closes the file.
type FileAppender struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

// NewFileAppender opens (or creates) the log file at cfg.LogPath,
// creating parent directories as needed.
func NewFileAppender(cfg *LogCfg) (*FileAppender, error) {
	dir := filepath.Dir(cfg.LogPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory '%s': %w", dir, err)
		}
	}

	f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file '%s': %w", cfg.LogPath, err)
	}

	return &FileAppender{
		file: f,
		w:    bufio.NewWriterSize(f, 64*1024),
	}, nil
}

// Write appends one log line to the file buffer.
func (fa *FileAppender) Write(buf []byte) (int, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.file == nil {
		return 0, os.ErrClosed
	}
	return fa.w.Write(buf)
}

// Refresh flushes buffered lines to disk.
func (fa *FileAppender) Refresh() error {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.file == nil {
		return nil
	}
	return fa.w.Flush()
}

// Close flushes and closes the underlying file. Further writes fail.
func (fa *FileAppender) Close() error {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.file == nil {
		return nil
	}
	flushErr := fa.w.Flush()
	closeErr := fa.file.Close()
	fa.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
