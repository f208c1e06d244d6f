package ingest

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMaxFileBytes is the largest log accepted for upload.
const DefaultMaxFileBytes int64 = 10 << 20

// File is a log selected for upload. Content is opened lazily so a
// rejected submission never touches the disk.
type File struct {
	Name string

	// Size in bytes, or -1 when unknown.
	Size int64

	open func() (io.ReadCloser, error)
}

// NewFile describes a log whose content is produced by open.
func NewFile(name string, size int64, open func() (io.ReadCloser, error)) *File {
	return &File{Name: name, Size: size, open: open}
}

// FileFromBytes wraps in-memory content, e.g. a mail attachment.
func FileFromBytes(name string, data []byte) *File {
	return NewFile(name, int64(len(data)), func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
}

// FileFromPath describes the file at path. The upload uses its base name.
func FileFromPath(path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading log file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("reading log file: %s is a directory", path)
	}
	return NewFile(filepath.Base(path), info.Size(), func() (io.ReadCloser, error) {
		return os.Open(path)
	}), nil
}

// Accepts reports whether name has an extension the analyzer handles
// (.log or .txt).
func Accepts(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".log", ".txt":
		return true
	}
	return false
}

// NoFileError is returned by Submit when no file was selected.
type NoFileError struct{}

func (e *NoFileError) Error() string { return "no log file selected" }

// FileTooLargeError is returned when a log exceeds the upload limit.
type FileTooLargeError struct {
	Name  string
	Size  int64
	Limit int64
}

func (e *FileTooLargeError) Error() string {
	if e.Size < 0 {
		return fmt.Sprintf("%s exceeds the %d byte upload limit", e.Name, e.Limit)
	}
	return fmt.Sprintf("%s is %d bytes, over the %d byte upload limit", e.Name, e.Size, e.Limit)
}

// limitReader fails with FileTooLargeError once more than limit bytes
// have been read. It guards files whose size was unknown or grew after
// selection.
type limitReader struct {
	r     io.Reader
	name  string
	limit int64
	n     int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.n > l.limit {
		return n, &FileTooLargeError{Name: l.name, Size: -1, Limit: l.limit}
	}
	return n, err
}
