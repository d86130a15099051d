package chunkuploader

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Source is the read-only content of an upload.
// Chunks are read with positional reads, so a Source is shared by concurrent chunk uploads.
type Source interface {
	io.ReaderAt
	Size() int64
}

// FileSource reads chunks from a file on disk.
type FileSource struct {
	file *os.File
	size int64
}

// NewFileSource opens the file at path. The size is taken when the file is opened.
func NewFileSource(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &FileSource{file: file, size: info.Size()}, nil
}

// ReadAt ...
func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

// Size ...
func (s *FileSource) Size() int64 {
	return s.size
}

// Name returns the path of the file.
func (s *FileSource) Name() string {
	return s.file.Name()
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// BytesSource provides chunks from an in-memory buffer.
// Useful for content that is already in memory, like a downloaded remote source.
type BytesSource struct {
	*bytes.Reader
}

// NewBytesSource ...
func NewBytesSource(data []byte) *BytesSource {
	return &BytesSource{Reader: bytes.NewReader(data)}
}
