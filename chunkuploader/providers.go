package chunkuploader

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// FileChunkSource reads chunks from a file on disk.
// ReadAt doesn't move a shared offset, so chunks can be read in parallel.
type FileChunkSource struct {
	file *os.File
	size int64
}

// NewFileChunkSource opens the file at path.
func NewFileChunkSource(path string) (*FileChunkSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		if closeErr := file.Close(); closeErr != nil {
			return nil, fmt.Errorf("stat file: %w (close: %s)", err, closeErr)
		}
		return nil, fmt.Errorf("stat file: %w", err)
	}

	return &FileChunkSource{file: file, size: info.Size()}, nil
}

// Size returns the file size at the time it was opened.
func (s *FileChunkSource) Size() int64 {
	return s.size
}

// ReadChunk reads the byte range of the chunk into memory, so that retries can resend it.
func (s *FileChunkSource) ReadChunk(d ChunkDescriptor) ([]byte, error) {
	if err := checkRange(d, s.size); err != nil {
		return nil, err
	}

	chunk := make([]byte, d.Size())
	n, err := s.file.ReadAt(chunk, d.Start)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == d.Size()) {
		return nil, fmt.Errorf("read chunk %d: %w", d.PartNumber, err)
	}

	return chunk, nil
}

// Close closes the underlying file.
func (s *FileChunkSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// BytesChunkSource serves chunks from data already in memory.
type BytesChunkSource struct {
	data []byte
}

// NewBytesChunkSource ...
func NewBytesChunkSource(data []byte) *BytesChunkSource {
	return &BytesChunkSource{data: data}
}

// ReadChunk returns a copy of the chunk's bytes.
func (s *BytesChunkSource) ReadChunk(d ChunkDescriptor) ([]byte, error) {
	if err := checkRange(d, int64(len(s.data))); err != nil {
		return nil, err
	}

	chunk := make([]byte, d.Size())
	copy(chunk, s.data[d.Start:d.End])
	return chunk, nil
}

func checkRange(d ChunkDescriptor, size int64) error {
	if d.Start < 0 || d.End < d.Start || d.End > size {
		return fmt.Errorf("chunk %d range [%d, %d) out of bounds [0, %d)", d.PartNumber, d.Start, d.End, size)
	}
	return nil
}
