package chunkuploader

import "fmt"

// Plan splits a file of fileSize bytes into contiguous chunks of chunkSize bytes.
// Part numbers start at 1, only the last chunk may be shorter.
// An empty file has no chunks.
func Plan(fileSize, chunkSize int64) ([]ChunkDescriptor, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size: %d", chunkSize)
	}
	if fileSize < 0 {
		return nil, fmt.Errorf("invalid file size: %d", fileSize)
	}

	chunks := make([]ChunkDescriptor, 0, TotalChunks(fileSize, chunkSize))
	for start := int64(0); start < fileSize; start += chunkSize {
		end := start + chunkSize
		if end > fileSize {
			end = fileSize
		}
		chunks = append(chunks, ChunkDescriptor{
			PartNumber: len(chunks) + 1,
			Start:      start,
			End:        end,
		})
	}

	return chunks, nil
}

// TotalChunks returns ceil(fileSize / chunkSize).
func TotalChunks(fileSize, chunkSize int64) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}
