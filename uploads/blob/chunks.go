package blob

import (
	"fmt"
	"io"
	"sync"
)

// Chunks reads fixed size chunks of an open blob.
// Safe for concurrent reads.
type Chunks struct {
	r         Reader
	size      int64
	chunkSize int64
	mu        sync.Mutex
}

// NewChunks splits size bytes of r into chunks of chunkSize bytes, the last one may be smaller.
func NewChunks(r Reader, size, chunkSize int64) *Chunks {
	return &Chunks{r: r, size: size, chunkSize: chunkSize}
}

// Count returns the number of chunks.
func (c *Chunks) Count() int {
	return ChunkCount(c.size, c.chunkSize)
}

// ChunkCount is ceil(size / chunkSize).
func ChunkCount(size, chunkSize int64) int {
	if chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// Size returns the size of the chunk at index.
func (c *Chunks) Size(index int) int64 {
	offset := int64(index) * c.chunkSize
	if offset >= c.size {
		return 0
	}
	if remaining := c.size - offset; remaining < c.chunkSize {
		return remaining
	}
	return c.chunkSize
}

// Read returns the bytes of the chunk at index.
func (c *Chunks) Read(index int) ([]byte, error) {
	if index < 0 || index >= c.Count() {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, c.Count())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	offset := int64(index) * c.chunkSize
	if _, err := c.r.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to position %d for chunk %d: %w", offset, index, err)
	}

	chunk := make([]byte, c.Size(index))
	n, err := io.ReadFull(c.r, chunk)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("unexpected end of file at chunk %d", index)
	}
	return chunk[:n], nil
}
