package blob

import (
	"bytes"
)

// BufferBlob holds its bytes in memory.
type BufferBlob struct {
	info *Info
	data []byte
}

// NewBufferBlob creates a blob from data. The mimetype is guessed when empty.
func NewBufferBlob(data []byte, name, mimeType string) *BufferBlob {
	if mimeType == "" {
		mimeType = GuessMimeType(name, data)
	}
	return &BufferBlob{
		info: newInfo(name, mimeType, int64(len(data))),
		data: data,
	}
}

func (b *BufferBlob) Info() *Info {
	return b.info
}

// Data returns the blob bytes.
func (b *BufferBlob) Data() []byte {
	return b.data
}

func (b *BufferBlob) Open() (Reader, error) {
	return nopCloser{bytes.NewReader(b.data)}, nil
}

type nopCloser struct {
	*bytes.Reader
}

func (nopCloser) Close() error { return nil }
