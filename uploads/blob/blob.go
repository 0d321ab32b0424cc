// Package blob describes the files sent to an upload batch and how their bytes are read.
package blob

import (
	"fmt"
	"io"
	"strconv"

	"github.com/hashicorp/go-multierror"
)

// Upload types reported by the server.
const (
	UploadTypeNormal  = "normal"
	UploadTypeChunked = "chunked"
)

// NoFileIdx marks a blob not yet uploaded.
const NoFileIdx = -1

// Info is the metadata of a blob within a batch.
type Info struct {
	BatchID  string
	FileIdx  int
	Name     string
	MimeType string
	Size     int64

	UploadType   string
	ChunkCount   int
	UploadedSize int64
	// UploadedChunkIDs start at 0 for native uploads and at 1 for S3 parts.
	UploadedChunkIDs []int
	Uploaded         bool
}

// Ref is the representation of an uploaded blob in operation parameters.
func (i *Info) Ref() map[string]string {
	return map[string]string{
		"upload-batch":  i.BatchID,
		"upload-fileId": strconv.Itoa(i.FileIdx),
	}
}

// Clone returns a deep copy.
func (i *Info) Clone() *Info {
	c := *i
	c.UploadedChunkIDs = append([]int(nil), i.UploadedChunkIDs...)
	return &c
}

// Reader gives random access to the bytes of a blob.
type Reader interface {
	io.ReadSeekCloser
	io.ReaderAt
}

// Blob is a byte source to upload.
type Blob interface {
	Info() *Info
	// Open returns a new reader, the caller must close it. Prefer With.
	Open() (Reader, error)
}

// With opens b for the duration of fn and always closes it.
func With(b Blob, fn func(r Reader) error) error {
	r, err := b.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", b.Info().Name, err)
	}

	var result *multierror.Error
	if err := fn(r); err != nil {
		result = multierror.Append(result, err)
	}
	if err := r.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close %s: %w", b.Info().Name, err))
	}
	if result == nil {
		return nil
	}
	if len(result.Errors) == 1 {
		return result.Errors[0]
	}
	return result
}

func newInfo(name, mimeType string, size int64) *Info {
	return &Info{
		FileIdx:          NoFileIdx,
		Name:             name,
		MimeType:         mimeType,
		Size:             size,
		UploadType:       UploadTypeNormal,
		UploadedChunkIDs: []int{},
	}
}
