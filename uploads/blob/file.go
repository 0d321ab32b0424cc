package blob

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"
)

// sniffLen is the number of bytes read to detect a mimetype from content.
const sniffLen = 3072

// FileBlob reads its bytes from a file, opened lazily.
type FileBlob struct {
	info *Info
	fs   afero.Fs
	path string
}

// FileOptions override what NewFileBlob derives from the file.
type FileOptions struct {
	Name     string
	MimeType string
}

// NewFileBlob creates a blob for the file at path. The name defaults to the base name
// and the mimetype is guessed from the extension, then from the content.
func NewFileBlob(fs afero.Fs, path string, opts FileOptions) (*FileBlob, error) {
	stat, err := fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if stat.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	name := opts.Name
	if name == "" {
		name = filepath.Base(path)
	}
	mimeType := opts.MimeType
	if mimeType == "" {
		head, err := readHead(fs, path)
		if err != nil {
			return nil, err
		}
		mimeType = GuessMimeType(name, head)
	}

	return &FileBlob{
		info: newInfo(name, mimeType, stat.Size()),
		fs:   fs,
		path: path,
	}, nil
}

func readHead(fs afero.Fs, path string) ([]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return head[:n], nil
}

func (b *FileBlob) Info() *Info {
	return b.info
}

// Path returns the file path.
func (b *FileBlob) Path() string {
	return b.path
}

func (b *FileBlob) Open() (Reader, error) {
	return b.fs.Open(b.path)
}
