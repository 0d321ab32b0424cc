package client

import (
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nuxeo/nuxeo-go/apierrors"
	"github.com/nuxeo/nuxeo-go/internal/digest"
	"github.com/spf13/afero"
)

// FileOutOptions drive SaveToFile.
type FileOutOptions struct {
	// Digest is the expected hex digest, its algorithm is guessed from its length.
	Digest string
	// ChunkSize defaults to the configured download chunk size.
	ChunkSize int
	// Callbacks are called after every written chunk.
	Callbacks []func(path string, written int64)
	// UnlockPath is called before writing. The returned function is called once done.
	UnlockPath func(path string) (relock func())
	// Fs defaults to the OS filesystem.
	Fs afero.Fs
}

// SaveToFile streams body into path chunk by chunk and verifies the digest, if any.
func (c *Client) SaveToFile(body io.Reader, path string, opts FileOutOptions) (string, error) {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = c.cfg.DownloadChunkSize
	}
	if chunkSize <= 0 {
		chunkSize = DefaultDownloadChunkSize
	}

	var h hash.Hash
	if opts.Digest != "" {
		var err error
		h, err = digest.ForHex(opts.Digest)
		if err != nil {
			c.logger.Warnf("Digest %q of %s cannot be verified: %s", opts.Digest, filepath.Base(path), err)
			h = nil
		}
	}

	if opts.UnlockPath != nil {
		if relock := opts.UnlockPath(path); relock != nil {
			defer relock()
		}
	}

	if err := writeChunks(fs, path, body, chunkSize, h, opts.Callbacks); err != nil {
		return "", err
	}

	if h != nil {
		local := fmt.Sprintf("%x", h.Sum(nil))
		if !strings.EqualFold(local, opts.Digest) {
			return "", &apierrors.CorruptedFile{
				Filename:     filepath.Base(path),
				ServerDigest: opts.Digest,
				LocalDigest:  local,
			}
		}
	}
	return path, nil
}

func writeChunks(fs afero.Fs, path string, body io.Reader, chunkSize int, h hash.Hash, callbacks []func(string, int64)) (err error) {
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()

	var w io.Writer = f
	if h != nil {
		w = io.MultiWriter(f, h)
	}

	buf := make([]byte, chunkSize)
	var written int64
	for {
		n, rerr := io.ReadFull(body, buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			written += int64(n)
			for _, cb := range callbacks {
				cb(path, written)
			}
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read response body: %w", rerr)
		}
	}
}
