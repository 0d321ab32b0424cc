package client

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/melbahja/got"
	"github.com/nuxeo/nuxeo-go/apierrors"
	"github.com/nuxeo/nuxeo-go/internal/digest"
	"github.com/spf13/afero"
)

// Download fetches path into dest with parallel ranged requests.
// When expectedDigest is set the downloaded file is verified against it.
func (c *Client) Download(ctx context.Context, path, dest, expectedDigest string) error {
	downloader := got.New()
	downloader.Client = c.HTTPClient()

	c.logger.Debugf("Downloading %s to %s", path, dest)
	if err := downloader.Do(got.NewDownload(ctx, c.URL(path), dest)); err != nil {
		return fmt.Errorf("download %s: %w", path, err)
	}

	if expectedDigest == "" {
		return nil
	}
	return VerifyFile(afero.NewOsFs(), dest, expectedDigest)
}

// VerifyFile compares the digest of a file with the expected hex digest.
func VerifyFile(fs afero.Fs, path, expectedDigest string) error {
	algorithm, err := digest.Algorithm(expectedDigest)
	if err != nil {
		return err
	}

	f, err := fs.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	local, err := digest.OfReader(algorithm, f)
	if err != nil {
		return fmt.Errorf("digest %s: %w", path, err)
	}
	if !strings.EqualFold(local, expectedDigest) {
		return &apierrors.CorruptedFile{
			Filename:     filepath.Base(path),
			ServerDigest: expectedDigest,
			LocalDigest:  local,
		}
	}
	return nil
}
