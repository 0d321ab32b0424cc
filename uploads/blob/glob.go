package blob

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
)

// FromGlob returns a FileBlob for every regular file under root matching pattern,
// e.g. "**/*.pdf", sorted by path.
func FromGlob(fsys afero.Fs, root, pattern string) ([]*FileBlob, error) {
	rooted := afero.NewIOFS(afero.NewBasePathFs(fsys, root))

	matches, err := doublestar.Glob(rooted, pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	sort.Strings(matches)

	var blobs []*FileBlob
	for _, match := range matches {
		stat, err := fs.Stat(rooted, match)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", match, err)
		}
		if !stat.Mode().IsRegular() {
			continue
		}

		b, err := NewFileBlob(fsys, filepath.Join(root, filepath.FromSlash(match)), FileOptions{})
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, b)
	}
	return blobs, nil
}
