package testing

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
)

// FileChecker allows chaining multiple checks on a file path.
type FileChecker struct {
	Fs     afero.Fs
	Path   string
	Checks []func(string) error
}

// NewFileChecker creates a FileChecker for the given path of fs.
func NewFileChecker(fs afero.Fs, path string) *FileChecker {
	return &FileChecker{Fs: fs, Path: path, Checks: []func(string) error{}}
}

// Check runs all checks on the FileChecker's path and returns every failure.
func (fc *FileChecker) Check() error {
	var result *multierror.Error
	for _, check := range fc.Checks {
		if err := check(fc.Path); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// IsFile adds a check that the path is a regular file.
func (fc *FileChecker) IsFile() *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		info, err := fc.stat(path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("expected file but is a directory: %s", path)
		}
		return nil
	})
	return fc
}

// Size adds a check that the file has the given size.
func (fc *FileChecker) Size(size int64) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		info, err := fc.stat(path)
		if err != nil {
			return err
		}
		if info.Size() != size {
			return fmt.Errorf("size mismatch for %s: want %d got %d", path, size, info.Size())
		}
		return nil
	})
	return fc
}

// ModeEquals adds a check that the path has the specified permission bits.
func (fc *FileChecker) ModeEquals(perm os.FileMode) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		info, err := fc.stat(path)
		if err != nil {
			return err
		}
		if got := info.Mode().Perm(); got != perm.Perm() {
			return fmt.Errorf("mode mismatch for %s: want %o got %o", path, perm.Perm(), got)
		}
		return nil
	})
	return fc
}

// Content adds a check that the file at the path has the specified content.
func (fc *FileChecker) Content(content string) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		b, err := afero.ReadFile(fc.Fs, path)
		if err != nil {
			return err
		}
		if got := string(b); got != content {
			return fmt.Errorf("file %s content mismatch\nwant:\n%q\n\ngot:\n%q", path, content, got)
		}
		return nil
	})
	return fc
}

func (fc *FileChecker) stat(path string) (os.FileInfo, error) {
	info, err := fc.Fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("path does not exist: %s", path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return info, nil
}
