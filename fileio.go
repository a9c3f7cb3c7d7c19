package mosaicd

import (
	"context"
	"os"
	"path/filepath"

	retry "github.com/sethvargo/go-retry"
)

// FileIO defines filesystem operations used across the orchestrator. The
// default implementation delegates to the standard library's os package with
// retry semantics for transient errors.
type FileIO interface {
	WriteFile(ctx context.Context, name string, data []byte, perm os.FileMode) error
	ReadFile(ctx context.Context, name string) ([]byte, error)
	Remove(ctx context.Context, name string) error
	Rename(ctx context.Context, oldPath, newPath string) error
	Exists(ctx context.Context, path string) bool

	// Directory API.
	RemoveAll(ctx context.Context, path string) error
	MkdirAll(ctx context.Context, path string, perm os.FileMode) error
	ReadDir(ctx context.Context, sourceDir string) ([]os.DirEntry, error)
}

type defaultFileIO struct {
}

// NewFileIO returns a FileIO that performs I/O via the os package with basic
// retry handling for transient errors.
func NewFileIO() FileIO {
	return &defaultFileIO{}
}

func (dio defaultFileIO) WriteFile(ctx context.Context, name string, data []byte, perm os.FileMode) error {
	if err := os.WriteFile(name, data, perm); err != nil {
		dirPath := filepath.Dir(name)
		if derr := dio.MkdirAll(ctx, dirPath, 0o755); derr == nil {
			return Retry(ctx, func(context.Context) error {
				err := os.WriteFile(name, data, perm)
				if ShouldRetry(err) {
					return retry.RetryableError(Error{Code: Resource, Err: err})
				}
				return err
			}, nil)
		}
		return err
	}
	return nil
}

func (dio defaultFileIO) ReadFile(ctx context.Context, name string) ([]byte, error) {
	var ba []byte
	err := Retry(ctx, func(context.Context) error {
		var err error
		ba, err = os.ReadFile(name)
		if ShouldRetry(err) {
			return retry.RetryableError(Error{Code: Resource, Err: err})
		}
		return err
	}, nil)
	return ba, err
}

func (dio defaultFileIO) Remove(ctx context.Context, name string) error {
	return Retry(ctx, func(context.Context) error {
		err := os.Remove(name)
		if ShouldRetry(err) {
			return retry.RetryableError(Error{Code: Resource, Err: err})
		}
		return err
	}, nil)
}

func (dio defaultFileIO) Rename(ctx context.Context, oldPath, newPath string) error {
	return Retry(ctx, func(context.Context) error {
		err := os.Rename(oldPath, newPath)
		if ShouldRetry(err) {
			return retry.RetryableError(Error{Code: Resource, Err: err})
		}
		return err
	}, nil)
}

func (dio defaultFileIO) MkdirAll(ctx context.Context, path string, perm os.FileMode) error {
	return Retry(ctx, func(context.Context) error {
		err := os.MkdirAll(path, perm)
		if ShouldRetry(err) {
			return retry.RetryableError(Error{Code: Resource, Err: err})
		}
		return err
	}, nil)
}

func (dio defaultFileIO) RemoveAll(ctx context.Context, path string) error {
	return Retry(ctx, func(context.Context) error {
		err := os.RemoveAll(path)
		if ShouldRetry(err) {
			return retry.RetryableError(Error{Code: Resource, Err: err})
		}
		return err
	}, nil)
}

func (dio defaultFileIO) Exists(ctx context.Context, path string) bool {
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return true
	}
	return false
}

func (dio defaultFileIO) ReadDir(ctx context.Context, sourceDir string) ([]os.DirEntry, error) {
	var r []os.DirEntry
	err := Retry(ctx, func(context.Context) error {
		var err error
		r, err = os.ReadDir(sourceDir)
		if ShouldRetry(err) {
			return retry.RetryableError(Error{Code: Resource, Err: err})
		}
		return err
	}, nil)
	return r, err
}
