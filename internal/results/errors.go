package results

import (
	"errors"
	"fmt"
)

// Common errors returned by the results package
var (
	ErrNoMeasurement = errors.New("no usable averaged measurement")
	ErrEmptyFile     = errors.New("file is empty")
	ErrMissingColumn = errors.New("required column missing")
	ErrSinkClosed    = errors.New("raw metrics sink closed")
)

// FileError wraps a file or IO failure with the path involved
type FileError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

func fileErr(op, path string, err error) error {
	return &FileError{Op: op, Path: path, Err: err}
}

// IsFileError checks if the error is a FileError
func IsFileError(err error) bool {
	var fe *FileError
	return errors.As(err, &fe)
}
