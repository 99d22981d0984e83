package engine

import (
	"errors"
	"fmt"

	"github.com/VishnuRaman/RBase/pkg/sstable"
)

// Common sentinel errors
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrEngineClosed    = errors.New("engine is closed")
	ErrCFNotFound      = errors.New("column family not found")
	ErrCFExists        = errors.New("column family already exists")
	ErrCorruption      = sstable.ErrCorrupt
)

// StorageError provides structured error information for engine
// operations.
type StorageError struct {
	Op      string // operation that failed, e.g. "Put", "Flush"
	CF      string // column family name
	Path    string // file path, if applicable
	Context string // additional context
	Cause   error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	switch {
	case e.Path != "":
		return fmt.Sprintf("%s cf=%s path=%s: %v", e.Op, e.CF, e.Path, e.Cause)
	case e.Context != "":
		return fmt.Sprintf("%s cf=%s (%s): %v", e.Op, e.CF, e.Context, e.Cause)
	default:
		return fmt.Sprintf("%s cf=%s: %v", e.Op, e.CF, e.Cause)
	}
}

// Unwrap returns the underlying cause for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// opError wraps a cause in a StorageError.
func opError(op, cf string, cause error) error {
	if cause == nil {
		return nil
	}
	return &StorageError{Op: op, CF: cf, Cause: cause}
}

// pathError wraps a cause carrying a file path.
func pathError(op, cf, path string, cause error) error {
	if cause == nil {
		return nil
	}
	return &StorageError{Op: op, CF: cf, Path: path, Cause: cause}
}

// invalidArgument builds an ErrInvalidArgument with context.
func invalidArgument(op, cf, context string) error {
	return &StorageError{Op: op, CF: cf, Context: context, Cause: ErrInvalidArgument}
}

// IsInvalidArgument reports whether err stems from a rejected argument.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// IsCorruption reports whether err indicates an unreadable file.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruption)
}
