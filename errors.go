package datatanker

import "github.com/pkg/errors"

// Typed error taxonomy (spec §7), each wrapping github.com/pkg/errors so
// callers get a stack trace from the point of failure, matching the
// teacher's habit of wrapping low-level errors rather than returning them
// bare.

// StorageFormatError reports a violated on-disk structural invariant: a
// missing parent pointer, a broken sibling chain, an unexpected page
// type, or a backing file whose length does not divide evenly by the
// page size.
type StorageFormatError struct {
	cause error
}

func (e *StorageFormatError) Error() string { return "datatanker: storage format error: " + e.cause.Error() }
func (e *StorageFormatError) Unwrap() error { return e.cause }

func newStorageFormatError(msg string) error {
	return &StorageFormatError{cause: errors.New(msg)}
}

func wrapStorageFormatError(err error, msg string) error {
	return &StorageFormatError{cause: errors.Wrap(err, msg)}
}

// NotSupportedError reports that an opened storage's PageSize,
// OnDiskStructureVersion, or AccessMethod disagrees with the opening
// engine's configuration.
type NotSupportedError struct {
	cause error
}

func (e *NotSupportedError) Error() string { return "datatanker: not supported: " + e.cause.Error() }
func (e *NotSupportedError) Unwrap() error { return e.cause }

func newNotSupportedError(msg string) error {
	return &NotSupportedError{cause: errors.New(msg)}
}

// AlreadyOpenError reports that another open handle, in this process or
// another, holds the advisory file lock on the storage's backing file.
type AlreadyOpenError struct {
	cause error
}

func (e *AlreadyOpenError) Error() string { return "datatanker: already open: " + e.cause.Error() }
func (e *AlreadyOpenError) Unwrap() error { return e.cause }

func newAlreadyOpenError(msg string) error {
	return &AlreadyOpenError{cause: errors.New(msg)}
}

// NotOpenError reports an operation attempted before Create/Open or after
// Close.
type NotOpenError struct{ cause error }

func (e *NotOpenError) Error() string { return "datatanker: not open: " + e.cause.Error() }
func (e *NotOpenError) Unwrap() error { return e.cause }

func newNotOpenError(msg string) error {
	return &NotOpenError{cause: errors.New(msg)}
}

// DisposedError is part of the error taxonomy; no Storage method returns
// it. Operations on a closed Storage report NotOpenError.
type DisposedError struct{ cause error }

func (e *DisposedError) Error() string { return "datatanker: disposed: " + e.cause.Error() }
func (e *DisposedError) Unwrap() error { return e.cause }

func newDisposedError(msg string) error {
	return &DisposedError{cause: errors.New(msg)}
}

// IOError wraps a transient or fatal I/O failure from the underlying
// backing file. The spec treats these as fatal for the enclosing
// top-level operation.
type IOError struct{ cause error }

func (e *IOError) Error() string { return "datatanker: io error: " + e.cause.Error() }
func (e *IOError) Unwrap() error { return e.cause }

func wrapIOError(err error, msg string) error {
	return &IOError{cause: errors.Wrap(err, msg)}
}

// DuplicateStorageError reports that create_new was called against a path
// that already holds a storage.
type DuplicateStorageError struct{ cause error }

func (e *DuplicateStorageError) Error() string {
	return "datatanker: duplicate storage: " + e.cause.Error()
}
func (e *DuplicateStorageError) Unwrap() error { return e.cause }

func newDuplicateStorageError(msg string) error {
	return &DuplicateStorageError{cause: errors.New(msg)}
}

// ValueNotFoundError reports that Get found no entry for the key. Remove
// reports a missing key by returning false instead.
type ValueNotFoundError struct{ cause error }

func (e *ValueNotFoundError) Error() string {
	return "datatanker: value not found: " + e.cause.Error()
}
func (e *ValueNotFoundError) Unwrap() error { return e.cause }

func newValueNotFoundError(msg string) error {
	return &ValueNotFoundError{cause: errors.New(msg)}
}
