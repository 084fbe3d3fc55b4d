package downloader

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is recorded as the LastError of cancelled items.
	ErrCancelled = errors.New("cancelled")

	// ErrRangeNotSupported is returned when a server answers a range request with the whole body.
	ErrRangeNotSupported = errors.New("server does not honour range requests")

	// ErrInvalidURL is returned by Enqueue for anything that is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("invalid download url")

	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("downloader closed")

	// ErrDuplicateID is returned when an item id is already present in the store.
	ErrDuplicateID = errors.New("duplicate item id")
)

// TransferError is a failed GET: a non-success status or a broken stream.
type TransferError struct {
	URL        string
	Range      *ByteRange // nil for whole-file transfers
	StatusCode int        // zero when the failure is not an HTTP status
	Err        error
}

func (e *TransferError) Error() string {
	target := "whole file"
	if e.Range != nil {
		target = "range " + e.Range.String()
	}

	if e.StatusCode > 0 {
		return fmt.Sprintf("transfer of %s failed (HTTP %d): %v", target, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("transfer of %s failed: %v", target, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// ReassemblyError is a failure while joining part files into the destination.
type ReassemblyError struct {
	Path string
	Err  error
}

func (e *ReassemblyError) Error() string {
	return fmt.Sprintf("reassembly of %s failed: %v", e.Path, e.Err)
}

func (e *ReassemblyError) Unwrap() error {
	return e.Err
}

// WorkspaceError means the workspace directory, or a directory inside it, could
// not be prepared.
type WorkspaceError struct {
	Dir string
	Err error
}

func (e *WorkspaceError) Error() string {
	return fmt.Sprintf("workspace %s unavailable: %v", e.Dir, e.Err)
}

func (e *WorkspaceError) Unwrap() error {
	return e.Err
}
