package s3mmap

import (
	"context"
	"errors"
	"syscall"

	"github.com/hupe1980/s3mmap/fetcher"
)

var (
	// ErrNotRecognized is returned by Unmap for a pointer that is not the
	// base address of a live mapping.
	ErrNotRecognized = errors.New("pointer does not identify a live mapping")

	// ErrUnsupported is returned by Map on platforms without userfaultfd.
	ErrUnsupported = errors.New("memory-mapped object access requires Linux")
)

// Code classifies a Map or Unmap failure. Errors returned by this package
// always wrap the underlying cause; Code is the coarse taxonomy for
// callers that branch on failure class rather than on message text.
type Code int

const (
	CodeOK Code = iota
	// CodeInvalidURL: the URL did not parse as s3://bucket/key.
	CodeInvalidURL
	// CodeNotFound: the bucket or key does not exist.
	CodeNotFound
	// CodePermissionDenied: the credentials cannot read the object.
	CodePermissionDenied
	// CodeMissingContentLength: the store did not report an object size.
	CodeMissingContentLength
	// CodeNoBody: a fetch response arrived without a body.
	CodeNoBody
	// CodeIO: a network or read failure, including truncated range reads.
	CodeIO
	// CodeSys: a kernel facility failed (userfaultfd, mmap, madvise).
	CodeSys
	// CodeNotRecognized: Unmap was handed an unknown pointer.
	CodeNotRecognized
	// CodeUnsupported: the platform cannot intercept page faults.
	CodeUnsupported
	// CodeUnknown: none of the above.
	CodeUnknown
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeInvalidURL:
		return "invalid url"
	case CodeNotFound:
		return "not found"
	case CodePermissionDenied:
		return "permission denied"
	case CodeMissingContentLength:
		return "missing content length"
	case CodeNoBody:
		return "no body"
	case CodeIO:
		return "io"
	case CodeSys:
		return "sys"
	case CodeNotRecognized:
		return "not recognized"
	case CodeUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// CodeOf maps an error returned by Map or Unmap to its Code.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, fetcher.ErrInvalidURL):
		return CodeInvalidURL
	case errors.Is(err, fetcher.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, fetcher.ErrPermission):
		return CodePermissionDenied
	case errors.Is(err, fetcher.ErrMissingContentLength):
		return CodeMissingContentLength
	case errors.Is(err, fetcher.ErrNoBody):
		return CodeNoBody
	case errors.Is(err, fetcher.ErrPartialRead),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return CodeIO
	case errors.Is(err, ErrNotRecognized):
		return CodeNotRecognized
	case errors.Is(err, ErrUnsupported):
		return CodeUnsupported
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return CodeSys
	}
	return CodeUnknown
}
