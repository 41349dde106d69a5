package fetcher

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrInvalidURL is returned when an object reference cannot be parsed.
	ErrInvalidURL = errors.New("invalid s3 url")

	// ErrNotFound is returned when the bucket or object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrPermission is returned when the store denies access (403).
	ErrPermission = errors.New("permission denied")

	// ErrMissingContentLength is returned when the metadata probe succeeds
	// but the store does not report an object size.
	ErrMissingContentLength = errors.New("content length not returned")

	// ErrNoBody is returned when a range request succeeds but carries no body.
	ErrNoBody = errors.New("no body returned")

	// ErrPartialRead is returned when a range request returns fewer bytes
	// than the requested span.
	ErrPartialRead = errors.New("partial read")
)

// Locator identifies a single remote object.
type Locator struct {
	Bucket string
	Key    string
}

func (l Locator) String() string {
	return fmt.Sprintf("s3://%s/%s", l.Bucket, l.Key)
}

var urlRE = regexp.MustCompile(`^s3://([^/]+)/(.+)$`)

// ParseURL splits an s3://bucket/key reference into a Locator.
// Returns an error satisfying errors.Is(err, ErrInvalidURL) on malformed input.
func ParseURL(raw string) (Locator, error) {
	m := urlRE.FindStringSubmatch(raw)
	if m == nil {
		return Locator{}, fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return Locator{Bucket: m[1], Key: m[2]}, nil
}

// Opener resolves a Locator into a readable Object.
//
// Open performs a metadata probe (a HEAD-equivalent) and no data transfer.
// Implementations should return errors satisfying errors.Is against the
// sentinel errors in this package so callers can classify failures.
type Opener interface {
	Open(ctx context.Context, loc Locator) (Object, error)
}

// Object is a read-only handle to a remote object of known size.
type Object interface {
	// Size returns the object size in bytes, as observed at open time.
	Size() int64

	// FetchRange returns exactly length bytes starting at off, or a
	// classified error. It never returns a short buffer with a nil error.
	FetchRange(ctx context.Context, off, length int64) ([]byte, error)

	Close() error
}

// IsTerminal reports whether err is a failure that retrying cannot fix:
// the object is gone, access is denied, or the server violated the
// range-read contract. Transport errors are not terminal.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPermission) ||
		errors.Is(err, ErrInvalidURL) ||
		IsProtocolViolation(err)
}

// IsProtocolViolation reports whether err indicates the remote store broke
// the protocol contract (missing size, empty or short body), as opposed to
// an expected environmental failure such as not-found or permission.
// Operators can use this to tell "their state" from "someone's bug".
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrMissingContentLength) ||
		errors.Is(err, ErrNoBody) ||
		errors.Is(err, ErrPartialRead)
}
