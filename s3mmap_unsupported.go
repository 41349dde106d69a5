//go:build !linux

package s3mmap

import (
	"context"
	"unsafe"

	"github.com/hupe1980/s3mmap/fetcher"
)

// Mapping is a live read-only mapping of one object. On this platform no
// mapping can be created; the type exists so code referencing it compiles
// everywhere.
type Mapping struct {
	loc fetcher.Locator
}

// Map requires userfaultfd and always returns ErrUnsupported on this
// platform.
func Map(_ context.Context, _ string, _ ...Option) (*Mapping, error) {
	return nil, ErrUnsupported
}

// Unmap always returns ErrUnsupported on this platform.
func Unmap(_ unsafe.Pointer) error {
	return ErrUnsupported
}

func (m *Mapping) Bytes() []byte            { return nil }
func (m *Mapping) Ptr() unsafe.Pointer      { return nil }
func (m *Mapping) Size() int64              { return 0 }
func (m *Mapping) Locator() fetcher.Locator { return m.loc }
func (m *Mapping) Unmap() error             { return ErrUnsupported }
func (m *Mapping) Close() error             { return ErrUnsupported }
