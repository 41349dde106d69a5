package fetcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// MemoryOpener is an in-memory Opener implementation for testing.
// It stores objects keyed by locator without any network dependency.
// Thread-safe for concurrent reads and writes.
type MemoryOpener struct {
	mu      sync.RWMutex
	objects map[Locator][]byte

	fetches atomic.Int64
}

// NewMemoryOpener creates a new in-memory opener.
func NewMemoryOpener() *MemoryOpener {
	return &MemoryOpener{
		objects: make(map[Locator][]byte),
	}
}

// Put stores an object. The data is copied.
func (m *MemoryOpener) Put(loc Locator, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]byte, len(data))
	copy(copied, data)
	m.objects[loc] = copied
}

// Fetches returns the number of FetchRange calls served so far, across
// all objects opened from this opener.
func (m *MemoryOpener) Fetches() int64 {
	return m.fetches.Load()
}

// Open opens an object for reading.
func (m *MemoryOpener) Open(_ context.Context, loc Locator) (Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[loc]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, loc)
	}
	return &memoryObject{opener: m, data: data}, nil
}

type memoryObject struct {
	opener *MemoryOpener
	data   []byte
}

func (o *memoryObject) Size() int64 {
	return int64(len(o.data))
}

func (o *memoryObject) FetchRange(ctx context.Context, off, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if off < 0 || length < 0 || off+length > int64(len(o.data)) {
		return nil, fmt.Errorf("%w: range [%d, %d) of %d bytes", ErrPartialRead, off, off+length, len(o.data))
	}

	o.opener.fetches.Add(1)

	out := make([]byte, length)
	copy(out, o.data[off:off+length])
	return out, nil
}

func (o *memoryObject) Close() error {
	return nil
}
