//go:build linux

package s3mmap

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"unsafe"

	"github.com/hupe1980/s3mmap/fetcher"
	"github.com/hupe1980/s3mmap/internal/uffd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func requireUserfaultfd(t *testing.T) {
	t.Helper()
	fd, err := uffd.Open()
	if err != nil {
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.ENOSYS) {
			t.Skipf("userfaultfd unavailable: %v", err)
		}
		t.Fatalf("userfaultfd: %v", err)
	}
	_ = fd.Close()
}

func newTestOpener(t *testing.T, key string, size int) (*fetcher.MemoryOpener, []byte) {
	t.Helper()
	data := make([]byte, size)
	rnd := rand.New(rand.NewSource(42))
	rnd.Read(data)

	opener := fetcher.NewMemoryOpener()
	opener.Put(fetcher.Locator{Bucket: "bucket", Key: key}, data)
	return opener, data
}

func TestMap_ReadBackMatches(t *testing.T) {
	requireUserfaultfd(t)
	opener, want := newTestOpener(t, "blob", 1<<20)

	m, err := Map(context.Background(), "s3://bucket/blob", WithOpener(opener))
	require.NoError(t, err)

	got := m.Bytes()
	require.Len(t, got, len(want))
	assert.Equal(t, want, got)

	require.NoError(t, m.Unmap())
}

func TestMap_OutOfOrderAccess(t *testing.T) {
	requireUserfaultfd(t)
	pageSize := unix.Getpagesize()
	opener, want := newTestOpener(t, "blob", 64*pageSize)

	m, err := Map(context.Background(), "s3://bucket/blob",
		WithOpener(opener), WithPrefetchDisabled())
	require.NoError(t, err)
	defer m.Unmap()

	got := m.Bytes()
	for _, p := range rand.Perm(64) {
		off := p * pageSize
		assert.Equal(t, want[off], got[off], "page %d", p)
		assert.Equal(t, want[off+pageSize-1], got[off+pageSize-1], "page %d tail", p)
	}
}

func TestMap_InvalidURL(t *testing.T) {
	_, err := Map(context.Background(), "http://bucket/key",
		WithOpener(fetcher.NewMemoryOpener()))
	require.Error(t, err)
	assert.ErrorIs(t, err, fetcher.ErrInvalidURL)
	assert.Equal(t, CodeInvalidURL, CodeOf(err))
}

func TestMap_NotFound(t *testing.T) {
	_, err := Map(context.Background(), "s3://bucket/missing",
		WithOpener(fetcher.NewMemoryOpener()))
	require.Error(t, err)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

type deniedOpener struct{}

func (deniedOpener) Open(_ context.Context, loc fetcher.Locator) (fetcher.Object, error) {
	return nil, fmt.Errorf("%w: %s", fetcher.ErrPermission, loc)
}

func TestMap_PermissionDeniedLeavesNothing(t *testing.T) {
	before := mappings.Len()

	_, err := Map(context.Background(), "s3://bucket/secret", WithOpener(deniedOpener{}))
	require.Error(t, err)
	assert.Equal(t, CodePermissionDenied, CodeOf(err))
	assert.Equal(t, before, mappings.Len(), "no partial mapping registered")
}

func TestMap_ZeroSizeObject(t *testing.T) {
	requireUserfaultfd(t)
	opener, _ := newTestOpener(t, "empty", 0)

	m, err := Map(context.Background(), "s3://bucket/empty", WithOpener(opener))
	require.NoError(t, err)

	assert.Empty(t, m.Bytes())
	assert.Zero(t, m.Size())
	require.NoError(t, m.Unmap())
}

func TestUnmap_UnknownPointer(t *testing.T) {
	var local [8]byte
	err := Unmap(unsafe.Pointer(&local[0]))
	assert.ErrorIs(t, err, ErrNotRecognized)
	assert.Equal(t, CodeNotRecognized, CodeOf(err))
}

func TestUnmap_InteriorPointerRejected(t *testing.T) {
	requireUserfaultfd(t)
	pageSize := unix.Getpagesize()
	opener, _ := newTestOpener(t, "blob", 8*pageSize)

	m, err := Map(context.Background(), "s3://bucket/blob", WithOpener(opener))
	require.NoError(t, err)
	defer m.Unmap()

	interior := unsafe.Add(m.Ptr(), pageSize)
	assert.ErrorIs(t, Unmap(interior), ErrNotRecognized)
}

func TestUnmap_Twice(t *testing.T) {
	requireUserfaultfd(t)
	opener, _ := newTestOpener(t, "blob", 4096)

	m, err := Map(context.Background(), "s3://bucket/blob", WithOpener(opener))
	require.NoError(t, err)

	ptr := m.Ptr()
	require.NoError(t, Unmap(ptr))
	assert.ErrorIs(t, Unmap(ptr), ErrNotRecognized)
}

func TestMapping_CloseReleases(t *testing.T) {
	requireUserfaultfd(t)
	opener, _ := newTestOpener(t, "blob", 4096)

	m, err := Map(context.Background(), "s3://bucket/blob", WithOpener(opener))
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Close(), ErrNotRecognized)
}

func TestMap_UnmapImmediately(t *testing.T) {
	requireUserfaultfd(t)
	opener, _ := newTestOpener(t, "blob", 1<<20)

	m, err := Map(context.Background(), "s3://bucket/blob", WithOpener(opener))
	require.NoError(t, err)
	require.NoError(t, m.Unmap())
	assert.Zero(t, opener.Fetches(), "nothing touched, nothing fetched")
}

func TestMap_DedupSharesFetches(t *testing.T) {
	requireUserfaultfd(t)
	pageSize := unix.Getpagesize()
	const pages = 16
	opener, want := newTestOpener(t, "blob", pages*pageSize)

	// Keep every fetch at a single page so the count is exact.
	m, err := Map(context.Background(), "s3://bucket/blob",
		WithOpener(opener),
		WithPrefetchDisabled(),
		WithReadahead(ReadaheadConfig{Level1SlicePages: 1 << 20}))
	require.NoError(t, err)
	defer m.Unmap()

	got := m.Bytes()
	for p := range pages {
		off := p * pageSize
		// Touch the same page repeatedly; only the first touch fetches.
		for range 4 {
			require.Equal(t, want[off], got[off])
		}
	}
	assert.Equal(t, int64(pages), opener.Fetches())
}

func TestMap_MappingAccessors(t *testing.T) {
	requireUserfaultfd(t)
	opener, _ := newTestOpener(t, "dir/blob", 4096)

	m, err := Map(context.Background(), "s3://bucket/dir/blob", WithOpener(opener))
	require.NoError(t, err)
	defer m.Unmap()

	assert.Equal(t, fetcher.Locator{Bucket: "bucket", Key: "dir/blob"}, m.Locator())
	assert.Equal(t, int64(4096), m.Size())
	assert.Equal(t, unsafe.Pointer(&m.Bytes()[0]), m.Ptr())
}
