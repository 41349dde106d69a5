package region

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry[string]()

	require.NoError(t, r.Register(0x1000, 0x1000, "a"))
	require.NoError(t, r.Register(0x4000, 0x2000, "b"))

	tests := []struct {
		addr uintptr
		want string
		ok   bool
	}{
		{0x1000, "a", true},
		{0x1fff, "a", true},
		{0x2000, "", false}, // one past the end
		{0x0fff, "", false},
		{0x4000, "b", true},
		{0x5abc, "b", true},
		{0x6000, "", false},
	}
	for _, tt := range tests {
		got, ok := r.Lookup(tt.addr)
		assert.Equal(t, tt.ok, ok, "addr %#x", tt.addr)
		if ok {
			assert.Equal(t, tt.want, got, "addr %#x", tt.addr)
		}
	}
}

func TestRegistry_OverlapRejected(t *testing.T) {
	r := NewRegistry[int]()
	require.NoError(t, r.Register(0x1000, 0x1000, 1))

	assert.ErrorIs(t, r.Register(0x1800, 0x1000, 2), ErrOverlap) // straddles end
	assert.ErrorIs(t, r.Register(0x0800, 0x1000, 3), ErrOverlap) // straddles start
	assert.ErrorIs(t, r.Register(0x1000, 0x1000, 4), ErrOverlap) // exact
	assert.ErrorIs(t, r.Register(0x1400, 0x100, 5), ErrOverlap)  // contained

	require.NoError(t, r.Register(0x2000, 0x1000, 6)) // adjacent is fine
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_LookupBase(t *testing.T) {
	r := NewRegistry[int]()
	require.NoError(t, r.Register(0x1000, 0x1000, 7))

	v, ok := r.LookupBase(0x1000)
	require.True(t, ok)
	assert.Equal(t, 7, v)

	// Interior pointers are not bases.
	_, ok = r.LookupBase(0x1004)
	assert.False(t, ok)
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry[int]()
	require.NoError(t, r.Register(0x1000, 0x1000, 1))
	require.NoError(t, r.Register(0x3000, 0x1000, 2))

	v, ok := r.Unregister(0x1000)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	// Second removal is rejected.
	_, ok = r.Unregister(0x1000)
	assert.False(t, ok)

	// The other region is untouched.
	got, ok := r.Lookup(0x3500)
	require.True(t, ok)
	assert.Equal(t, 2, got)
}

func TestRegistry_ConcurrentLookupDuringChurn(t *testing.T) {
	r := NewRegistry[int]()
	require.NoError(t, r.Register(0x10_0000, 0x1000, 42))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				v, ok := r.Lookup(0x10_0800)
				if ok {
					assert.Equal(t, 42, v)
				}
			}
		}()
	}

	// Churn unrelated regions; the stable one must stay visible.
	for i := range 1000 {
		base := uintptr(0x20_0000 + i*0x1000)
		require.NoError(t, r.Register(base, 0x1000, i))
		_, ok := r.Unregister(base)
		require.True(t, ok)
	}
	close(stop)
	wg.Wait()

	v, ok := r.Lookup(0x10_0000)
	require.True(t, ok)
	assert.Equal(t, 42, v)
}
