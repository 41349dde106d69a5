package fetcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Locator
		wantErr bool
	}{
		{name: "Simple", raw: "s3://bucket/key", want: Locator{Bucket: "bucket", Key: "key"}},
		{name: "NestedKey", raw: "s3://bucket/a/b/c.bin", want: Locator{Bucket: "bucket", Key: "a/b/c.bin"}},
		{name: "KeyWithSpaces", raw: "s3://bucket/some key", want: Locator{Bucket: "bucket", Key: "some key"}},
		{name: "MissingKey", raw: "s3://bucket/", wantErr: true},
		{name: "MissingBucket", raw: "s3:///key", wantErr: true},
		{name: "WrongScheme", raw: "http://bucket/key", wantErr: true},
		{name: "Empty", raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseURL(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidURL)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMemoryOpener(t *testing.T) {
	loc := Locator{Bucket: "b", Key: "k"}
	m := NewMemoryOpener()
	m.Put(loc, []byte("hello world"))

	t.Run("NotFound", func(t *testing.T) {
		_, err := m.Open(context.Background(), Locator{Bucket: "b", Key: "missing"})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("FetchRange", func(t *testing.T) {
		obj, err := m.Open(context.Background(), loc)
		require.NoError(t, err)
		assert.Equal(t, int64(11), obj.Size())

		buf, err := obj.FetchRange(context.Background(), 6, 5)
		require.NoError(t, err)
		assert.Equal(t, "world", string(buf))
		assert.Equal(t, int64(1), m.Fetches())
	})

	t.Run("OutOfRange", func(t *testing.T) {
		obj, err := m.Open(context.Background(), loc)
		require.NoError(t, err)

		_, err = obj.FetchRange(context.Background(), 8, 10)
		assert.ErrorIs(t, err, ErrPartialRead)
	})
}

func TestErrorClassifiers(t *testing.T) {
	assert.True(t, IsTerminal(ErrNotFound))
	assert.True(t, IsTerminal(ErrPermission))
	assert.True(t, IsTerminal(ErrPartialRead))
	assert.False(t, IsTerminal(context.DeadlineExceeded))

	assert.True(t, IsProtocolViolation(ErrNoBody))
	assert.True(t, IsProtocolViolation(ErrMissingContentLength))
	assert.False(t, IsProtocolViolation(ErrNotFound))
}
