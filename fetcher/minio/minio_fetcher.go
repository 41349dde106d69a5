package minio

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/s3mmap/fetcher"
	"github.com/minio/minio-go/v7"
)

// Opener implements fetcher.Opener for MinIO and other S3-compatible stores.
type Opener struct {
	client *minio.Client
}

// New creates an Opener backed by the given MinIO client.
func New(client *minio.Client) *Opener {
	return &Opener{client: client}
}

// Open probes the object with StatObject and returns a ranged-read handle.
func (o *Opener) Open(ctx context.Context, loc fetcher.Locator) (fetcher.Object, error) {
	info, err := o.client.StatObject(ctx, loc.Bucket, loc.Key, minio.StatObjectOptions{})
	if err != nil {
		return nil, classify(err)
	}

	return &object{
		client: o.client,
		loc:    loc,
		size:   info.Size,
	}, nil
}

type object struct {
	client *minio.Client
	loc    fetcher.Locator
	size   int64
}

func (b *object) Size() int64 {
	return b.size
}

func (b *object) Close() error {
	return nil
}

// FetchRange returns exactly length bytes starting at off.
func (b *object) FetchRange(ctx context.Context, off, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(off, off+length-1); err != nil {
		return nil, err
	}

	r, err := b.client.GetObject(ctx, b.loc.Bucket, b.loc.Key, opts)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = r.Close() }()

	buf := make([]byte, length)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: got %d of %d bytes", fetcher.ErrPartialRead, n, length)
		}
		return nil, classify(err)
	}
	return buf, nil
}

// classify maps MinIO error responses onto the fetcher sentinel errors.
func classify(err error) error {
	errResp := minio.ToErrorResponse(err)
	switch errResp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return fmt.Errorf("%w: %w", fetcher.ErrNotFound, err)
	case "AccessDenied":
		return fmt.Errorf("%w: %w", fetcher.ErrPermission, err)
	}
	switch errResp.StatusCode {
	case 404:
		return fmt.Errorf("%w: %w", fetcher.ErrNotFound, err)
	case 403:
		return fmt.Errorf("%w: %w", fetcher.ErrPermission, err)
	}
	return err
}
