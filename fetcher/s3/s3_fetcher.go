package s3

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/hupe1980/s3mmap/fetcher"
	"golang.org/x/sync/errgroup"
)

// defaultDownloadThreshold is the part size for wide fetches: a range
// longer than this is split into sub-ranges of this size and fetched
// concurrently.
const defaultDownloadThreshold = 8 << 20 // 8 MiB

// Client is the subset of the S3 API used to read objects.
type Client interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// LocationClient resolves the region a bucket lives in.
type LocationClient interface {
	GetBucketLocation(ctx context.Context, params *s3.GetBucketLocationInput, optFns ...func(*s3.Options)) (*s3.GetBucketLocationOutput, error)
}

// Opener implements fetcher.Opener for AWS S3.
//
// By default Open resolves the bucket's region with GetBucketLocation and
// builds a region-correct client, so callers can map objects from any
// region without configuration.
type Opener struct {
	client            Client
	locate            LocationClient
	clientFor         func(region string) Client
	downloadThreshold int64
}

// Option configures an Opener.
type Option func(*Opener)

// WithClient pins the client used for all objects and disables the
// GetBucketLocation region hop. Intended for tests and for callers that
// already know the bucket's region.
func WithClient(c Client) Option {
	return func(o *Opener) {
		o.client = c
	}
}

// WithDownloadThreshold sets the part size above which fetches split into
// concurrent sub-range downloads. n <= 0 keeps the default of 8 MiB.
func WithDownloadThreshold(n int64) Option {
	return func(o *Opener) {
		if n > 0 {
			o.downloadThreshold = n
		}
	}
}

// New creates an Opener from the default AWS config chain.
func New(ctx context.Context, opts ...Option) (*Opener, error) {
	o := &Opener{downloadThreshold: defaultDownloadThreshold}
	for _, fn := range opts {
		fn(o)
	}
	if o.client != nil {
		return o, nil
	}

	// The location probe works from any region; us-east-1 is the
	// conventional starting point.
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion("us-east-1"))
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	base := s3.NewFromConfig(cfg)
	o.locate = base
	o.clientFor = func(region string) Client {
		if region == "" {
			return base
		}
		return s3.NewFromConfig(cfg, func(so *s3.Options) {
			so.Region = region
		})
	}
	return o, nil
}

// Open resolves the bucket region, probes the object size and returns a
// ranged-read handle. No object data is transferred.
func (o *Opener) Open(ctx context.Context, loc fetcher.Locator) (fetcher.Object, error) {
	client := o.client
	if client == nil {
		out, err := o.locate.GetBucketLocation(ctx, &s3.GetBucketLocationInput{
			Bucket: aws.String(loc.Bucket),
		})
		if err != nil {
			return nil, classify(err)
		}
		client = o.clientFor(string(out.LocationConstraint))
	}

	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, classify(err)
	}
	if head.ContentLength == nil {
		return nil, fmt.Errorf("%w: HEAD %s", fetcher.ErrMissingContentLength, loc)
	}

	return &object{
		client:            client,
		loc:               loc,
		size:              *head.ContentLength,
		downloadThreshold: o.downloadThreshold,
	}, nil
}

type object struct {
	client            Client
	loc               fetcher.Locator
	size              int64
	downloadThreshold int64
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
	if length > b.downloadThreshold {
		return b.fetchParts(ctx, off, length)
	}
	return b.fetchOne(ctx, off, length)
}

// fetchOne issues a single ranged GET.
func (b *object) fetchOne(ctx context.Context, off, length int64) ([]byte, error) {
	rangeHeader := fmt.Sprintf("bytes=%d-%d", off, off+length-1)

	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.loc.Bucket),
		Key:    aws.String(b.loc.Key),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		return nil, classify(err)
	}
	if resp.Body == nil {
		return nil, fmt.Errorf("%w: GET %s %s", fetcher.ErrNoBody, b.loc, rangeHeader)
	}
	defer func() { _ = resp.Body.Close() }()

	buf := make([]byte, length)
	n, err := io.ReadFull(resp.Body, buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: got %d of %d bytes", fetcher.ErrPartialRead, n, length)
		}
		return nil, err
	}
	return buf, nil
}

// fetchParts splits a wide range into part-sized sub-ranges fetched
// concurrently and reassembled in place. manager.Downloader is not usable
// here: given a Range input it short-circuits to a single GET and ignores
// its concurrency setting.
func (b *object) fetchParts(ctx context.Context, off, length int64) ([]byte, error) {
	w := manager.NewWriteAtBuffer(make([]byte, length))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(manager.DefaultDownloadConcurrency)

	partSize := b.downloadThreshold
	for start := int64(0); start < length; start += partSize {
		n := min(partSize, length-start)
		g.Go(func() error {
			part, err := b.fetchOne(ctx, off+start, n)
			if err != nil {
				return err
			}
			_, err = w.WriteAt(part, start)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return w.Bytes()[:length], nil
}

// classify maps SDK errors onto the fetcher sentinel errors.
func classify(err error) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("%w: %w", fetcher.ErrNotFound, err)
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return fmt.Errorf("%w: %w", fetcher.ErrNotFound, err)
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return fmt.Errorf("%w: %w", fetcher.ErrNotFound, err)
	}

	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		switch re.HTTPStatusCode() {
		case 403:
			return fmt.Errorf("%w: %w", fetcher.ErrPermission, err)
		case 404:
			return fmt.Errorf("%w: %w", fetcher.ErrNotFound, err)
		}
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "AccessDenied", "Forbidden":
			return fmt.Errorf("%w: %w", fetcher.ErrPermission, err)
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return fmt.Errorf("%w: %w", fetcher.ErrNotFound, err)
		}
	}

	return err
}
