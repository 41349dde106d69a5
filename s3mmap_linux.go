//go:build linux

package s3mmap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/hupe1980/s3mmap/fetcher"
	"github.com/hupe1980/s3mmap/fetcher/s3"
	"github.com/hupe1980/s3mmap/internal/engine"
	"github.com/hupe1980/s3mmap/internal/readahead"
	"github.com/hupe1980/s3mmap/internal/region"
	"golang.org/x/sys/unix"
)

// mappings is the process-wide registry of live mappings. Unmap resolves
// pointers through it, and each mapping's fault loop uses it to verify
// that a fault address belongs to the mapping that received it.
var mappings = region.NewRegistry[*engine.Region]()

var (
	defaultOpenerMu sync.Mutex
	defaultOpener   fetcher.Opener
)

// Mapping is a live read-only mapping of one object.
type Mapping struct {
	r      *engine.Region
	loc    fetcher.Locator
	logger *Logger
}

// Map maps the object at url (s3://bucket/key) into memory and returns a
// handle to the mapped bytes. The object's size is fixed at this point;
// bytes are fetched on first touch.
//
// Reads of the returned memory may block on network fetches, and an
// unrecoverable fetch failure terminates the process (see the package
// documentation). Callers that need failures to stay recoverable should
// fetch through the fetcher package instead.
func Map(ctx context.Context, url string, optFns ...Option) (*Mapping, error) {
	o := applyOptions(optFns)

	loc, err := fetcher.ParseURL(url)
	if err != nil {
		o.logger.LogMap(ctx, url, 0, err)
		return nil, err
	}

	opener := o.opener
	if opener == nil {
		if opener, err = sharedOpener(ctx); err != nil {
			o.logger.LogMap(ctx, url, 0, err)
			return nil, err
		}
	}

	obj, err := opener.Open(ctx, loc)
	if err != nil {
		o.logger.LogMap(ctx, url, 0, err)
		return nil, err
	}

	r, err := engine.New(obj, mappings, engine.Config{
		Workers:          o.workers,
		MaxRetries:       o.maxRetries,
		RetryBackoff:     o.retryBackoff,
		MaxPageAttempts:  o.maxPageAttempts,
		Readahead:        buildReadahead(&o),
		PrefetchDisabled: o.prefetchDisabled,
		PrefetchLimiter:  o.prefetchLimiter,
		Logger:           o.logger.WithURL(url).Logger,
	})
	if err != nil {
		_ = obj.Close()
		o.logger.LogMap(ctx, url, 0, err)
		return nil, err
	}

	o.logger.LogMap(ctx, url, r.Size(), nil)
	return &Mapping{r: r, loc: loc, logger: o.logger}, nil
}

// Unmap tears down the mapping whose memory starts at ptr: it quiesces
// the mapping's fault handling, then releases the address range. ptr must
// be the exact base pointer of a live mapping; interior pointers and
// already-unmapped pointers return ErrNotRecognized.
//
// The caller must guarantee no goroutine still reads the mapped memory.
// A read that faults during or after Unmap is never serviced.
func Unmap(ptr unsafe.Pointer) error {
	r, ok := mappings.LookupBase(uintptr(ptr))
	if !ok {
		return fmt.Errorf("%w: %#x", ErrNotRecognized, uintptr(ptr))
	}
	if err := r.Close(); err != nil {
		if errors.Is(err, engine.ErrTearingDown) {
			// Lost a race with another Unmap of the same pointer.
			return fmt.Errorf("%w: %#x", ErrNotRecognized, uintptr(ptr))
		}
		return err
	}
	return nil
}

// Bytes returns the mapped memory. Indexing it may block on a fetch.
func (m *Mapping) Bytes() []byte { return m.r.Bytes() }

// Ptr returns the base address of the mapped memory, suitable for Unmap.
func (m *Mapping) Ptr() unsafe.Pointer { return unsafe.Pointer(m.r.Base()) }

// Size returns the object size in bytes.
func (m *Mapping) Size() int64 { return m.r.Size() }

// Locator returns the bucket and key the mapping was opened from.
func (m *Mapping) Locator() fetcher.Locator { return m.loc }

// Unmap releases the mapping; equivalent to Unmap(m.Ptr()).
func (m *Mapping) Unmap() error {
	err := Unmap(m.Ptr())
	m.logger.LogUnmap(context.Background(), m.loc.String(), err)
	return err
}

// Close releases the mapping. Alias for Unmap, for io.Closer-shaped use.
func (m *Mapping) Close() error { return m.Unmap() }

func sharedOpener(ctx context.Context) (fetcher.Opener, error) {
	defaultOpenerMu.Lock()
	defer defaultOpenerMu.Unlock()

	if defaultOpener == nil {
		opener, err := s3.New(ctx)
		if err != nil {
			return nil, err
		}
		defaultOpener = opener
	}
	return defaultOpener, nil
}

func buildReadahead(o *options) readahead.Config {
	cfg := readahead.DefaultConfig(int64(unix.Getpagesize()))
	if ra := o.readahead; ra != nil {
		if ra.Level1SlicePages > 0 {
			cfg.Level1SlicePages = ra.Level1SlicePages
		}
		if ra.Level2SlicePages > 0 {
			cfg.Level2SlicePages = ra.Level2SlicePages
		}
		if ra.Level1Readahead > 0 {
			cfg.Level1Readahead = ra.Level1Readahead
		}
		if ra.Level2Readahead > 0 {
			cfg.Level2Readahead = ra.Level2Readahead
		}
	}
	if o.maxLoadedPages >= 0 {
		cfg.MaxLoadedPages = o.maxLoadedPages
	}
	return cfg
}
