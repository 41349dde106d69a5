package s3mmap

import (
	"log/slog"
	"time"

	"github.com/hupe1980/s3mmap/fetcher"
	"golang.org/x/time/rate"
)

// ReadaheadConfig tunes the two-level read-ahead heuristic. All values
// are in pages of the system page size.
type ReadaheadConfig struct {
	// Level1SlicePages and Level2SlicePages are the granularities at
	// which access density is tracked (defaults: 64 and 8192 pages).
	Level1SlicePages int64
	Level2SlicePages int64

	// Level1Readahead and Level2Readahead are how many slices of the
	// respective level a completed slice extends a read by (defaults:
	// 16 and 2).
	Level1Readahead int64
	Level2Readahead int64
}

type options struct {
	opener           fetcher.Opener
	logger           *Logger
	workers          int64
	maxRetries       int
	retryBackoff     time.Duration
	maxPageAttempts  int
	readahead        *ReadaheadConfig
	maxLoadedPages   int64
	prefetchDisabled bool
	prefetchLimiter  *rate.Limiter
}

// Option configures Map behavior.
type Option func(*options)

// WithOpener configures the object store backend. The default opener is
// constructed lazily from the ambient AWS configuration on first Map;
// pass an opener explicitly to pin credentials, a region or an
// S3-compatible endpoint (see fetcher/s3 and fetcher/minio).
func WithOpener(opener fetcher.Opener) Option {
	return func(o *options) {
		o.opener = opener
	}
}

// WithWorkers bounds how many page fetches one mapping runs concurrently.
// Defaults to 16.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = int64(n)
	}
}

// WithMaxRetries configures how many attempts a transient fetch failure
// gets before the failure is charged against the page. Defaults to 3.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = n
	}
}

// WithRetryBackoff configures the initial delay between fetch attempts;
// the delay doubles each retry. Defaults to 50ms.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) {
		o.retryBackoff = d
	}
}

// WithMaxPageAttempts configures how many exhausted retry rounds a page
// tolerates before a blocked read on it becomes fatal. Defaults to 3.
func WithMaxPageAttempts(n int) Option {
	return func(o *options) {
		o.maxPageAttempts = n
	}
}

// WithReadahead overrides the read-ahead tuning. Zero fields keep their
// defaults.
func WithReadahead(cfg ReadaheadConfig) Option {
	return func(o *options) {
		o.readahead = &cfg
	}
}

// WithMaxLoadedPages bounds resident pages per mapping; once exceeded the
// oldest pages are returned to the kernel and refetched on next touch.
// Defaults to 32768 (128 MiB at 4 KiB pages). Zero disables eviction.
func WithMaxLoadedPages(n int64) Option {
	return func(o *options) {
		o.maxLoadedPages = n
	}
}

// WithPrefetchRateLimit throttles speculative fetch bandwidth to
// bytesPerSec with the given burst. Fetches a blocked read is waiting on
// are never throttled.
func WithPrefetchRateLimit(bytesPerSec float64, burst int) Option {
	return func(o *options) {
		o.prefetchLimiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}
}

// WithPrefetchDisabled turns off speculative fetching beyond the window a
// fault asked for.
func WithPrefetchDisabled() Option {
	return func(o *options) {
		o.prefetchDisabled = true
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:         NoopLogger(),
		maxLoadedPages: -1, // -1 keeps the default budget; 0 disables eviction
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
