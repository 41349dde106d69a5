//go:build linux

// Package engine implements the demand-paging engine behind a mapping:
// it owns the reserved address range, drains userfaultfd events, resolves
// faults to ranged fetches and installs the fetched bytes.
//
// One Region exists per mapping. Its event loop goroutine reads fault
// events and hands pages to a bounded worker pool; workers are the only
// writers of page-backing memory. Teardown quiesces the loop and every
// worker before the address range is released, so no goroutine can touch
// freed memory.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/hupe1980/s3mmap/fetcher"
	"github.com/hupe1980/s3mmap/internal/pagestore"
	"github.com/hupe1980/s3mmap/internal/readahead"
	"github.com/hupe1980/s3mmap/internal/region"
	"github.com/hupe1980/s3mmap/internal/uffd"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// ErrTearingDown is returned by Close when a teardown is already underway.
var ErrTearingDown = errors.New("mapping is being torn down")

// pollTimeoutMs bounds how long the event loop waits before it rechecks
// the shutdown flag.
const pollTimeoutMs = 100

const (
	stateAlive int32 = iota
	stateTearingDown
	stateDead
)

// Config tunes one Region.
type Config struct {
	// Workers bounds concurrent fault handlers. Defaults to 16.
	Workers int64

	// MaxRetries is the number of attempts per network fetch for
	// transient failures. Defaults to 3.
	MaxRetries int
	// RetryBackoff is the initial delay between attempts, doubled each
	// retry. Defaults to 50ms.
	RetryBackoff time.Duration

	// MaxPageAttempts is how many failed fetch rounds a page tolerates
	// before it poisons the mapping. Defaults to 3.
	MaxPageAttempts int

	// Readahead overrides the read-ahead tuning. A zero value means
	// readahead.DefaultConfig for the system page size.
	Readahead readahead.Config

	// PrefetchDisabled turns off speculative fetches past the heuristic
	// window.
	PrefetchDisabled bool
	// PrefetchLimiter throttles speculative fetch bandwidth in bytes per
	// second. Nil means unlimited. Fetches a fault is blocked on are
	// never throttled.
	PrefetchLimiter *rate.Limiter

	Logger *slog.Logger
}

func (c *Config) applyDefaults(pageSize int64) {
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 50 * time.Millisecond
	}
	if c.MaxPageAttempts <= 0 {
		c.MaxPageAttempts = 3
	}
	if c.Readahead.PageSize == 0 {
		c.Readahead = readahead.DefaultConfig(pageSize)
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// Region is one live mapping.
type Region struct {
	obj      fetcher.Object
	data     []byte // page-rounded reservation
	base     uintptr
	size     int64 // unrounded object size
	pageSize int64

	fd       *uffd.FD
	pages    *pagestore.Store
	ra       *readahead.Heuristics
	registry *region.Registry[*Region]
	logger   *slog.Logger
	cfg      Config

	state    atomic.Int32
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	workers  *semaphore.Weighted
	wg       sync.WaitGroup
}

// New reserves an address range sized to obj, arms userfaultfd on it,
// registers the region in reg and starts the fault-handling loop. On any
// error nothing is left allocated or registered.
func New(obj fetcher.Object, reg *region.Registry[*Region], cfg Config) (*Region, error) {
	// A goroutine blocked in a page fault keeps its OS thread and its P
	// until the fault is resolved; with a single P the event loop that
	// resolves it can never be scheduled and the first touch hangs the
	// process. Faulting reads need at least one other P to run on.
	if runtime.GOMAXPROCS(0) < 2 {
		runtime.GOMAXPROCS(2)
	}

	pageSize := int64(unix.Getpagesize())
	cfg.applyDefaults(pageSize)

	size := obj.Size()
	nbytes := size
	if nbytes == 0 {
		// A zero-length reservation is not mappable; keep one page and
		// report length 0 to the caller.
		nbytes = 1
	}
	mapLen := roundUp(nbytes, pageSize)

	fd, err := uffd.Open()
	if err != nil {
		return nil, err
	}

	data, err := unix.Mmap(-1, 0, int(mapLen),
		unix.PROT_READ,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		_ = fd.Close()
		return nil, fmt.Errorf("mmap %d bytes: %w", mapLen, err)
	}
	base := uintptr(unsafe.Pointer(&data[0]))

	if err := fd.Register(base, uintptr(mapLen)); err != nil {
		_ = unix.Munmap(data)
		_ = fd.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Region{
		obj:      obj,
		data:     data,
		base:     base,
		size:     size,
		pageSize: pageSize,
		fd:       fd,
		pages:    pagestore.New(mapLen/pageSize, cfg.MaxPageAttempts),
		ra:       readahead.New(cfg.Readahead),
		registry: reg,
		logger:   cfg.Logger,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		workers:  semaphore.NewWeighted(cfg.Workers),
	}

	if err := reg.Register(base, uintptr(mapLen), r); err != nil {
		cancel()
		_ = unix.Munmap(data)
		_ = fd.Close()
		return nil, err
	}

	go r.eventLoop()
	return r, nil
}

// Bytes returns the mapped memory at the object's unrounded length.
func (r *Region) Bytes() []byte {
	return r.data[:r.size:r.size]
}

// Base returns the first address of the reservation.
func (r *Region) Base() uintptr { return r.base }

// Size returns the object size in bytes.
func (r *Region) Size() int64 { return r.size }

// Close tears the region down: it stops the event loop, waits for every
// worker to vacate, unregisters the region and only then releases the
// reservation. Returns ErrTearingDown if a teardown is already underway.
//
// Faults raised on this region after Close begins are never serviced;
// callers must ensure no thread still reads the mapping.
func (r *Region) Close() error {
	if !r.state.CompareAndSwap(stateAlive, stateTearingDown) {
		return ErrTearingDown
	}

	r.cancel()
	<-r.loopDone
	r.wg.Wait()

	r.registry.Unregister(r.base)

	var firstErr error
	if err := unix.Munmap(r.data); err != nil {
		firstErr = fmt.Errorf("munmap: %w", err)
	}
	if err := r.fd.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.obj.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	r.state.Store(stateDead)
	return firstErr
}

// eventLoop drains userfaultfd messages until teardown. Polling uses a
// short timeout so the shutdown flag is observed within pollTimeoutMs
// even when no faults arrive.
func (r *Region) eventLoop() {
	defer close(r.loopDone)

	for {
		if r.ctx.Err() != nil {
			return
		}

		ready, err := r.fd.Poll(pollTimeoutMs)
		if err != nil {
			r.fatal("userfaultfd poll failed", err)
		}
		if !ready {
			continue
		}

		for {
			ev, ok, err := r.fd.ReadEvent()
			if err != nil {
				if r.ctx.Err() != nil {
					return
				}
				r.fatal("userfaultfd read failed", err)
			}
			if !ok {
				break
			}
			if ev.Kind != uffd.EventPagefault {
				r.logger.Warn("ignoring unexpected userfaultfd event", "kind", ev.Kind)
				continue
			}

			pageAddr := roundDown(uintptr(ev.Address), uintptr(r.pageSize))

			// Route through the registry; an address we do not own is
			// not ours to handle.
			owner, found := r.registry.Lookup(pageAddr)
			if !found || owner != r {
				r.logger.Error("fault address not owned by this region",
					"address", fmt.Sprintf("%#x", pageAddr))
				continue
			}

			r.dispatch(pageAddr)
		}
	}
}

// dispatch hands a faulted page to the worker pool, applying backpressure
// to the event loop when all workers are busy.
func (r *Region) dispatch(pageAddr uintptr) {
	if err := r.workers.Acquire(r.ctx, 1); err != nil {
		return // tearing down
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.workers.Release(1)
		r.handleFault(pageAddr)
	}()
}

// handleFault resolves one faulted page: claim the fetch or join the one
// in flight, then make sure the faulting thread is released.
func (r *Region) handleFault(pageAddr uintptr) {
	off := int64(pageAddr - r.base)
	page := off / r.pageSize

	for {
		tok, outcome := r.pages.Begin(page)
		switch outcome {
		case pagestore.Present:
			// The fetch completed between the trap and now. The copy that
			// installed the page woke the faulter; waking again is a no-op.
			r.wake(pageAddr)
			return

		case pagestore.Joined:
			select {
			case <-tok.Done():
			case <-r.ctx.Done():
				return
			}
			if tok.Err() == nil {
				r.wake(pageAddr)
				return
			}
			// The fetch we joined failed (possibly a speculative one).
			// A fault is blocked on this page, so retry until the attempt
			// budget poisons it.
			continue

		case pagestore.Poisoned:
			r.fatalFetch(page, tok.Err())

		case pagestore.Won:
			r.fetchOwned(page, true)
			return
		}
	}
}

// fetchOwned fetches the range starting at a page this goroutine owns in
// the page store and installs it. fromFault marks a fetch an application
// thread is blocked on: those escalate failure to process termination,
// speculative ones only record it.
func (r *Region) fetchOwned(page int64, fromFault bool) {
	off := page * r.pageSize

	want := r.ra.ReadSize(off, r.pageSize)
	n := r.pages.ExtendRange(page, want/r.pageSize)
	length := n * r.pageSize

	// The heuristic does not know the object size; fetch only real bytes
	// and leave the rounded tail zero.
	fetchLen := min(length, r.size-off)

	buf := make([]byte, length)
	if fetchLen > 0 {
		fetched, err := r.fetchWithRetry(off, fetchLen)
		if err != nil {
			r.pages.FailRange(page, n, err)
			if r.ctx.Err() != nil {
				// Teardown raced the fetch; the region is going away and
				// nobody can be resumed, fatal or otherwise.
				return
			}
			if fromFault {
				r.fatalFetch(page, err)
			}
			r.logger.Warn("speculative fetch failed",
				"page", page, "pages", n, "error", err)
			return
		}
		copy(buf, fetched)
	}

	if err := r.fd.Copy(r.base+uintptr(off), buf); err != nil {
		// The kernel rejected the install; page state is now unknowable.
		r.fatal("failed to install fetched pages", err)
	}

	r.pages.CompleteRange(page, n)
	r.ra.MarkRead(page, page+n)
	r.evict()

	if fromFault && n > 1 && !r.cfg.PrefetchDisabled {
		r.maybePrefetch(page+n, n)
	}
}

// fetchWithRetry runs one ranged fetch with bounded retries and
// exponential backoff. Terminal failures (not-found, permission, protocol
// violations) are never retried.
func (r *Region) fetchWithRetry(off, length int64) ([]byte, error) {
	backoff := r.cfg.RetryBackoff
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		buf, err := r.obj.FetchRange(r.ctx, off, length)
		if err == nil {
			return buf, nil
		}
		lastErr = err

		if fetcher.IsTerminal(err) || r.ctx.Err() != nil {
			return nil, err
		}
		if attempt == r.cfg.MaxRetries {
			break
		}

		r.logger.Warn("range fetch failed, retrying",
			"offset", off, "length", length, "attempt", attempt, "error", err)

		select {
		case <-time.After(backoff):
		case <-r.ctx.Done():
			return nil, r.ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("fetch retries exhausted: %w", lastErr)
}

// maybePrefetch speculatively fetches the window following a completed
// read-ahead, masking latency for sequential scans. Best-effort: it
// yields to real faults when the pool is busy, honors the configured rate
// limit, and its failures are never fatal.
func (r *Region) maybePrefetch(startPage, pages int64) {
	if startPage >= r.pages.NumPages() {
		return
	}
	if !r.workers.TryAcquire(1) {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.workers.Release(1)

		if lim := r.cfg.PrefetchLimiter; lim != nil {
			n := int(min(pages*r.pageSize, int64(lim.Burst())))
			if err := lim.WaitN(r.ctx, n); err != nil {
				return
			}
		}

		if _, outcome := r.pages.Begin(startPage); outcome != pagestore.Won {
			return
		}
		r.fetchOwned(startPage, false)
	}()
}

// evict returns over-budget pages to the kernel. The page is held in the
// evicting state across MADV_DONTNEED so no fetch can repopulate it while
// the discard is pending; a fault arriving in that window waits and then
// refetches.
func (r *Region) evict() {
	for _, p := range r.ra.EvictIfNeeded() {
		if !r.pages.Evict(p) {
			continue
		}
		start := p * r.pageSize
		if err := unix.Madvise(r.data[start:start+r.pageSize], unix.MADV_DONTNEED); err != nil {
			r.fatal("madvise(MADV_DONTNEED) failed", err)
		}
		r.pages.FinishEvict(p)
	}
}

func (r *Region) wake(pageAddr uintptr) {
	if err := r.fd.Wake(pageAddr, uintptr(r.pageSize)); err != nil {
		// Nothing was blocked on the page; harmless.
		r.logger.Debug("wake failed", "error", err)
	}
}

// fatalFetch terminates the process after an unrecoverable fetch failure
// on a page an application thread is blocked on. A plain memory read has
// no error return channel, so this is the only possible outward signal.
func (r *Region) fatalFetch(page int64, err error) {
	r.logger.Error("unrecoverable fetch failure on mapped memory, terminating",
		"page", page, "offset", page*r.pageSize, "error", err,
		"protocol_violation", fetcher.IsProtocolViolation(err))
	panic(fmt.Sprintf("s3mmap: unrecoverable fetch failure on page %d: %v", page, err))
}

func (r *Region) fatal(msg string, err error) {
	r.logger.Error(msg, "error", err)
	panic(fmt.Sprintf("s3mmap: %s: %v", msg, err))
}

func roundUp(n, pageSize int64) int64 {
	if rem := n % pageSize; rem != 0 {
		return n + pageSize - rem
	}
	return n
}

func roundDown(addr, pageSize uintptr) uintptr {
	return addr - addr%pageSize
}
