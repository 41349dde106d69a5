// Package readahead decides how much to fetch around a faulted page and
// which loaded pages to give back to the kernel.
//
// The mapping is sliced on two levels: level-1 slices of 64 pages
// (~256 KiB) and level-2 slices of 8192 pages (~32 MiB). When a fetch
// would complete a slice, the read is extended past it instead, so
// sequential scans ride progressively larger range requests. Loaded pages
// are tracked in a FIFO; past the budget the oldest pages are evicted.
//
// The heuristic is agnostic of object size; callers cap the returned read
// size against the real size and report what they actually loaded via
// MarkRead.
package readahead

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// Config holds the read-ahead and eviction knobs. All page counts are in
// units of Config.PageSize bytes.
type Config struct {
	PageSize int64

	// Level1SlicePages and Level2SlicePages are the slice granularities.
	Level1SlicePages int64
	Level2SlicePages int64

	// Level1Readahead and Level2Readahead are how many slices of the
	// respective level a completed slice extends the read by.
	Level1Readahead int64
	Level2Readahead int64

	// MaxLoadedPages bounds resident pages; 0 disables eviction.
	MaxLoadedPages int64
	// EvictSlack is how far below MaxLoadedPages an eviction drives the
	// resident count, to avoid evicting on every subsequent fetch.
	EvictSlack int64
}

// DefaultConfig returns the tuning used by default: 256 KiB / 32 MiB
// slices, ~4 MiB / ~64 MiB read-ahead, ~128 MiB resident budget.
func DefaultConfig(pageSize int64) Config {
	return Config{
		PageSize:         pageSize,
		Level1SlicePages: 64,
		Level2SlicePages: 8192,
		Level1Readahead:  16,
		Level2Readahead:  2,
		MaxLoadedPages:   32768,
		EvictSlack:       500,
	}
}

// Heuristics tracks which pages are loaded and sizes reads. Safe for
// concurrent use.
type Heuristics struct {
	mu     sync.Mutex
	cfg    Config
	level1 map[int64]*slice
	level2 map[int64]*slice

	evictQueue []int64
}

// New creates a Heuristics with the given config.
func New(cfg Config) *Heuristics {
	return &Heuristics{
		cfg:    cfg,
		level1: make(map[int64]*slice),
		level2: make(map[int64]*slice),
	}
}

type slice struct {
	loaded   *roaring.Bitmap
	numPages int64
}

func newSlice(numPages int64) *slice {
	return &slice{loaded: roaring.New(), numPages: numPages}
}

func (s *slice) add(p int64)    { s.loaded.Add(uint32(p)) }
func (s *slice) remove(p int64) { s.loaded.Remove(uint32(p)) }

// wouldFill reports whether loading page p completes the slice.
func (s *slice) wouldFill(p int64) bool {
	if s.loaded.Contains(uint32(p)) {
		return false
	}
	return int64(s.loaded.GetCardinality())+1 == s.numPages
}

func (h *Heuristics) slice1(num int64) *slice {
	s, ok := h.level1[num]
	if !ok {
		s = newSlice(h.cfg.Level1SlicePages)
		h.level1[num] = s
	}
	return s
}

func (h *Heuristics) slice2(num int64) *slice {
	s, ok := h.level2[num]
	if !ok {
		s = newSlice(h.cfg.Level2SlicePages)
		h.level2[num] = s
	}
	return s
}

// ReadSize takes the byte offset of a fault and the minimum read size
// (usually one page) and returns how much to actually read. The result is
// a multiple of the page size but is not capped to the object size.
func (h *Heuristics) ReadSize(off, minSize int64) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	readSize := minSize
	page := off / h.cfg.PageSize

	if h.slice1(page / h.cfg.Level1SlicePages).wouldFill(page % h.cfg.Level1SlicePages) {
		readSize = h.extendLevel1(off, minSize)
	}
	if h.slice2(page / h.cfg.Level2SlicePages).wouldFill(page % h.cfg.Level2SlicePages) {
		readSize = max(readSize, h.cfg.Level2Readahead*h.cfg.Level2SlicePages*h.cfg.PageSize)
		readSize = h.roundUpLevel1(off, readSize)
	}
	return readSize
}

// extendLevel1 grows a read to the level-1 read-ahead size, with a twist:
// if stopping two pages short of a level-2 boundary is cheaper, stop
// there, so the very next sequential fault triggers the level-2
// extension.
func (h *Heuristics) extendLevel1(off, minSize int64) int64 {
	readSize := h.cfg.Level1Readahead * h.cfg.Level1SlicePages * h.cfg.PageSize

	minPage := (off + minSize - 1) / h.cfg.PageSize
	minLevel2Page := minPage % h.cfg.Level2SlicePages
	switch {
	case minLevel2Page == h.cfg.Level2SlicePages-2:
		return minSize
	case minLevel2Page < h.cfg.Level2SlicePages-2:
		missing := (h.cfg.Level2SlicePages - 2) - minLevel2Page
		newSize := minSize + missing*h.cfg.PageSize
		if newSize <= readSize {
			return newSize
		}
	}
	return h.roundUpLevel1(off, readSize)
}

// roundUpLevel1 extends a read so it ends two pages short of a level-1
// slice boundary, which keeps the fill-detection cascade going.
func (h *Heuristics) roundUpLevel1(off, size int64) int64 {
	finalPage := (off + size - 1) / h.cfg.PageSize
	l1Page := finalPage % h.cfg.Level1SlicePages
	switch l1Page {
	case h.cfg.Level1SlicePages - 2:
		return size
	case h.cfg.Level1SlicePages - 1:
		return size + (h.cfg.Level1SlicePages-1)*h.cfg.PageSize
	default:
		missing := (h.cfg.Level1SlicePages - 2) - l1Page
		return size + missing*h.cfg.PageSize
	}
}

// MarkRead records that pages [startPage, endPage) are now loaded.
func (h *Heuristics) MarkRead(startPage, endPage int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for p := startPage; p < endPage; p++ {
		h.evictQueue = append(h.evictQueue, p)
		h.slice1(p / h.cfg.Level1SlicePages).add(p % h.cfg.Level1SlicePages)
		h.slice2(p / h.cfg.Level2SlicePages).add(p % h.cfg.Level2SlicePages)
	}
}

// EvictIfNeeded returns the pages to give back to the kernel, oldest
// first, when the resident budget is exceeded. The returned pages are
// already unmarked here; the caller owns resetting page state and
// releasing the memory.
func (h *Heuristics) EvictIfNeeded() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cfg.MaxLoadedPages <= 0 || int64(len(h.evictQueue)) <= h.cfg.MaxLoadedPages {
		return nil
	}

	n := int64(len(h.evictQueue)) - h.cfg.MaxLoadedPages + h.cfg.EvictSlack
	if n > int64(len(h.evictQueue)) {
		n = int64(len(h.evictQueue))
	}

	evicted := make([]int64, n)
	copy(evicted, h.evictQueue[:n])
	h.evictQueue = append(h.evictQueue[:0], h.evictQueue[n:]...)

	for _, p := range evicted {
		h.slice1(p / h.cfg.Level1SlicePages).remove(p % h.cfg.Level1SlicePages)
		h.slice2(p / h.cfg.Level2SlicePages).remove(p % h.cfg.Level2SlicePages)
	}
	return evicted
}

// LoadedPages returns the current resident page count, for introspection.
func (h *Heuristics) LoadedPages() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(len(h.evictQueue))
}
