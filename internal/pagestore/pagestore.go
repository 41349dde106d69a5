// Package pagestore tracks the fetch state of every page of a mapping.
// It is the single source of truth for "does this page still need a
// fetch" and deduplicates concurrent fetch attempts: all callers racing
// on one page rendezvous on a single in-flight token.
//
// State is sharded 64 ways so unrelated pages never contend on a lock.
package pagestore

import "sync"

const numShards = 64

// State is the fetch state of a single page.
type State uint8

const (
	StateAbsent State = iota
	StateFetching
	StatePresent
	StateFailed
	// StateEvicting covers the window between resetting a page and the
	// caller discarding its backing memory. A fetch started inside that
	// window could complete into memory the pending discard then wipes,
	// so the page stays unclaimable until FinishEvict.
	StateEvicting
)

// Outcome is the result of Begin for a caller.
type Outcome uint8

const (
	// Won means the caller owns the fetch for this page attempt.
	Won Outcome = iota
	// Joined means another fetch is in flight; wait on the token.
	Joined
	// Present means the page already holds its bytes.
	Present
	// Poisoned means the page failed more times than the attempt budget
	// allows; the token carries the last error.
	Poisoned
)

// Token is the rendezvous handle for one fetch attempt. Waiters block on
// Done; Err is valid once Done is closed.
type Token struct {
	done chan struct{}
	err  error
}

func newToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Done is closed when the attempt completes or fails.
func (t *Token) Done() <-chan struct{} { return t.done }

// Err returns the attempt's error. Only valid after Done is closed.
func (t *Token) Err() error { return t.err }

type page struct {
	state    State
	attempts int
	tok      *Token
	lastErr  error
}

type shard struct {
	mu    sync.Mutex
	pages map[int64]*page
}

// Store tracks page states for one mapping.
type Store struct {
	numPages    int64
	maxAttempts int
	shards      [numShards]shard
}

// New creates a Store for numPages pages. A page may fail maxAttempts
// times before Begin reports it poisoned.
func New(numPages int64, maxAttempts int) *Store {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	s := &Store{numPages: numPages, maxAttempts: maxAttempts}
	for i := range s.shards {
		s.shards[i].pages = make(map[int64]*page)
	}
	return s
}

// NumPages returns the page count of the mapping.
func (s *Store) NumPages() int64 { return s.numPages }

func (s *Store) shardFor(p int64) *shard {
	return &s.shards[p%numShards]
}

// Begin claims the fetch for page p, or reports why it cannot be claimed.
// Absent (and retryable Failed) pages transition to Fetching exactly once
// per attempt; losers of the race get the winner's token.
func (s *Store) Begin(p int64) (*Token, Outcome) {
	sh := s.shardFor(p)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	pg, ok := sh.pages[p]
	if !ok {
		pg = &page{}
		sh.pages[p] = pg
	}

	switch pg.state {
	case StatePresent:
		return nil, Present
	case StateFetching, StateEvicting:
		return pg.tok, Joined
	case StateFailed:
		if pg.attempts >= s.maxAttempts {
			t := newToken()
			t.err = pg.lastErr
			close(t.done)
			return t, Poisoned
		}
		fallthrough
	default: // StateAbsent or retryable StateFailed
		pg.state = StateFetching
		pg.tok = newToken()
		return pg.tok, Won
	}
}

// tryAcquire claims page p only if no fetch is needed elsewhere: Absent
// pages and Failed pages within budget win; anything else declines.
func (s *Store) tryAcquire(p int64) bool {
	sh := s.shardFor(p)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	pg, ok := sh.pages[p]
	if !ok {
		pg = &page{}
		sh.pages[p] = pg
	}
	if pg.state == StateAbsent || (pg.state == StateFailed && pg.attempts < s.maxAttempts) {
		pg.state = StateFetching
		pg.tok = newToken()
		return true
	}
	return false
}

// ExtendRange grows a fetch the caller already won at page start over the
// following contiguous acquirable pages, up to maxPages total. It returns
// the number of pages now owned by the caller (at least 1). Because the
// extension stops at the first page someone else owns, a fetch range is
// always contiguous and never overlaps another in-flight fetch.
func (s *Store) ExtendRange(start, maxPages int64) int64 {
	n := int64(1)
	for n < maxPages && start+n < s.numPages {
		if !s.tryAcquire(start + n) {
			break
		}
		n++
	}
	return n
}

// CompleteRange marks pages [start, start+n) present and wakes waiters.
func (s *Store) CompleteRange(start, n int64) {
	for p := start; p < start+n; p++ {
		sh := s.shardFor(p)
		sh.mu.Lock()
		pg := sh.pages[p]
		if pg != nil && pg.state == StateFetching {
			pg.state = StatePresent
			pg.attempts = 0
			pg.lastErr = nil
			close(pg.tok.done)
			pg.tok = nil
		}
		sh.mu.Unlock()
	}
}

// FailRange marks pages [start, start+n) failed with err, charges one
// attempt, and wakes waiters with the failure.
func (s *Store) FailRange(start, n int64, err error) {
	for p := start; p < start+n; p++ {
		sh := s.shardFor(p)
		sh.mu.Lock()
		pg := sh.pages[p]
		if pg != nil && pg.state == StateFetching {
			pg.state = StateFailed
			pg.attempts++
			pg.lastErr = err
			pg.tok.err = err
			close(pg.tok.done)
			pg.tok = nil
		}
		sh.mu.Unlock()
	}
}

// Evict transitions a present page to evicting, claiming it for the
// caller's pending memory discard. Returns false if the page is not
// present (e.g. a fetch is in flight), in which case the caller must not
// discard its backing memory. The caller must call FinishEvict once the
// discard is done; until then no fetch can claim the page.
func (s *Store) Evict(p int64) bool {
	sh := s.shardFor(p)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	pg, ok := sh.pages[p]
	if !ok || pg.state != StatePresent {
		return false
	}
	pg.state = StateEvicting
	pg.tok = newToken()
	return true
}

// FinishEvict resets an evicting page to absent and wakes faulters that
// arrived during the discard; their retry refetches the page.
func (s *Store) FinishEvict(p int64) {
	sh := s.shardFor(p)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	pg, ok := sh.pages[p]
	if !ok || pg.state != StateEvicting {
		return
	}
	close(pg.tok.done)
	delete(sh.pages, p)
}

// StateOf returns the current state of page p.
func (s *Store) StateOf(p int64) State {
	sh := s.shardFor(p)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	pg, ok := sh.pages[p]
	if !ok {
		return StateAbsent
	}
	return pg.state
}
