package pagestore

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBegin_SingleWinner(t *testing.T) {
	s := New(16, 3)

	var winners atomic.Int64
	var joiners atomic.Int64
	var wg sync.WaitGroup

	start := make(chan struct{})
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			tok, outcome := s.Begin(7)
			switch outcome {
			case Won:
				winners.Add(1)
				s.CompleteRange(7, 1)
			case Joined:
				joiners.Add(1)
				<-tok.Done()
				assert.NoError(t, tok.Err())
			case Present:
				// Raced in after completion; fine.
			default:
				t.Errorf("unexpected outcome %d", outcome)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), winners.Load(), "exactly one fetch per page")
	assert.Equal(t, StatePresent, s.StateOf(7))
	t.Logf("joiners: %d", joiners.Load())
}

func TestBegin_PresentFastPath(t *testing.T) {
	s := New(4, 3)
	_, outcome := s.Begin(0)
	require.Equal(t, Won, outcome)
	s.CompleteRange(0, 1)

	_, outcome = s.Begin(0)
	assert.Equal(t, Present, outcome)
}

func TestFail_WakesWaitersAndAllowsRetry(t *testing.T) {
	s := New(4, 3)
	boom := errors.New("boom")

	tok, outcome := s.Begin(1)
	require.Equal(t, Won, outcome)

	waitTok, outcome := s.Begin(1)
	require.Equal(t, Joined, outcome)
	require.Same(t, tok, waitTok)

	s.FailRange(1, 1, boom)
	<-waitTok.Done()
	assert.ErrorIs(t, waitTok.Err(), boom)
	assert.Equal(t, StateFailed, s.StateOf(1))

	// A failed page can be re-won while attempts remain.
	_, outcome = s.Begin(1)
	assert.Equal(t, Won, outcome)
	s.CompleteRange(1, 1)
	assert.Equal(t, StatePresent, s.StateOf(1))
}

func TestBegin_PoisonedAfterBudget(t *testing.T) {
	s := New(4, 2)
	boom := errors.New("boom")

	for range 2 {
		_, outcome := s.Begin(2)
		require.Equal(t, Won, outcome)
		s.FailRange(2, 1, boom)
	}

	tok, outcome := s.Begin(2)
	assert.Equal(t, Poisoned, outcome)
	<-tok.Done()
	assert.ErrorIs(t, tok.Err(), boom)
}

func TestExtendRange(t *testing.T) {
	s := New(100, 3)

	_, outcome := s.Begin(10)
	require.Equal(t, Won, outcome)

	// Page 14 is owned elsewhere; extension must stop before it.
	_, outcome = s.Begin(14)
	require.Equal(t, Won, outcome)

	n := s.ExtendRange(10, 16)
	assert.Equal(t, int64(4), n) // pages 10..13

	for p := int64(10); p < 14; p++ {
		assert.Equal(t, StateFetching, s.StateOf(p))
	}
	assert.Equal(t, StateAbsent, s.StateOf(15))
}

func TestExtendRange_ClampsToMapping(t *testing.T) {
	s := New(8, 3)

	_, outcome := s.Begin(6)
	require.Equal(t, Won, outcome)

	n := s.ExtendRange(6, 64)
	assert.Equal(t, int64(2), n) // pages 6, 7 only
}

func TestEvict(t *testing.T) {
	s := New(4, 3)

	_, outcome := s.Begin(3)
	require.Equal(t, Won, outcome)

	// In-flight pages must not be evicted.
	assert.False(t, s.Evict(3))

	s.CompleteRange(3, 1)
	assert.True(t, s.Evict(3))
	assert.Equal(t, StateEvicting, s.StateOf(3))

	s.FinishEvict(3)
	assert.Equal(t, StateAbsent, s.StateOf(3))

	// Fully evicted pages can be fetched again.
	_, outcome = s.Begin(3)
	assert.Equal(t, Won, outcome)
}

func TestEvict_NoFetchWhileDiscardPending(t *testing.T) {
	s := New(8, 3)

	_, outcome := s.Begin(5)
	require.Equal(t, Won, outcome)
	s.CompleteRange(5, 1)

	require.True(t, s.Evict(5))

	// Between Evict and FinishEvict the page's memory is about to be
	// discarded; a fetch claiming it now would have its bytes wiped.
	tok, outcome := s.Begin(5)
	require.Equal(t, Joined, outcome)
	assert.False(t, s.tryAcquire(5))
	select {
	case <-tok.Done():
		t.Fatal("eviction token resolved before FinishEvict")
	default:
	}

	s.FinishEvict(5)
	<-tok.Done()
	assert.NoError(t, tok.Err())

	// The woken faulter retries and refetches.
	_, outcome = s.Begin(5)
	assert.Equal(t, Won, outcome)
}
