package lock

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/strata/internal/apperr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLocal(t *testing.T) (*Local, *fakeClock) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLocal(logger)
	l.SetClock(clock.Now)
	return l, clock
}

var keyA = Key{Collection: "proj", Conversation: "a", Op: OpCompress}

func TestAcquireTwiceIsBusy(t *testing.T) {
	l, _ := newTestLocal(t)

	first, err := l.Acquire(keyA, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, first.Token)

	_, err = l.Acquire(keyA, "worker-2", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrCompressionInProgress))
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))

	require.NoError(t, l.Release(first.Token))
	_, err = l.Acquire(keyA, "worker-2", time.Minute)
	assert.NoError(t, err)
}

func TestLocksAreIndependentPerKey(t *testing.T) {
	l, _ := newTestLocal(t)

	_, err := l.Acquire(keyA, "w", time.Minute)
	require.NoError(t, err)

	others := []Key{
		{Collection: "proj", Conversation: "b", Op: OpCompress},
		{Collection: "proj", Conversation: "a", Op: OpSync},
		{Collection: "other", Conversation: "a", Op: OpCompress},
	}
	for _, k := range others {
		_, err := l.Acquire(k, "w", time.Minute)
		assert.NoError(t, err, k.String())
	}
	assert.Len(t, l.Status(), 4)
}

func TestStaleLockIsReclaimedOnAcquire(t *testing.T) {
	l, clock := newTestLocal(t)
	reclaimed := 0
	l.OnReclaim = func(n int) { reclaimed += n }

	stale, err := l.Acquire(keyA, "crashed", time.Minute)
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	_, err = l.Acquire(keyA, "w2", time.Minute)
	require.Error(t, err)

	clock.Advance(time.Second)
	fresh, err := l.Acquire(keyA, "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "w2", fresh.Holder)
	assert.Equal(t, 1, reclaimed)

	// The crashed holder's token no longer releases anything.
	err = l.Release(stale.Token)
	assert.True(t, errors.Is(err, apperr.ErrLockNotFound))
	assert.Len(t, l.Status(), 1)
}

func TestCleanupStale(t *testing.T) {
	l, clock := newTestLocal(t)

	_, err := l.Acquire(keyA, "w", time.Minute)
	require.NoError(t, err)
	_, err = l.Acquire(Key{Collection: "proj", Conversation: "b", Op: OpCompress}, "w", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 0, l.CleanupStale())

	clock.Advance(2 * time.Minute)
	status := l.Status()
	require.Len(t, status, 1, "expired locks are not active")
	assert.Equal(t, "b", status[0].Key.Conversation)

	assert.Equal(t, 1, l.CleanupStale())
	status = l.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "b", status[0].Key.Conversation)
}

func TestDefaultStaleAfter(t *testing.T) {
	l, _ := newTestLocal(t)
	lk, err := l.Acquire(keyA, "w", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultStaleAfter, lk.ExpiresAt.Sub(lk.AcquiredAt))
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	l, _ := newTestLocal(t)

	var wins, busy atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire(keyA, "w", time.Minute); err == nil {
				wins.Add(1)
			} else if errors.Is(err, apperr.ErrCompressionInProgress) {
				busy.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(31), busy.Load())
}
