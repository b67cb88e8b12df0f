package lockmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitBlocked gives a goroutine time to reach its Lock call.
func waitBlocked() {
	time.Sleep(20 * time.Millisecond)
}

func TestLockUnlock(t *testing.T) {
	m := New()
	ctx := context.Background()

	require.NoError(t, m.Lock(ctx, KindJob, 1, PriorityNormal))
	assert.True(t, m.Held(KindJob, 1))
	assert.False(t, m.Held(KindJob, 2))
	assert.False(t, m.Held(KindContent, 1), "kinds are separate namespaces")

	m.Unlock(KindJob, 1)
	assert.False(t, m.Held(KindJob, 1))

	// Unlocking a free key is a no-op.
	m.Unlock(KindJob, 1)
}

func TestLockIsExclusive(t *testing.T) {
	m := New()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Run(ctx, KindJob, 7, PriorityNormal, func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.False(t, m.Held(KindJob, 7))
}

func TestPriorityOrdering(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.Lock(ctx, KindJob, 1, PriorityNormal))

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	acquire := func(name string, p Priority) {
		defer wg.Done()
		assert.NoError(t, m.Lock(ctx, KindJob, 1, p))
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
		m.Unlock(KindJob, 1)
	}

	wg.Add(1)
	go acquire("normal-1", PriorityNormal)
	waitBlocked()
	wg.Add(1)
	go acquire("normal-2", PriorityNormal)
	waitBlocked()
	wg.Add(1)
	go acquire("user", PriorityUser)
	waitBlocked()

	m.Unlock(KindJob, 1)
	wg.Wait()

	assert.Equal(t, []string{"user", "normal-1", "normal-2"}, order)
}

func TestLockContextCancel(t *testing.T) {
	m := New()
	require.NoError(t, m.Lock(context.Background(), KindJob, 1, PriorityNormal))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := m.Lock(ctx, KindJob, 1, PriorityNormal)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	m.Unlock(KindJob, 1)
	assert.False(t, m.Held(KindJob, 1), "abandoned waiter must not be granted")
}

func TestSoftLockWithoutPreemption(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.Lock(ctx, KindJob, 1, PriorityNormal))

	restore := m.MarkAsSoftLock(KindJob, 1)

	// Equal priority does not preempt a soft hold.
	done := make(chan struct{})
	go func() {
		_ = m.Lock(ctx, KindJob, 1, PriorityNormal)
		close(done)
	}()
	waitBlocked()

	interrupted, err := restore(ctx)
	require.NoError(t, err)
	assert.False(t, interrupted)

	select {
	case <-done:
		t.Fatal("normal waiter acquired a held lock")
	default:
	}

	m.Unlock(KindJob, 1)
	<-done
	m.Unlock(KindJob, 1)
}

func TestSoftLockPreemptedByHigherPriority(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.Lock(ctx, KindJob, 1, PriorityNormal))

	restore := m.MarkAsSoftLock(KindJob, 1)

	// A user request during the soft window is granted immediately.
	require.NoError(t, m.Lock(ctx, KindJob, 1, PriorityUser))

	// Another normal waiter queues behind the interrupted holder.
	var mu sync.Mutex
	var order []string
	other := make(chan struct{})
	go func() {
		defer close(other)
		_ = m.Lock(ctx, KindJob, 1, PriorityNormal)
		mu.Lock()
		order = append(order, "other")
		mu.Unlock()
		m.Unlock(KindJob, 1)
	}()
	waitBlocked()

	restored := make(chan bool)
	go func() {
		interrupted, err := restore(ctx)
		assert.NoError(t, err)
		mu.Lock()
		order = append(order, "original")
		mu.Unlock()
		restored <- interrupted
	}()
	waitBlocked()

	select {
	case <-restored:
		t.Fatal("restore returned while the preempting holder still held the lock")
	default:
	}

	m.Unlock(KindJob, 1) // preempting user releases
	assert.True(t, <-restored)

	m.Unlock(KindJob, 1) // original releases
	<-other

	assert.Equal(t, []string{"original", "other"}, order)
}

func TestSoftLockGrantsQueuedHigherPriority(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.Lock(ctx, KindJob, 1, PriorityNormal))

	granted := make(chan struct{})
	go func() {
		_ = m.Lock(ctx, KindJob, 1, PriorityUser)
		close(granted)
	}()
	waitBlocked()

	restore := m.MarkAsSoftLock(KindJob, 1)

	select {
	case <-granted:
	case <-time.After(time.Second):
		t.Fatal("queued user request was not granted when the hold became soft")
	}

	m.Unlock(KindJob, 1)
	interrupted, err := restore(ctx)
	require.NoError(t, err)
	assert.True(t, interrupted)
	assert.True(t, m.Held(KindJob, 1))
	m.Unlock(KindJob, 1)
}

func TestRestoreContextCancel(t *testing.T) {
	m := New()
	require.NoError(t, m.Lock(context.Background(), KindJob, 1, PriorityNormal))
	restore := m.MarkAsSoftLock(KindJob, 1)
	require.NoError(t, m.Lock(context.Background(), KindJob, 1, PriorityUser))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	interrupted, err := restore(ctx)
	assert.True(t, interrupted)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	m.Unlock(KindJob, 1)
	assert.False(t, m.Held(KindJob, 1))
}

func TestMarkAsSoftLockOnFreeKey(t *testing.T) {
	m := New()
	interrupted, err := m.MarkAsSoftLock(KindJob, 42)(context.Background())
	require.NoError(t, err)
	assert.False(t, interrupted)
}

func TestRunPropagatesError(t *testing.T) {
	m := New()
	err := m.Run(context.Background(), KindContent, 3, PriorityUser, func(context.Context) error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, m.Held(KindContent, 3))
}
