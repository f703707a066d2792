package db

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) *HandlePool {
	t.Helper()
	return NewHandlePool(filepath.Join(t.TempDir(), "pool_test.db"))
}

func TestCheckoutCheckinReusesHandle(t *testing.T) {
	p := newTestPool(t)
	defer p.Close(nil)

	lease, err := p.Checkout(1)
	require.NoError(t, err)
	h := lease.Handle()
	lease.Release()

	lease2, err := p.Checkout(1)
	require.NoError(t, err)
	require.Same(t, h, lease2.Handle())
	lease2.Release()
}

func TestLeaseReleaseIdempotent(t *testing.T) {
	p := newTestPool(t)
	defer p.Close(nil)

	lease, err := p.Checkout(1)
	require.NoError(t, err)
	lease.Release()
	lease.Release()
	require.Equal(t, 1, p.OpenedHandleCount())
}

func TestBlockadeDelaysCheckout(t *testing.T) {
	p := newTestPool(t)
	defer p.Close(nil)

	p.Blockade()
	require.True(t, p.IsBlockaded())

	got := make(chan struct{})
	go func() {
		lease, err := p.Checkout(2)
		require.NoError(t, err)
		lease.Release()
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("checkout proceeded while blockaded")
	case <-time.After(50 * time.Millisecond):
	}

	p.Unblockade()
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("checkout did not resume after unblockade")
	}
}

func TestCloseWaitsForLeases(t *testing.T) {
	p := newTestPool(t)

	lease, err := p.Checkout(1)
	require.NoError(t, err)

	var closedAt atomic.Int64
	var observed atomic.Int32
	done := make(chan struct{})
	go func() {
		p.Close(func() {
			closedAt.Store(time.Now().UnixNano())
			observed.Store(int32(p.OpenedHandleCount()))
		})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("close returned while a lease was outstanding")
	default:
	}

	releasedAt := time.Now().UnixNano()
	lease.Release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close did not finish after release")
	}

	require.GreaterOrEqual(t, closedAt.Load(), releasedAt)
	require.Equal(t, int32(0), observed.Load())

	// Pool reopens lazily after close.
	lease2, err := p.Checkout(1)
	require.NoError(t, err)
	lease2.Release()
}

func TestPurgeFinalizesIdleOnly(t *testing.T) {
	p := newTestPool(t)
	defer p.Close(nil)

	held, err := p.Checkout(1)
	require.NoError(t, err)
	idle, err := p.Checkout(2)
	require.NoError(t, err)
	idle.Release()
	require.Equal(t, 2, p.OpenedHandleCount())

	p.Purge()
	require.Equal(t, 1, p.OpenedHandleCount())

	// The held handle is finalized on its next checkin.
	held.Release()
	require.Equal(t, 0, p.OpenedHandleCount())
}

func TestConfigAppliedOncePerHandle(t *testing.T) {
	p := newTestPool(t)
	defer p.Close(nil)

	var invokes atomic.Int32
	p.Chain().Set("probe", func(*Handle) error {
		invokes.Add(1)
		return nil
	}, nil, PriorityDefault)

	for i := 0; i < 3; i++ {
		lease, err := p.Checkout(uint64(i))
		require.NoError(t, err)
		lease.Release()
	}
	require.Equal(t, int32(1), invokes.Load())
}

func TestConcurrentCheckouts(t *testing.T) {
	p := newTestPool(t)
	defer p.Close(nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(token uint64) {
			defer wg.Done()
			lease, err := p.Checkout(token)
			if err != nil {
				t.Error(err)
				return
			}
			_, err = lease.Handle().Exec("SELECT 1")
			if err != nil {
				t.Error(err)
			}
			lease.Release()
		}(uint64(i))
	}
	wg.Wait()
}

func TestSharedPoolRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")

	p1 := AcquirePool(path)
	p2 := AcquirePool(path)
	require.Same(t, p1, p2)

	lease, err := p1.Checkout(1)
	require.NoError(t, err)
	lease.Release()

	ReleasePool(path)
	require.True(t, p1.IsOpened())
	ReleasePool(path)
	require.False(t, p1.IsOpened())
}

func TestObserverFanOutAndRemoval(t *testing.T) {
	p := newTestPool(t)
	defer p.Close(nil)

	var first, second atomic.Int32
	id1 := p.AddWriteObserver(func() { first.Add(1) })
	id2 := p.AddWriteObserver(func() { second.Add(1) })

	p.NotifyWrite()
	require.Equal(t, int32(1), first.Load())
	require.Equal(t, int32(1), second.Load())

	// Removing one observer must not silence the other.
	p.RemoveWriteObserver(id1)
	p.NotifyWrite()
	require.Equal(t, int32(1), first.Load())
	require.Equal(t, int32(2), second.Load())
	p.RemoveWriteObserver(id2)

	obsID := p.AddCorruptionObserver(func(string, *Error) {})
	p.RemoveCorruptionObserver(obsID)
}

func TestErrorStoreRetention(t *testing.T) {
	s := NewErrorStore()
	require.Nil(t, s.Last())

	e1 := &Error{Code: CodeBusy, Message: "busy"}
	e2 := &Error{Code: CodeConstraint, Message: "constraint"}
	s.Record(1, e1)
	s.Record(2, e2)

	require.Same(t, e2, s.Last())
	require.Same(t, e1, s.ForToken(1))
	require.Same(t, e2, s.ForToken(2))
	require.Nil(t, s.ForToken(99))
}
