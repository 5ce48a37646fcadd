package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// blockingBackend counts concurrent Generate calls and blocks each one
// until released.
type blockingBackend struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	release  chan struct{}
}

func newBlockingBackend() *blockingBackend {
	return &blockingBackend{release: make(chan struct{})}
}

func (b *blockingBackend) Generate(ctx context.Context, _ string, _ int) (string, error) {
	n := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		peak := b.peak.Load()
		if n <= peak || b.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	select {
	case <-b.release:
		return "ok", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *blockingBackend) Score(context.Context, string, []string) ([][]float64, error) {
	return nil, errors.New("not implemented")
}

func newPool(n int, b *blockingBackend) *Pool {
	slots := make([]*Slot, n)
	for i := range slots {
		slots[i] = &Slot{ID: i, Backend: b}
	}
	return New(slots)
}

func TestLeaseImmediateWhenIdle(t *testing.T) {
	p := newPool(2, newBlockingBackend())
	require.Equal(t, 2, p.Size())
	require.Equal(t, 2, p.Idle())

	s, err := p.Lease(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, p.Idle())

	p.Release(s)
	require.Equal(t, 2, p.Idle())
}

func TestConcurrencyBound(t *testing.T) {
	// p*t = 3 slots; the 4th concurrent request must wait for a release.
	backend := newBlockingBackend()
	p := newPool(3, backend)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.Lease(context.Background())
			require.NoError(t, err)
			defer p.Release(s)
			_, _ = s.Backend.Generate(context.Background(), "", 0)
		}()
	}

	// Let three requests occupy all slots.
	require.Eventually(t, func() bool {
		return backend.inFlight.Load() == 3
	}, time.Second, time.Millisecond)

	// The fourth stays queued for a slot.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(3), backend.inFlight.Load())
	require.Equal(t, 0, p.Idle())

	close(backend.release)
	wg.Wait()

	require.Equal(t, int32(3), backend.peak.Load(), "never more in-flight calls than slots")
	require.Equal(t, 3, p.Idle())
}

func TestFIFOFairness(t *testing.T) {
	p := newPool(1, newBlockingBackend())

	held, err := p.Lease(context.Background())
	require.NoError(t, err)

	const waiters = 5
	var mu sync.Mutex
	var served []int
	ready := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Serialize arrival so arrival order is well-defined.
			<-ready
			s, err := p.Lease(context.Background())
			require.NoError(t, err)
			mu.Lock()
			served = append(served, i)
			mu.Unlock()
			p.Release(s)
		}(i)
		// Hand the token to exactly one goroutine, then wait until it is
		// parked in Lease before admitting the next.
		ready <- struct{}{}
		require.Eventually(t, func() bool {
			p.mu.Lock()
			defer p.mu.Unlock()
			return len(p.waiters) == i+1
		}, time.Second, time.Millisecond)
	}

	p.Release(held)
	wg.Wait()

	require.Equal(t, []int{0, 1, 2, 3, 4}, served, "waiters are served in arrival order")
}

func TestLeaseContextCancelled(t *testing.T) {
	p := newPool(1, newBlockingBackend())

	held, err := p.Lease(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Lease(ctx)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.waiters) == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// The cancelled waiter left the queue; the slot is not handed to it.
	p.Release(held)
	require.Equal(t, 1, p.Idle())
}

func TestSlotReusableAfterFailure(t *testing.T) {
	// A failed request releases its slot like any other; the next request
	// leases the same slot.
	p := newPool(1, nil)

	s1, err := p.Lease(context.Background())
	require.NoError(t, err)
	// Simulate a backend failure during the lease, then release.
	p.Release(s1)

	s2, err := p.Lease(context.Background())
	require.NoError(t, err)
	require.Same(t, s1, s2)
	p.Release(s2)
}
