package gate_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cryptdrive/drivedl/internal/gate"
	rtest "github.com/cryptdrive/drivedl/internal/test"
	"golang.org/x/sync/errgroup"
)

func newGate(t testing.TB, max int) *gate.Gate {
	g, err := gate.New(max)
	rtest.OK(t, err)
	return g
}

// waitQueued blocks until n callers wait in g.
func waitQueued(t testing.TB, g *gate.Gate, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for g.Waiting() != n {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d queued callers, have %d", n, g.Waiting())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewInvalid(t *testing.T) {
	for _, max := range []int{0, -1} {
		_, err := gate.New(max)
		rtest.Assert(t, err != nil, "expected error for max %d", max)
	}
}

func TestOvershoot(t *testing.T) {
	g := newGate(t, 3)
	ctx := context.Background()

	rtest.OK(t, g.Enter(ctx, 2))
	rtest.Equals(t, 2, g.Count())

	// admitted because 2 < 3 before the increment
	rtest.OK(t, g.Enter(ctx, 10))
	rtest.Equals(t, 12, g.Count())

	rtest.Assert(t, !g.TryEnter(1), "gate above max must not admit")

	g.Release(12)
	rtest.Equals(t, 0, g.Count())
}

func TestReleaseFloorsAtZero(t *testing.T) {
	g := newGate(t, 1)
	rtest.OK(t, g.Enter(context.Background(), 1))
	g.Release(5)
	rtest.Equals(t, 0, g.Count())
	rtest.Assert(t, g.TryEnter(1), "gate should admit after release")
}

func TestFIFOOrder(t *testing.T) {
	g := newGate(t, 1)
	ctx := context.Background()

	rtest.OK(t, g.Enter(ctx, 1))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	// the third request is larger than the capacity and still waits its turn
	for i, n := range []int{1, 1, 5, 1} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rtest.OK(t, g.Enter(ctx, n))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}()
		waitQueued(t, g, i+1)
	}

	for i := 0; i < 4; i++ {
		g.Release(g.Count())
		for {
			mu.Lock()
			done := len(order) == i+1
			mu.Unlock()
			if done {
				break
			}
			time.Sleep(time.Millisecond)
		}
		rtest.Equals(t, 3-i, g.Waiting())
	}

	wg.Wait()
	rtest.Equals(t, []int{0, 1, 2, 3}, order)
}

func TestSecondWaitsWhileFirstHolds(t *testing.T) {
	g := newGate(t, 1)
	ctx := context.Background()

	rtest.OK(t, g.Enter(ctx, 1))

	admitted := make(chan struct{})
	go func() {
		rtest.OK(t, g.Enter(ctx, 1))
		close(admitted)
	}()
	waitQueued(t, g, 1)

	select {
	case <-admitted:
		t.Fatal("second caller admitted while first holds the unit")
	case <-time.After(20 * time.Millisecond):
	}

	g.Release(1)
	<-admitted
	rtest.Equals(t, 1, g.Count())
}

func TestReleaseWakesSeveral(t *testing.T) {
	g := newGate(t, 3)
	ctx := context.Background()

	rtest.OK(t, g.Enter(ctx, 3))

	var eg errgroup.Group
	for i := 0; i < 3; i++ {
		eg.Go(func() error { return g.Enter(ctx, 1) })
		waitQueued(t, g, i+1)
	}

	g.Release(3)
	rtest.OK(t, eg.Wait())
	rtest.Equals(t, 3, g.Count())
	rtest.Equals(t, 0, g.Waiting())
}

func TestTryEnterDoesNotJumpQueue(t *testing.T) {
	g := newGate(t, 2)
	ctx := context.Background()

	rtest.OK(t, g.Enter(ctx, 2))

	done := make(chan error, 1)
	go func() { done <- g.Enter(ctx, 2) }()
	waitQueued(t, g, 1)

	g.Release(1)
	// the queued request is admitted first and overshoots
	rtest.OK(t, <-done)
	rtest.Equals(t, 3, g.Count())
	rtest.Assert(t, !g.TryEnter(1), "TryEnter must fail while gate is full")
}

func TestCancelWhileQueued(t *testing.T) {
	g := newGate(t, 1)
	rtest.OK(t, g.Enter(context.Background(), 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Enter(ctx, 1) }()
	waitQueued(t, g, 1)

	cancel()
	rtest.ErrorIs(t, <-done, context.Canceled)
	rtest.Equals(t, 0, g.Waiting())
	rtest.Equals(t, 1, g.Count())

	g.Release(1)
	rtest.Equals(t, 0, g.Count())
}

func TestEnterCancelledContext(t *testing.T) {
	g := newGate(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// a free gate admits regardless of the context
	rtest.OK(t, g.Enter(ctx, 1))

	rtest.ErrorIs(t, g.Enter(ctx, 1), context.Canceled)
	rtest.Equals(t, 0, g.Waiting())
}

func TestCancelRaceKeepsCount(t *testing.T) {
	g := newGate(t, 2)

	for i := 0; i < 200; i++ {
		rtest.OK(t, g.Enter(context.Background(), 2))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- g.Enter(ctx, 1) }()
		waitQueued(t, g, 1)

		go cancel()
		g.Release(2)

		if err := <-done; err == nil {
			g.Release(1)
		}
		rtest.Equals(t, 0, g.Count())
		cancel()
	}
}

func TestReservation(t *testing.T) {
	g := newGate(t, 2)

	r, err := gate.Reserve(context.Background(), g, 5)
	rtest.OK(t, err)
	rtest.Equals(t, 5, g.Count())

	r.Release(2)
	rtest.Equals(t, 3, r.Remaining())
	rtest.Equals(t, 3, g.Count())

	// never releases more than it holds
	r.Release(10)
	rtest.Equals(t, 0, r.Remaining())
	rtest.Equals(t, 0, g.Count())

	r.Close()
	r.Close()
	rtest.Equals(t, 0, g.Count())
}

func TestReservationCloseOnce(t *testing.T) {
	g := newGate(t, 1)

	r, err := gate.Reserve(context.Background(), g, 1)
	rtest.OK(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Close()
		}()
	}
	wg.Wait()
	rtest.Equals(t, 0, g.Count())
}
