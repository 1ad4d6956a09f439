// Package gate implements a weighted admission gate with FIFO wakeup.
//
// A caller is admitted when the current count is below the maximum before
// its increment is added, so a single admission may push the count above
// the maximum. This allows a caller to reserve capacity for a whole batch
// of operations in one step. Waiters are admitted strictly in arrival
// order, regardless of the size of their request.
package gate

import (
	"container/list"
	"context"
	"sync"

	"github.com/cryptdrive/drivedl/internal/debug"
	"github.com/cryptdrive/drivedl/internal/errors"
)

// A Gate limits concurrent access to a shared resource.
type Gate struct {
	mu      sync.Mutex
	count   int
	max     int
	waiters list.List
}

type waiter struct {
	n     int
	ready chan struct{}
}

// New returns a gate that admits callers while the count is below max.
func New(max int) (*Gate, error) {
	if max <= 0 {
		return nil, errors.New("capacity must be a positive number")
	}
	return &Gate{max: max}, nil
}

// Enter blocks until the caller is admitted with weight n or ctx is
// cancelled. A cancelled caller leaves the count unchanged.
func (g *Gate) Enter(ctx context.Context, n int) error {
	if n < 0 {
		return errors.Errorf("invalid increment %d", n)
	}

	g.mu.Lock()
	if g.count < g.max && g.waiters.Len() == 0 {
		g.count += n
		g.mu.Unlock()
		return nil
	}

	if err := ctx.Err(); err != nil {
		g.mu.Unlock()
		return err
	}

	w := waiter{n: n, ready: make(chan struct{})}
	elem := g.waiters.PushBack(w)
	debug.Log("queued request for %d, count %d/%d, %d waiting", n, g.count, g.max, g.waiters.Len())
	g.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		select {
		case <-w.ready:
			// admitted concurrently with the cancellation, give it back
			g.mu.Unlock()
			g.Release(n)
		default:
			g.waiters.Remove(elem)
			g.mu.Unlock()
		}
		return ctx.Err()
	}
}

// TryEnter admits the caller with weight n if that is possible without
// blocking. It never overtakes queued waiters.
func (g *Gate) TryEnter(n int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.count < g.max && g.waiters.Len() == 0 {
		g.count += n
		return true
	}
	return false
}

// Release returns n units to the gate and admits queued waiters in arrival
// order while the count is below the maximum.
func (g *Gate) Release(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.count -= n
	if g.count < 0 {
		debug.Log("released %d units, count dropped below zero", n)
		g.count = 0
	}

	for g.count < g.max {
		front := g.waiters.Front()
		if front == nil {
			break
		}
		w := g.waiters.Remove(front).(waiter)
		g.count += w.n
		close(w.ready)
	}
}

// Count returns the number of units currently admitted.
func (g *Gate) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// Max returns the capacity of the gate.
func (g *Gate) Max() int {
	return g.max
}

// Waiting returns the number of queued callers.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters.Len()
}
