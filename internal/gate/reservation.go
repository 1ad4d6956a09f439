package gate

import (
	"context"
	"sync"
)

// A Reservation holds units admitted by a gate until it is closed. It
// gives callers a single handle to release on every exit path.
type Reservation struct {
	mu        sync.Mutex
	g         *Gate
	remaining int
	closed    bool
}

// Reserve enters g with weight n and returns the admitted units as a
// Reservation.
func Reserve(ctx context.Context, g *Gate, n int) (*Reservation, error) {
	if err := g.Enter(ctx, n); err != nil {
		return nil, err
	}
	return &Reservation{g: g, remaining: n}, nil
}

// Release returns up to n units early. It never returns more than the
// reservation holds.
func (r *Reservation) Release(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n = min(n, r.remaining)
	if r.closed || n <= 0 {
		return
	}
	r.remaining -= n
	r.g.Release(n)
}

// Remaining returns the number of units still held.
func (r *Reservation) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remaining
}

// Close releases all remaining units. Only the first call has an effect.
func (r *Reservation) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	if r.remaining > 0 {
		r.g.Release(r.remaining)
		r.remaining = 0
	}
}
