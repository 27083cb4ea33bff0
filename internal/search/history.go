package search

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Evaluate calls f at x, bounding the call by timeout when it is positive.
// A NaN residual is reported as an error since it cannot order the bracket.
func Evaluate(ctx context.Context, f ResidualFunction, x float64, timeout time.Duration) (float64, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	fx, err := f(ctx, x)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(fx) {
		return 0, fmt.Errorf("residual is NaN at x=%g", x)
	}
	return fx, nil
}

// History is a concurrency-safe log of evaluations. Searchers append to it
// while status handlers read snapshots.
type History struct {
	mu    sync.RWMutex
	evals []Evaluation
}

// Add appends evaluations in order.
func (h *History) Add(evals ...Evaluation) {
	h.mu.Lock()
	h.evals = append(h.evals, evals...)
	h.mu.Unlock()
}

// Snapshot returns a copy of the recorded evaluations.
func (h *History) Snapshot() []Evaluation {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Evaluation, len(h.evals))
	copy(out, h.evals)
	return out
}

// Len returns the number of recorded evaluations.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.evals)
}

// Reset drops all recorded evaluations.
func (h *History) Reset() {
	h.mu.Lock()
	h.evals = nil
	h.mu.Unlock()
}
