// Package multisect implements a parallel generalization of bisection.
//
// Each round splits the bracket into Threads+1 equal sub-intervals and
// evaluates the Threads interior points concurrently. Results are scanned
// from left to right and the first one that settles the search wins; the
// remaining points only tighten the bracket for the next round.
package multisect

import (
	"context"
	"errors"
	"math"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/copyleftdev/ratefit/internal/search"
)

const component = "multisect"

// Multisector evaluates several interpolated points per round.
type Multisector struct {
	// Configuration
	config search.Config

	// Logger for structured logging
	logger *zap.Logger

	// Evaluations scanned so far, in scan order
	history search.History

	// For cancellation
	mu     sync.Mutex
	cancel context.CancelFunc
}

var _ search.Searcher = (*Multisector)(nil)

// NewMultisector creates a new Multisector. A nil logger disables logging.
func NewMultisector(config search.Config, logger *zap.Logger) *Multisector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multisector{
		config: config,
		logger: logger.Named(component),
	}
}

// Points returns n points evenly spaced strictly between a and b, at
// fractions 1/(n+1) through n/(n+1), in increasing order.
func Points(a, b float64, n int) []float64 {
	if n < 1 {
		return nil
	}
	span := floats.Span(make([]float64, n+2), a, b)
	return span[1 : n+1]
}

// Search runs multisection until a point is within tolerance, a point lands
// on a bracket bound, or MaxRounds is exhausted.
func (m *Multisector) Search(ctx context.Context, config search.Config) (*search.Result, error) {
	// Update config if provided
	if config.Residual != nil {
		m.config = config
	}
	cfg, err := m.config.Normalize()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	m.setCancel(cancel)
	defer cancel()

	m.history.Reset()
	iv := cfg.Interval

	m.logger.Debug("Starting multisection",
		zap.Int("threads", cfg.Threads),
		zap.Float64("lower", iv.Lower),
		zap.Float64("upper", iv.Upper),
		zap.Float64("tolerance", cfg.Tolerance),
		zap.Int("max_rounds", cfg.MaxRounds),
	)

	for round := 1; round <= cfg.MaxRounds; round++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		res, err := m.round(ctx, cfg, round, &iv)
		if err != nil {
			return nil, err
		}
		if res != nil {
			m.logger.Info("Multisection finished",
				zap.Float64("x", res.X),
				zap.Float64("residual", res.Residual),
				zap.String("reason", string(res.Reason)),
				zap.Int("rounds", res.Rounds),
			)
			return res, nil
		}

		m.logger.Debug("Round complete",
			zap.Int("round", round),
			zap.Float64("lower", iv.Lower),
			zap.Float64("upper", iv.Upper),
		)
		if cfg.OnRound != nil {
			cfg.OnRound(search.RoundReport{Round: round, Interval: iv, Evaluations: cfg.Threads})
		}
	}

	return nil, search.NotConvergedError(component, cfg.MaxRounds, iv)
}

// pointError remembers which point failed.
type pointError struct {
	x   float64
	err error
}

func (e *pointError) Error() string { return e.err.Error() }
func (e *pointError) Unwrap() error { return e.err }

// round evaluates one batch of points. It returns a non-nil result when the
// scan settles the search, and (nil, nil) when the bracket was only tightened.
//
// The scan consumes the longest prefix of finished points as results arrive,
// so the outcome is the same as scanning after a full barrier. Once the scan
// settles, evaluations still in flight to the right are cancelled and joined.
func (m *Multisector) round(ctx context.Context, cfg search.Config, round int, iv *search.Interval) (*search.Result, error) {
	xs := Points(iv.Lower, iv.Upper, cfg.Threads)
	fxs := make([]float64, len(xs))

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(rctx)
	g.SetLimit(cfg.Threads)

	done := make(chan int, len(xs))
	for i, x := range xs {
		i, x := i, x
		g.Go(func() error {
			fx, err := search.Evaluate(gctx, cfg.Residual, x, cfg.EvalTimeout)
			if err != nil {
				return &pointError{x: x, err: err}
			}
			fxs[i] = fx
			done <- i
			return nil
		})
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- g.Wait()
		close(done)
	}()

	ready := make([]bool, len(xs))
	scanned := make([]search.Evaluation, 0, len(xs))
	next := 0

	for i := range done {
		ready[i] = true
		for next < len(xs) && ready[next] {
			x, fx := xs[next], fxs[next]
			scanned = append(scanned, search.Evaluation{Round: round, X: x, Residual: fx})
			next++

			reason, settled := Step(x, fx, iv, cfg.Tolerance)
			if !settled {
				continue
			}

			cancel()
			<-waitErr
			m.history.Add(scanned...)
			return &search.Result{
				X:        x,
				Residual: fx,
				Reason:   reason,
				Rounds:   round,
				Interval: *iv,
				History:  m.history.Snapshot(),
			}, nil
		}
	}

	err := <-waitErr
	m.history.Add(scanned...)
	if err == nil {
		return nil, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var pe *pointError
	if errors.As(err, &pe) {
		return nil, search.EvaluationError(component, pe.x, pe.err)
	}
	return nil, search.EvaluationError(component, math.NaN(), err)
}

// Step applies one scanned point to the bracket. It reports settled=true when
// x ends the search: either |fx| <= tolerance, or x coincides with a bound of
// the bracket as updated by the points scanned before it.
//
// A residual of exactly zero that is still outside the tolerance lowers the
// upper bound, the same as any non-negative residual.
func Step(x, fx float64, iv *search.Interval, tolerance float64) (search.Reason, bool) {
	if math.Abs(fx) <= tolerance {
		return search.ReasonConverged, true
	}
	if x == iv.Lower || x == iv.Upper {
		return search.ReasonDegenerate, true
	}
	if fx < 0 && x > iv.Lower {
		iv.Lower = x
	} else if fx >= 0 && x < iv.Upper {
		iv.Upper = x
	}
	return "", false
}

// GetHistory returns the scanned evaluations of the current or last search
func (m *Multisector) GetHistory() []search.Evaluation {
	return m.history.Snapshot()
}

// Stop cancels a running search and its in-flight evaluations
func (m *Multisector) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Multisector) setCancel(cancel context.CancelFunc) {
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
}

// Multisect finds x in [a, b] with |f(x)| <= tolerance using threads
// concurrent evaluations per round. A tolerance <= 0 means
// search.DefaultTolerance, not an exact root.
func Multisect(ctx context.Context, a, b float64, f search.ResidualFunction, threads int, tolerance float64) (float64, error) {
	res, err := NewMultisector(search.Config{}, nil).Search(ctx, search.Config{
		Residual:  f,
		Interval:  search.Interval{Lower: a, Upper: b},
		Tolerance: tolerance,
		Threads:   threads,
	})
	if err != nil {
		return 0, err
	}
	return res.X, nil
}
