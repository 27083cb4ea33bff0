// Package bisect implements classic single-point bisection over a scalar bracket.
package bisect

import (
	"context"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/copyleftdev/ratefit/internal/search"
)

const component = "bisect"

// Bisector narrows [a, b] by evaluating one midpoint per round.
type Bisector struct {
	// Configuration
	config search.Config

	// Logger for structured logging
	logger *zap.Logger

	// Evaluations performed by the current search
	history search.History

	// For cancellation
	mu     sync.Mutex
	cancel context.CancelFunc
}

var _ search.Searcher = (*Bisector)(nil)

// NewBisector creates a new Bisector. A nil logger disables logging.
func NewBisector(config search.Config, logger *zap.Logger) *Bisector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bisector{
		config: config,
		logger: logger.Named(component),
	}
}

// Search runs bisection. A negative residual moves the lower bound up,
// anything else moves the upper bound down.
// When the midpoint equals the bound it would replace, the bracket can no
// longer shrink and the midpoint is returned with ReasonDegenerate.
func (b *Bisector) Search(ctx context.Context, config search.Config) (*search.Result, error) {
	// Update config if provided
	if config.Residual != nil {
		b.config = config
	}
	cfg, err := b.config.Normalize()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	b.setCancel(cancel)
	defer cancel()

	b.history.Reset()
	iv := cfg.Interval

	b.logger.Debug("Starting bisection",
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

		x := (iv.Lower + iv.Upper) / 2

		fx, err := search.Evaluate(ctx, cfg.Residual, x, cfg.EvalTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, search.EvaluationError(component, x, err)
		}
		b.history.Add(search.Evaluation{Round: round, X: x, Residual: fx})

		b.logger.Debug("Evaluated midpoint",
			zap.Int("round", round),
			zap.Float64("x", x),
			zap.Float64("residual", fx),
		)

		if math.Abs(fx) <= cfg.Tolerance {
			return b.result(x, fx, search.ReasonConverged, round, iv), nil
		}

		if fx < 0 {
			if x == iv.Lower {
				return b.result(x, fx, search.ReasonDegenerate, round, iv), nil
			}
			iv.Lower = x
		} else {
			if x == iv.Upper {
				return b.result(x, fx, search.ReasonDegenerate, round, iv), nil
			}
			iv.Upper = x
		}

		if cfg.OnRound != nil {
			cfg.OnRound(search.RoundReport{Round: round, Interval: iv, Evaluations: 1})
		}
	}

	return nil, search.NotConvergedError(component, cfg.MaxRounds, iv)
}

func (b *Bisector) result(x, fx float64, reason search.Reason, rounds int, iv search.Interval) *search.Result {
	b.logger.Info("Bisection finished",
		zap.Float64("x", x),
		zap.Float64("residual", fx),
		zap.String("reason", string(reason)),
		zap.Int("rounds", rounds),
	)
	return &search.Result{
		X:        x,
		Residual: fx,
		Reason:   reason,
		Rounds:   rounds,
		Interval: iv,
		History:  b.history.Snapshot(),
	}
}

// GetHistory returns the evaluations of the current or last search
func (b *Bisector) GetHistory() []search.Evaluation {
	return b.history.Snapshot()
}

// Stop cancels a running search
func (b *Bisector) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *Bisector) setCancel(cancel context.CancelFunc) {
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
}

// Bisect finds x in [a, b] with |f(x)| <= tolerance, or the point where the
// bracket stopped shrinking. A tolerance <= 0 means search.DefaultTolerance,
// not an exact root.
func Bisect(ctx context.Context, a, b float64, f search.ResidualFunction, tolerance float64) (float64, error) {
	res, err := NewBisector(search.Config{}, nil).Search(ctx, search.Config{
		Residual:  f,
		Interval:  search.Interval{Lower: a, Upper: b},
		Tolerance: tolerance,
	})
	if err != nil {
		return 0, err
	}
	return res.X, nil
}
