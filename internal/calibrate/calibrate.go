// Package calibrate finds the encoder lambda that hits a target size or
// rate. It composes the memoized encoder measure with a bracketing search.
package calibrate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/copyleftdev/ratefit/internal/encoder"
	"github.com/copyleftdev/ratefit/internal/memo"
	"github.com/copyleftdev/ratefit/internal/search"
	"github.com/copyleftdev/ratefit/internal/search/bisect"
	"github.com/copyleftdev/ratefit/internal/search/multisect"
)

// Method selects the search algorithm.
type Method string

const (
	// MethodAuto uses multisection when more than one thread is requested.
	MethodAuto      Method = ""
	MethodBisect    Method = "bisect"
	MethodMultisect Method = "multisect"
)

// ParseMethod accepts "", "auto", "bisect" or "multisect".
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(s)); m {
	case MethodAuto, "auto":
		return MethodAuto, nil
	case MethodBisect, MethodMultisect:
		return m, nil
	default:
		return "", fmt.Errorf("unknown search method %q", s)
	}
}

// Lambda range searched when a request leaves the interval empty.
const (
	DefaultLower = 0
	DefaultUpper = 200000
)

// Request describes one calibration run. Targets are processed in order and
// share the memo, so later targets reuse earlier measurements.
type Request struct {
	Targets   []float64     `json:"targets"`
	Lower     float64       `json:"lower"`
	Upper     float64       `json:"upper"`
	Threads   int           `json:"threads"`
	Tolerance float64       `json:"tolerance"`
	MaxRounds int           `json:"max_rounds"`
	Method    Method        `json:"method"`
	Timeout   time.Duration `json:"-"`

	// Called after every completed round, may be nil
	OnProgress func(Progress) `json:"-"`
}

// Progress reports one completed round of one target.
type Progress struct {
	TargetIndex int             `json:"target_index"`
	Target      float64         `json:"target"`
	Round       int             `json:"round"`
	Interval    search.Interval `json:"interval"`
}

// TargetResult is the calibrated lambda for one target.
type TargetResult struct {
	Target      float64         `json:"target"`
	Lambda      float64         `json:"lambda"`
	Measured    float64         `json:"measured"`
	Residual    float64         `json:"residual"`
	Reason      search.Reason   `json:"reason"`
	Rounds      int             `json:"rounds"`
	Interval    search.Interval `json:"interval"`
	Evaluations int             `json:"evaluations"`
}

// Result collects the outcome of a Request.
type Result struct {
	Method  Method         `json:"method"`
	Targets []TargetResult `json:"targets"`
	Cache   memo.Stats     `json:"cache"`
	Elapsed time.Duration  `json:"elapsed"`
}

// Observer receives evaluation and round events, typically metrics.
type Observer interface {
	ObserveEvaluation(d time.Duration, err error)
	Round(method string)
}

type nopObserver struct{}

func (nopObserver) ObserveEvaluation(time.Duration, error) {}
func (nopObserver) Round(string)                           {}

// Option configures a Calibrator.
type Option func(*Calibrator)

// WithMemo sets the memoizer caching raw encoder measurements.
func WithMemo(m *memo.Memoizer) Option {
	return func(c *Calibrator) { c.memo = m }
}

// WithRate sets the unit the targets are expressed in.
func WithRate(r encoder.Rate) Option {
	return func(c *Calibrator) { c.rate = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Calibrator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(c *Calibrator) {
		if o != nil {
			c.observer = o
		}
	}
}

// Calibrator searches lambda for targets over a memoized measure.
type Calibrator struct {
	memo     *memo.Memoizer
	rate     encoder.Rate
	logger   *zap.Logger
	observer Observer

	// measure returns values in the rate unit, through the memo
	measure encoder.MeasureFunc
}

// New creates a Calibrator over raw, a measure returning the encoded size in
// bytes. Without WithMemo, measurements are cached in memory only.
func New(raw encoder.MeasureFunc, opts ...Option) *Calibrator {
	c := &Calibrator{
		rate:     encoder.Rate{Unit: encoder.UnitBytes},
		logger:   zap.NewNop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.memo == nil {
		c.memo = memo.New(memo.NewMemoryStore(), memo.WithLogger(c.logger))
	}

	observed := func(ctx context.Context, lambda float64) (float64, error) {
		start := time.Now()
		v, err := raw(ctx, lambda)
		c.observer.ObserveEvaluation(time.Since(start), err)
		return v, err
	}
	c.measure = c.rate.Apply(encoder.MeasureFunc(c.memo.Wrap(observed)))
	return c
}

// Memo returns the memoizer backing the calibrator.
func (c *Calibrator) Memo() *memo.Memoizer { return c.memo }

// Rate returns the unit targets are expressed in.
func (c *Calibrator) Rate() encoder.Rate { return c.rate }

// Measure evaluates lambda through the memo in the rate unit.
func (c *Calibrator) Measure(ctx context.Context, lambda float64) (float64, error) {
	return c.measure(ctx, lambda)
}

// normalize applies defaults and validates the request.
func (r Request) normalize() (Request, error) {
	if len(r.Targets) == 0 {
		return r, search.NewError("at least one target is required").WithOperation("Request.normalize")
	}
	if r.Lower == 0 && r.Upper == 0 {
		r.Lower, r.Upper = DefaultLower, DefaultUpper
	}
	if r.Lower > r.Upper {
		return r, search.NewErrorf("invalid interval [%g, %g]", r.Lower, r.Upper).WithOperation("Request.normalize")
	}
	if r.Threads < 0 {
		return r, search.NewErrorf("invalid thread count %d", r.Threads).WithOperation("Request.normalize")
	}
	if r.Threads == 0 {
		r.Threads = search.DefaultThreads
	}
	if r.Tolerance <= 0 {
		r.Tolerance = search.DefaultTolerance
	}
	if r.MaxRounds <= 0 {
		r.MaxRounds = search.DefaultMaxRounds
	}
	if r.Method == MethodAuto {
		r.Method = MethodBisect
		if r.Threads > 1 {
			r.Method = MethodMultisect
		}
	}
	return r, nil
}

// Validate reports whether the request would be accepted by Calibrate.
func (r Request) Validate() error {
	_, err := r.normalize()
	return err
}

func (c *Calibrator) searcher(method Method) search.Searcher {
	if method == MethodMultisect {
		return multisect.NewMultisector(search.Config{}, c.logger)
	}
	return bisect.NewBisector(search.Config{}, c.logger)
}

// Calibrate runs the request. On failure the targets calibrated so far are
// returned along with the error.
func (c *Calibrator) Calibrate(ctx context.Context, req Request) (*Result, error) {
	req, err := req.normalize()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res := &Result{Method: req.Method}
	defer func() {
		res.Cache = c.memo.Stats()
		res.Elapsed = time.Since(start)
	}()

	for i, target := range req.Targets {
		c.logger.Info("Calibrating target",
			zap.Int("index", i),
			zap.Float64("target", target),
			zap.String("method", string(req.Method)),
			zap.Int("threads", req.Threads),
		)

		tr, err := c.calibrateTarget(ctx, req, i, target)
		if err != nil {
			return res, fmt.Errorf("target %g: %w", target, err)
		}
		res.Targets = append(res.Targets, *tr)

		c.logger.Info("Target calibrated",
			zap.Float64("target", target),
			zap.Float64("lambda", tr.Lambda),
			zap.Float64("measured", tr.Measured),
			zap.String("reason", string(tr.Reason)),
			zap.Int("rounds", tr.Rounds),
		)
	}
	return res, nil
}

func (c *Calibrator) calibrateTarget(ctx context.Context, req Request, index int, target float64) (*TargetResult, error) {
	cfg := search.Config{
		Residual:    encoder.Residual(target, c.measure),
		Interval:    search.Interval{Lower: req.Lower, Upper: req.Upper},
		Tolerance:   req.Tolerance,
		Threads:     req.Threads,
		MaxRounds:   req.MaxRounds,
		EvalTimeout: req.Timeout,
		OnRound: func(r search.RoundReport) {
			c.observer.Round(string(req.Method))
			if req.OnProgress != nil {
				req.OnProgress(Progress{TargetIndex: index, Target: target, Round: r.Round, Interval: r.Interval})
			}
		},
	}

	sr, err := c.searcher(req.Method).Search(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &TargetResult{
		Target:      target,
		Lambda:      sr.X,
		Measured:    target - sr.Residual,
		Residual:    sr.Residual,
		Reason:      sr.Reason,
		Rounds:      sr.Rounds,
		Interval:    sr.Interval,
		Evaluations: len(sr.History),
	}, nil
}

// Prefill measures lambdas through the memo with up to threads concurrent
// encoder runs, warming the cache for later calibrations.
func (c *Calibrator) Prefill(ctx context.Context, lambdas []float64, threads int) error {
	if threads < 1 {
		threads = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(threads)
	for _, lambda := range lambdas {
		lambda := lambda
		g.Go(func() error {
			if _, err := c.measure(gctx, lambda); err != nil {
				return fmt.Errorf("prefill lambda=%g: %w", lambda, err)
			}
			return nil
		})
	}
	return g.Wait()
}
