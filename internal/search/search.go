package search

import (
	"context"
	"time"
)

// Searcher defines the interface for bracketing root finders
type Searcher interface {
	// Search narrows the configured interval until the residual is within tolerance
	Search(ctx context.Context, config Config) (*Result, error)

	// GetHistory returns the evaluations performed so far
	GetHistory() []Evaluation

	// Stop cancels a running search
	Stop()
}

// ResidualFunction is the function whose root is sought, usually
// target - measure(x). A negative residual means x is too small and the lower
// bound moves up, so the searchers converge when the residual is
// approximately non-decreasing in x (measure non-increasing).
type ResidualFunction func(ctx context.Context, x float64) (float64, error)

// Interval is the bracket [Lower, Upper] believed to contain the root.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Width returns Upper - Lower.
func (iv Interval) Width() float64 {
	return iv.Upper - iv.Lower
}

// Config contains configuration for a search
type Config struct {
	// Residual function to find a root of
	Residual ResidualFunction

	// Initial bracket
	Interval Interval

	// Absolute tolerance on |f(x)|; zero or negative means DefaultTolerance
	Tolerance float64

	// Number of points evaluated concurrently per round (multisection only)
	Threads int

	// Maximum number of rounds before giving up with ErrDidNotConverge
	MaxRounds int

	// Deadline for a single evaluation; zero disables it
	EvalTimeout time.Duration

	// Called after every completed round, may be nil
	OnRound func(RoundReport)
}

// Default values applied by Normalize. DefaultMaxRounds lets bisection run
// until the bracket stops shrinking in float64 on any finite interval, so a
// target outside the bracket ends as degenerate rather than not converged.
const (
	DefaultTolerance = 1e-6
	DefaultMaxRounds = 2200
	DefaultThreads   = 1
)

// Normalize fills zero values with defaults and validates the bracket.
func (c Config) Normalize() (Config, error) {
	if c.Residual == nil {
		return c, NewError("residual function is required").WithOperation("Config.Normalize")
	}
	if c.Interval.Lower > c.Interval.Upper {
		return c, NewErrorf("invalid interval [%g, %g]: lower bound exceeds upper bound",
			c.Interval.Lower, c.Interval.Upper).WithOperation("Config.Normalize")
	}
	if c.Tolerance <= 0 {
		c.Tolerance = DefaultTolerance
	}
	if c.MaxRounds < 1 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.Threads < 1 {
		c.Threads = DefaultThreads
	}
	return c, nil
}

// Evaluation records a single evaluation of the residual function
type Evaluation struct {
	Round    int     `json:"round"`
	X        float64 `json:"x"`
	Residual float64 `json:"residual"`
}

// RoundReport summarizes one completed round.
type RoundReport struct {
	Round       int      `json:"round"`
	Interval    Interval `json:"interval"`
	Evaluations int      `json:"evaluations"`
}

// Reason tells why a search stopped.
type Reason string

const (
	// ReasonConverged means |f(x)| <= tolerance.
	ReasonConverged Reason = "converged"
	// ReasonDegenerate means the candidate collapsed onto a bracket bound
	// before the tolerance was met (floating point stagnation or a
	// non-monotonic residual).
	ReasonDegenerate Reason = "degenerate"
)

// Result contains the outcome of a search
type Result struct {
	X        float64      `json:"x"`
	Residual float64      `json:"residual"`
	Reason   Reason       `json:"reason"`
	Rounds   int          `json:"rounds"`
	Interval Interval     `json:"interval"`
	History  []Evaluation `json:"history,omitempty"`
}

// Converged reports whether the result met the tolerance.
func (r *Result) Converged() bool {
	return r != nil && r.Reason == ReasonConverged
}
