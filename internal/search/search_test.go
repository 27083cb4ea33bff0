package search

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identity(_ context.Context, x float64) (float64, error) { return x, nil }

func TestConfigNormalize(t *testing.T) {
	cfg, err := Config{Residual: identity, Interval: Interval{Lower: 0, Upper: 1}}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, DefaultTolerance, cfg.Tolerance)
	assert.Equal(t, DefaultMaxRounds, cfg.MaxRounds)
	assert.Equal(t, DefaultThreads, cfg.Threads)

	_, err = Config{Interval: Interval{Lower: 0, Upper: 1}}.Normalize()
	assert.Error(t, err)

	_, err = Config{Residual: identity, Interval: Interval{Lower: 2, Upper: 1}}.Normalize()
	se, ok := IsSearchError(err)
	require.True(t, ok)
	assert.Equal(t, "Config.Normalize", se.Op)

	// A point interval is valid and terminates as degenerate in the searchers.
	_, err = Config{Residual: identity, Interval: Interval{Lower: 3, Upper: 3}}.Normalize()
	assert.NoError(t, err)
}

func TestEvaluate(t *testing.T) {
	fx, err := Evaluate(context.Background(), identity, 4.5, 0)
	require.NoError(t, err)
	assert.Equal(t, 4.5, fx)

	nan := func(context.Context, float64) (float64, error) { return math.NaN(), nil }
	_, err = Evaluate(context.Background(), nan, 1, 0)
	assert.ErrorContains(t, err, "NaN")

	slow := func(ctx context.Context, _ float64) (float64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	_, err = Evaluate(context.Background(), slow, 1, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEvaluationError(t *testing.T) {
	cause := errors.New("exit status 2")
	err := EvaluationError("bisect", 1500, cause)

	assert.ErrorIs(t, err, ErrEvaluationFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "bisect: evaluate: evaluate x=1500: evaluation failed: exit status 2", err.Error())
	assert.Nil(t, EvaluationError("bisect", 1, nil))

	// Already marked failures are not wrapped twice.
	marked := EvaluationError("multisect", 2, err)
	assert.ErrorIs(t, marked, ErrEvaluationFailed)
	assert.Equal(t, 1, strings.Count(marked.Error(), ErrEvaluationFailed.Error()))
}

func TestNotConvergedError(t *testing.T) {
	err := NotConvergedError("multisect", 7, Interval{Lower: 1, Upper: 2})
	assert.ErrorIs(t, err, ErrDidNotConverge)
	assert.Contains(t, err.Error(), "after 7 rounds, bracket [1, 2]")
}

func TestHistory(t *testing.T) {
	var h History
	h.Add(Evaluation{Round: 1, X: 1}, Evaluation{Round: 1, X: 2})
	snap := h.Snapshot()
	require.Len(t, snap, 2)

	snap[0].X = 99
	assert.Equal(t, 1.0, h.Snapshot()[0].X)
	assert.Equal(t, 2, h.Len())

	h.Reset()
	assert.Zero(t, h.Len())
}

func TestResultConverged(t *testing.T) {
	var r *Result
	assert.False(t, r.Converged())
	assert.True(t, (&Result{Reason: ReasonConverged}).Converged())
	assert.False(t, (&Result{Reason: ReasonDegenerate}).Converged())
}
