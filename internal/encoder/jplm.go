// Package encoder adapts an external light field encoder into the scalar
// measure the calibration searches: lambda in, encoded size or rate out.
package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/ratefit/internal/search"
)

// BinaryName is the encoder executable looked up inside the bin directory.
const BinaryName = "jpl-encoder-bin"

// Dimensions of a 4D light field: u, v are the view resolution, t, s the
// number of views.
type Dimensions struct {
	U int `json:"u"`
	V int `json:"v"`
	T int `json:"t"`
	S int `json:"s"`
}

// DefaultDimensions matches the 13x13 views of 625x434 lenslet datasets.
var DefaultDimensions = Dimensions{U: 625, V: 434, T: 13, S: 13}

// Pixels returns u*v*t*s.
func (d Dimensions) Pixels() int64 {
	return int64(d.U) * int64(d.V) * int64(d.T) * int64(d.S)
}

// Validate checks all dimensions are positive.
func (d Dimensions) Validate() error {
	if d.U <= 0 || d.V <= 0 || d.T <= 0 || d.S <= 0 {
		return fmt.Errorf("invalid light field dimensions %dx%dx%dx%d", d.U, d.V, d.T, d.S)
	}
	return nil
}

// Runner encodes the input at lambda and writes the result to output.
type Runner interface {
	Encode(ctx context.Context, lambda float64, output string) error
}

// ProcessError is returned when the encoder exits unsuccessfully. It matches
// search.ErrEvaluationFailed.
type ProcessError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", filepath.Base(e.Args[0]), e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Is reports ProcessError as an evaluation failure.
func (e *ProcessError) Is(target error) bool {
	return target == search.ErrEvaluationFailed
}

// JPLM runs the JPEG Pleno reference encoder in 4D transform mode.
type JPLM struct {
	// Directory containing jpl-encoder-bin
	BinDir string
	// Raw light field input
	Input string
	// Light field dimensions
	Dims Dimensions
	// Grace period between cancelling and abandoning the process I/O
	WaitDelay time.Duration

	Logger *zap.Logger
}

var _ Runner = (*JPLM)(nil)

// NewJPLM creates a JPLM runner with default dimensions.
func NewJPLM(binDir, input string, logger *zap.Logger) *JPLM {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JPLM{
		BinDir:    binDir,
		Input:     input,
		Dims:      DefaultDimensions,
		WaitDelay: 5 * time.Second,
		Logger:    logger.Named("jplm"),
	}
}

// FormatLambda renders lambda the same way everywhere it appears in file
// names and command lines.
func FormatLambda(lambda float64) string {
	return strconv.FormatFloat(lambda, 'g', -1, 64)
}

// Args returns the encoder command line for lambda, program name first.
func (j *JPLM) Args(lambda float64, output string) []string {
	itoa := strconv.Itoa
	return []string{
		filepath.Join(j.BinDir, BinaryName),
		"--show-progress-bar",
		"--show-runtime-statistics",
		"--part", "2",
		"--type", "0",
		"--enum-cs", "YCbCr_2",
		"-u", itoa(j.Dims.U),
		"-v", itoa(j.Dims.V),
		"-t", itoa(j.Dims.T),
		"-s", itoa(j.Dims.S),
		"-nc", "3",
		"--show-error-estimate",
		"--border_policy", "1",
		"--lambda", FormatLambda(lambda),
		"--transform_size_maximum_inter_view_vertical", "13",
		"--transform_size_maximum_inter_view_horizontal", "13",
		"--transform_size_maximum_intra_view_vertical", "31",
		"--transform_size_maximum_intra_view_horizontal", "31",
		"--transform_size_minimum_inter_view_vertical", "13",
		"--transform_size_minimum_inter_view_horizontal", "13",
		"--transform_size_minimum_intra_view_vertical", "4",
		"--transform_size_minimum_intra_view_horizontal", "4",
		"--input", j.Input,
		"--output", output,
	}
}

// Encode runs the encoder. Cancelling ctx kills the process.
func (j *JPLM) Encode(ctx context.Context, lambda float64, output string) error {
	args := j.Args(lambda, output)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.WaitDelay = j.WaitDelay

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pe := &ProcessError{Args: args, ExitCode: -1, Stderr: stderr.String(), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			pe.ExitCode = exitErr.ExitCode()
		}
		return pe
	}

	j.Logger.Debug("Encoded",
		zap.Float64("lambda", lambda),
		zap.String("output", output),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}
