package encoder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/copyleftdev/ratefit/internal/search"
)

// Unit of the calibrated quantity.
type Unit string

const (
	// UnitBytes targets the encoded file size in bytes.
	UnitBytes Unit = "bytes"
	// UnitBPP targets bits per pixel: bytes*8 / (u*v*t*s).
	UnitBPP Unit = "bpp"
	// UnitBytesPerPixel targets bytes / (u*v*t*s), the rate the older
	// calibration scripts called bpp. Use it to reuse their target_bpps.
	UnitBytesPerPixel Unit = "bytes_per_pixel"
)

// ParseUnit accepts "bytes", "bpp" or "bytes_per_pixel"; empty means bpp.
func ParseUnit(s string) (Unit, error) {
	switch u := Unit(strings.ToLower(s)); u {
	case "":
		return UnitBPP, nil
	case UnitBPP, UnitBytes, UnitBytesPerPixel:
		return u, nil
	default:
		return "", fmt.Errorf("unknown unit %q", s)
	}
}

// MeasureFunc maps lambda to a measured quantity.
type MeasureFunc func(ctx context.Context, lambda float64) (float64, error)

// SizeMeasure encodes at lambda and reports the size of the output file.
type SizeMeasure struct {
	Runner Runner
	// Directory receiving <Name>_<lambda>.jpl artifacts
	WorkDir string
	Name    string
	// Remove each artifact once measured
	DeleteArtifacts bool

	Logger *zap.Logger
}

// OutputPath returns where the artifact for lambda is written.
func (m *SizeMeasure) OutputPath(lambda float64) string {
	return filepath.Join(m.WorkDir, fmt.Sprintf("%s_%s.jpl", m.Name, FormatLambda(lambda)))
}

// Measure encodes at lambda and returns the output size in bytes.
func (m *SizeMeasure) Measure(ctx context.Context, lambda float64) (float64, error) {
	logger := m.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(m.WorkDir, 0o755); err != nil {
		return 0, fmt.Errorf("create work directory: %w", err)
	}

	output := m.OutputPath(lambda)
	if err := m.Runner.Encode(ctx, lambda, output); err != nil {
		return 0, err
	}

	info, err := os.Stat(output)
	if err != nil {
		return 0, fmt.Errorf("%w: stat encoded output: %w", search.ErrEvaluationFailed, err)
	}
	size := info.Size()

	if m.DeleteArtifacts {
		if err := os.Remove(output); err != nil {
			logger.Warn("Failed to delete artifact", zap.String("path", output), zap.Error(err))
		}
	}

	logger.Info("Measured",
		zap.Float64("lambda", lambda),
		zap.Int64("bytes", size),
	)
	return float64(size), nil
}

// Rate converts byte counts into the configured unit.
type Rate struct {
	Unit   Unit
	Pixels int64
}

// Convert maps a byte count to the rate unit.
func (r Rate) Convert(bytes float64) float64 {
	if r.Pixels <= 0 {
		return bytes
	}
	switch r.Unit {
	case UnitBPP:
		return bytes * 8 / float64(r.Pixels)
	case UnitBytesPerPixel:
		return bytes / float64(r.Pixels)
	default:
		return bytes
	}
}

// Apply wraps a byte-valued measure so it reports in the rate unit.
func (r Rate) Apply(measure MeasureFunc) MeasureFunc {
	return func(ctx context.Context, lambda float64) (float64, error) {
		b, err := measure(ctx, lambda)
		if err != nil {
			return 0, err
		}
		return r.Convert(b), nil
	}
}

// Residual builds f(x) = target - measure(x). With a measure that falls as
// lambda grows, f rises and crosses zero at the calibrated lambda.
func Residual(target float64, measure MeasureFunc) search.ResidualFunction {
	return func(ctx context.Context, x float64) (float64, error) {
		v, err := measure(ctx, x)
		if err != nil {
			return 0, err
		}
		return target - v, nil
	}
}
