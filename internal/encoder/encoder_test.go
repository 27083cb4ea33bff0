package encoder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/ratefit/internal/search"
)

// fakeEncoder installs a shell script named jpl-encoder-bin in a temp dir
// and returns that dir.
func fakeEncoder(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}
	dir := t.TempDir()
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, BinaryName), []byte(script), 0o755))
	return dir
}

// writeOutput is a script body that writes "encoded" to the --output path.
const writeOutput = `
while [ $# -gt 0 ]; do
  if [ "$1" = "--output" ]; then out="$2"; fi
  shift
done
printf encoded > "$out"
`

type fakeRunner struct {
	mu      sync.Mutex
	size    func(lambda float64) int
	err     error
	lambdas []float64
}

func (r *fakeRunner) Encode(_ context.Context, lambda float64, output string) error {
	r.mu.Lock()
	r.lambdas = append(r.lambdas, lambda)
	r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	return os.WriteFile(output, make([]byte, r.size(lambda)), 0o644)
}

func TestDimensions(t *testing.T) {
	assert.Equal(t, int64(625*434*13*13), DefaultDimensions.Pixels())
	assert.NoError(t, DefaultDimensions.Validate())
	assert.Error(t, Dimensions{U: 625, V: 434, T: 0, S: 13}.Validate())
}

func TestJPLMArgs(t *testing.T) {
	j := NewJPLM("/opt/jplm/bin", "/data/Bikes", nil)
	j.Dims = Dimensions{U: 1, V: 2, T: 3, S: 4}

	args := j.Args(1500.5, "/tmp/out.jpl")

	assert.Equal(t, "/opt/jplm/bin/jpl-encoder-bin", args[0])
	assert.Equal(t, []string{"--input", "/data/Bikes", "--output", "/tmp/out.jpl"}, args[len(args)-4:])

	flags := map[string]string{}
	for i := 1; i+1 < len(args); i++ {
		flags[args[i]] = args[i+1]
	}
	assert.Equal(t, "1", flags["-u"])
	assert.Equal(t, "2", flags["-v"])
	assert.Equal(t, "3", flags["-t"])
	assert.Equal(t, "4", flags["-s"])
	assert.Equal(t, "1500.5", flags["--lambda"])
	assert.Equal(t, "2", flags["--part"])
	assert.Equal(t, "YCbCr_2", flags["--enum-cs"])
	assert.Equal(t, "31", flags["--transform_size_maximum_intra_view_vertical"])
	assert.Equal(t, "4", flags["--transform_size_minimum_intra_view_horizontal"])
}

func TestFormatLambda(t *testing.T) {
	assert.Equal(t, "100000", FormatLambda(100000))
	assert.Equal(t, "12.25", FormatLambda(12.25))
	assert.Equal(t, "0", FormatLambda(0))
}

func TestJPLMEncode(t *testing.T) {
	dir := fakeEncoder(t, writeOutput)
	out := filepath.Join(t.TempDir(), "out.jpl")

	err := NewJPLM(dir, "in.raw", nil).Encode(context.Background(), 100, out)
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "encoded", string(data))
}

func TestJPLMEncodeFailure(t *testing.T) {
	dir := fakeEncoder(t, `echo "cannot open input" >&2; exit 3`)

	err := NewJPLM(dir, "missing.raw", nil).Encode(context.Background(), 100, filepath.Join(t.TempDir(), "out.jpl"))
	require.Error(t, err)

	var pe *ProcessError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 3, pe.ExitCode)
	assert.Contains(t, pe.Stderr, "cannot open input")
	assert.Contains(t, err.Error(), "jpl-encoder-bin exited with code 3: cannot open input")
	assert.True(t, errors.Is(err, search.ErrEvaluationFailed))
}

func TestJPLMMissingBinary(t *testing.T) {
	err := NewJPLM(t.TempDir(), "in.raw", nil).Encode(context.Background(), 1, "out.jpl")
	require.Error(t, err)
	assert.True(t, errors.Is(err, search.ErrEvaluationFailed))
}

func TestJPLMEncodeCancel(t *testing.T) {
	dir := fakeEncoder(t, `exec sleep 10`)
	j := NewJPLM(dir, "in.raw", nil)
	j.WaitDelay = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := j.Encode(ctx, 1, filepath.Join(t.TempDir(), "out.jpl"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second, "the process must be killed")
}

func TestSizeMeasure(t *testing.T) {
	work := filepath.Join(t.TempDir(), ".temp")
	runner := &fakeRunner{size: func(lambda float64) int { return 1000 - int(lambda) }}

	tests := []struct {
		name     string
		delete   bool
		lambda   float64
		want     float64
		wantFile bool
	}{
		{name: "keeps artifact", lambda: 250, want: 750, wantFile: true},
		{name: "deletes artifact", delete: true, lambda: 500, want: 500, wantFile: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &SizeMeasure{Runner: runner, WorkDir: work, Name: "Bikes", DeleteArtifacts: tt.delete}
			got, err := m.Measure(context.Background(), tt.lambda)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			_, err = os.Stat(m.OutputPath(tt.lambda))
			assert.Equal(t, tt.wantFile, err == nil)
		})
	}

	assert.Equal(t, filepath.Join(work, "Bikes_250.jpl"), (&SizeMeasure{WorkDir: work, Name: "Bikes"}).OutputPath(250))
}

func TestSizeMeasureRunnerFailure(t *testing.T) {
	cause := &ProcessError{Args: []string{BinaryName}, ExitCode: 1, Stderr: "boom"}
	m := &SizeMeasure{Runner: &fakeRunner{err: cause}, WorkDir: t.TempDir(), Name: "Bikes"}

	_, err := m.Measure(context.Background(), 10)
	assert.Equal(t, cause, err)
}

func TestSizeMeasureMissingOutput(t *testing.T) {
	noop := runnerFunc(func(context.Context, float64, string) error { return nil })
	m := &SizeMeasure{Runner: noop, WorkDir: t.TempDir(), Name: "Bikes"}

	_, err := m.Measure(context.Background(), 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, search.ErrEvaluationFailed))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

type runnerFunc func(ctx context.Context, lambda float64, output string) error

func (f runnerFunc) Encode(ctx context.Context, lambda float64, output string) error {
	return f(ctx, lambda, output)
}

func TestParseUnit(t *testing.T) {
	tests := []struct {
		in      string
		want    Unit
		wantErr bool
	}{
		{in: "", want: UnitBPP},
		{in: "bpp", want: UnitBPP},
		{in: "BYTES", want: UnitBytes},
		{in: "bytes_per_pixel", want: UnitBytesPerPixel},
		{in: "kbps", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseUnit(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestRate(t *testing.T) {
	bpp := Rate{Unit: UnitBPP, Pixels: 1000}
	assert.Equal(t, 0.8, bpp.Convert(100))
	assert.Equal(t, 100.0, Rate{Unit: UnitBytes, Pixels: 1000}.Convert(100))
	assert.Equal(t, 0.1, Rate{Unit: UnitBytesPerPixel, Pixels: 1000}.Convert(100))
	assert.Equal(t, 100.0, Rate{Unit: UnitBytesPerPixel}.Convert(100), "unknown dimensions keep bytes")

	measure := bpp.Apply(func(context.Context, float64) (float64, error) { return 250, nil })
	v, err := measure(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)
}

func TestResidual(t *testing.T) {
	f := Residual(0.75, func(_ context.Context, x float64) (float64, error) { return 1 / x, nil })

	fx, err := f(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 0.25, fx)

	cause := errors.New("encoder failed")
	failing := Residual(1, func(context.Context, float64) (float64, error) { return 0, cause })
	_, err = failing(context.Background(), 2)
	assert.Equal(t, cause, err)
}
