// Command guess finds the encoder lambda for each target rate listed in one
// or more JSON configuration files.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/schollz/progressbar/v3"

	"github.com/copyleftdev/ratefit/internal/calibrate"
	"github.com/copyleftdev/ratefit/internal/config"
	"github.com/copyleftdev/ratefit/internal/encoder"
	"github.com/copyleftdev/ratefit/internal/logging"
	"github.com/copyleftdev/ratefit/internal/memo"
)

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	var configs stringList
	flag.Var(&configs, "c", "path of a config file; repeat to merge several, later files win")
	dump := flag.Bool("dump", false, "print the cached measurements and exit")
	prefill := flag.Bool("prefill", false, "measure the config's prefill lambdas before searching")
	quiet := flag.Bool("quiet", false, "disable the progress bar")
	logLevel := flag.String("log-level", "warn", "log level (debug, info, warn, error)")
	flag.Parse()
	configs = append(configs, flag.Args()...)

	if len(configs) == 0 {
		fmt.Fprintln(os.Stderr, "usage: guess -c config.json [-c override.json ...]")
		fmt.Fprintln(os.Stderr, `
target_bpps are read in the config's "unit": "bpp" (default) is bits per
pixel, bytes*8/(u*v*t*s); "bytes_per_pixel" is bytes/(u*v*t*s) as computed
by the older scripts; "bytes" is the encoded file size.`)
		flag.PrintDefaults()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := runOptions{
		configs:  configs,
		dump:     *dump,
		prefill:  *prefill,
		progress: !*quiet,
		logLevel: *logLevel,
	}
	if err := run(ctx, opts, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "guess: %v\n", err)
		os.Exit(1)
	}
}

type runOptions struct {
	configs  []string
	dump     bool
	prefill  bool
	progress bool
	logLevel string
}

func run(ctx context.Context, opts runOptions, stdout, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	p, err := loadParams(opts.configs)
	if err != nil {
		return err
	}
	if err := p.apply(cfg); err != nil {
		return err
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:  opts.logLevel,
		Format: "console",
		Output: "stderr",
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zl := logger.Zap()

	cache, err := memo.Open(ctx, cfg.StoreConfig(), memo.WithLogger(zl))
	if err != nil {
		return err
	}
	defer cache.Close()

	unit, _ := encoder.ParseUnit(cfg.Encoder.Unit)
	rate := encoder.Rate{Unit: unit, Pixels: cfg.Dimensions().Pixels()}

	if opts.dump {
		return dumpPoints(ctx, cache, rate, stdout)
	}

	jplm := encoder.NewJPLM(cfg.Encoder.BinDir, cfg.Encoder.Input, zl)
	jplm.Dims = cfg.Dimensions()
	sizes := &encoder.SizeMeasure{
		Runner:          jplm,
		WorkDir:         cfg.Encoder.WorkDir,
		Name:            cfg.Encoder.Name,
		DeleteArtifacts: cfg.Encoder.DeleteArtifacts,
		Logger:          zl,
	}
	calibrator := calibrate.New(sizes.Measure,
		calibrate.WithMemo(cache),
		calibrate.WithRate(rate),
		calibrate.WithLogger(zl),
	)

	if opts.prefill && len(p.Prefill) > 0 {
		if err := calibrator.Prefill(ctx, p.Prefill, cfg.Search.Threads); err != nil {
			return err
		}
	}

	req := cfg.DefaultRequest()
	req.Targets = p.TargetBPPs

	var bar *progressbar.ProgressBar
	if opts.progress {
		req.OnProgress = func(pr calibrate.Progress) {
			if bar == nil || pr.Round == 1 {
				bar = newRoundBar(stderr, pr.Target)
			}
			bar.Describe(fmt.Sprintf("[cyan]target %g[reset] [%g, %g]", pr.Target, pr.Interval.Lower, pr.Interval.Upper))
			_ = bar.Add(1)
		}
	}

	res, err := calibrator.Calibrate(ctx, req)
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(stderr)
	}
	if res != nil {
		for _, t := range res.Targets {
			fmt.Fprintf(stdout, "%s: %g \t lambda: %g\n", unit, t.Target, t.Lambda)
		}
	}
	return err
}

// newRoundBar returns a spinner counting search rounds; the number of
// rounds is not known in advance.
func newRoundBar(w io.Writer, target float64) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("rounds"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(fmt.Sprintf("[cyan]target %g[reset]", target)),
		progressbar.OptionClearOnFinish(),
	)
}

func dumpPoints(ctx context.Context, cache *memo.Memoizer, rate encoder.Rate, w io.Writer) error {
	points, err := cache.Points(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "lambda\tbytes\t%s\n", rate.Unit)
	for _, p := range points {
		fmt.Fprintf(w, "%g\t%g\t%g\n", p.X, p.Value, rate.Convert(p.Value))
	}
	return nil
}
