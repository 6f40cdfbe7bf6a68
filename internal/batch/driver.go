package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/imitablerabbit/document-to-tts/internal/observe"
	"github.com/imitablerabbit/document-to-tts/internal/tts"
)

// ErrNotUTF8 is wrapped by a ReadError for text files that are not valid UTF-8.
var ErrNotUTF8 = errors.New("text is not valid UTF-8")

// ReadError reports a selected text file that could not be read. It aborts
// the run.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("reading %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Config describes where a run reads from and writes to.
type Config struct {
	TextDir string
	OutDir  string
	Backend string // label for logs and metrics
	Opts    tts.SynthesizeOpts
	Timeout time.Duration // per item; zero means no limit
}

// ProgressReporter receives the number of processed items after each one.
type ProgressReporter interface {
	SetProgress(processed, total int)
}

// Option is a functional option for configuring a Driver.
type Option func(*Driver)

// WithMetrics records item outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Driver) {
		d.metrics = m
	}
}

// WithProgress reports progress to p after each item.
func WithProgress(p ProgressReporter) Option {
	return func(d *Driver) {
		d.progress = p
	}
}

// Driver runs the synthesis loop over a selection of indices.
type Driver struct {
	synthesizer tts.Synthesizer
	cfg         Config
	out         io.Writer
	metrics     *observe.Metrics
	progress    ProgressReporter
}

// New creates a Driver that writes console lines to out.
func New(s tts.Synthesizer, cfg Config, out io.Writer, opts ...Option) *Driver {
	d := &Driver{
		synthesizer: s,
		cfg:         cfg,
		out:         out,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run synthesizes textDir/<i>.txt into outDir/<i>.wav for every index in
// order. Empty files are skipped silently. A synthesis failure is printed,
// recorded and the loop continues. After the loop the failure summary is
// printed.
//
// Run returns an error without printing the summary when the output directory
// cannot be created, a text file cannot be read, or ctx is cancelled. Files
// already written stay in place.
func (d *Driver) Run(ctx context.Context, indices []int) (*Report, error) {
	report := &Report{
		RunID:    uuid.NewString(),
		Backend:  d.cfg.Backend,
		Model:    d.cfg.Opts.Model,
		Speaker:  d.cfg.Opts.Speaker,
		TextDir:  d.cfg.TextDir,
		OutDir:   d.cfg.OutDir,
		Selected: len(indices),
		Failed:   []int{},
		Started:  time.Now(),
	}
	logger := slog.With("run_id", report.RunID)

	if err := os.MkdirAll(d.cfg.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	if d.metrics != nil {
		defer d.metrics.RunStarted(ctx)()
	}
	logger.Info("batch started", "selected", len(indices), "text_dir", d.cfg.TextDir, "out_dir", d.cfg.OutDir)

	for n, i := range indices {
		if err := ctx.Err(); err != nil {
			logger.Warn("batch interrupted", "processed", n, "selected", len(indices))
			return nil, err
		}

		textPath := filepath.Join(d.cfg.TextDir, strconv.Itoa(i)+".txt")
		content, err := os.ReadFile(textPath)
		if err != nil {
			return nil, &ReadError{Path: textPath, Err: err}
		}
		if !utf8.Valid(content) {
			return nil, &ReadError{Path: textPath, Err: ErrNotUTF8}
		}
		text := string(content)

		if text == "" {
			logger.Debug("skipping empty text file", "index", i)
			report.Skipped++
			d.record(ctx, observe.StatusSkipped, 0, 0)
			d.reportProgress(n+1, len(indices))
			continue
		}

		wavPath := filepath.Join(d.cfg.OutDir, strconv.Itoa(i)+".wav")
		start := time.Now()
		err = d.synthesize(ctx, text, wavPath)
		elapsed := time.Since(start)

		if err != nil {
			// Cancellation mid-item is an interruption, not an item failure.
			if ctx.Err() != nil {
				logger.Warn("batch interrupted", "processed", n, "selected", len(indices))
				return nil, ctx.Err()
			}
			fmt.Fprintf(d.out, "Failed to generate %s with error: %v\n", wavPath, err)
			logger.Error("synthesis failed", "index", i, "error", err, "duration", elapsed)
			report.Failed = append(report.Failed, i)
			d.record(ctx, observe.StatusFailed, len(content), elapsed)
		} else {
			fmt.Fprintf(d.out, "Generated %s\n", wavPath)
			logger.Debug("synthesized", "index", i, "duration", elapsed, "text_length", len(content))
			report.Generated++
			d.record(ctx, observe.StatusGenerated, len(content), elapsed)
		}
		d.reportProgress(n+1, len(indices))
	}

	fmt.Fprintf(d.out, "Failed to generate %d files: %s\n", len(report.Failed), formatIndexList(report.Failed))
	report.Finished = time.Now()
	logger.Info("batch finished",
		"generated", report.Generated,
		"skipped", report.Skipped,
		"failed", len(report.Failed),
		"duration", report.Finished.Sub(report.Started))
	return report, nil
}

func (d *Driver) synthesize(ctx context.Context, text, wavPath string) error {
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}
	return tts.SynthesizeToFile(ctx, d.synthesizer, text, d.cfg.Opts, wavPath)
}

func (d *Driver) record(ctx context.Context, status string, textBytes int, elapsed time.Duration) {
	if d.metrics == nil {
		return
	}
	d.metrics.RecordItem(ctx, d.cfg.Backend, status, textBytes, elapsed)
}

func (d *Driver) reportProgress(processed, total int) {
	if d.progress != nil {
		d.progress.SetProgress(processed, total)
	}
}

// formatIndexList renders indices like a Python list: "[]" or "[1, 5]".
func formatIndexList(indices []int) string {
	parts := make([]string, len(indices))
	for i, v := range indices {
		parts[i] = strconv.Itoa(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
