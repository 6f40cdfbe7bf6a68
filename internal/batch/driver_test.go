package batch

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/imitablerabbit/document-to-tts/internal/observe"
	"github.com/imitablerabbit/document-to-tts/internal/tts"
)

// stubSynth returns a tiny WAV for every text except those listed in fail.
type stubSynth struct {
	mu    sync.Mutex
	fail  map[string]error
	calls []string
	opts  []tts.SynthesizeOpts
	hook  func(ctx context.Context, text string) error
}

func (s *stubSynth) Synthesize(ctx context.Context, text string, opts tts.SynthesizeOpts) (*tts.SynthesizeResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, text)
	s.opts = append(s.opts, opts)
	s.mu.Unlock()

	if s.hook != nil {
		if err := s.hook(ctx, text); err != nil {
			return nil, err
		}
	}
	if err := s.fail[text]; err != nil {
		return nil, err
	}
	return &tts.SynthesizeResult{
		Audio:       tts.EncodeWAV([]byte(text), 22050, 1, 2),
		ContentType: "audio/wav",
		SampleRate:  22050,
		Channels:    1,
	}, nil
}

func (s *stubSynth) Close() error { return nil }

type progressRecorder struct {
	processed, total int
	calls            int
}

func (p *progressRecorder) SetProgress(processed, total int) {
	p.processed, p.total = processed, total
	p.calls++
}

func setup(t *testing.T, files map[string]string) (textDir, outDir string) {
	t.Helper()
	root := t.TempDir()
	textDir = filepath.Join(root, "txt-split")
	outDir = filepath.Join(root, "audio-split")
	require.NoError(t, os.Mkdir(textDir, 0o755))
	writeFiles(t, textDir, files)
	return textDir, outDir
}

func runAll(t *testing.T, d *Driver, textDir string, start, end int) (*Report, error) {
	t.Helper()
	indices, err := Enumerate(textDir)
	require.NoError(t, err)
	return d.Run(context.Background(), SelectRange(indices, start, end))
}

func TestRun_EndToEnd(t *testing.T) {
	textDir, outDir := setup(t, map[string]string{"0.txt": "hello", "1.txt": "", "2.txt": "world"})
	synth := &stubSynth{}
	var out bytes.Buffer
	d := New(synth, Config{TextDir: textDir, OutDir: outDir, Opts: tts.SynthesizeOpts{Model: "m", Speaker: "p261"}}, &out)

	report, err := runAll(t, d, textDir, 0, 100)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(outDir, "0.wav"))
	assert.NoFileExists(t, filepath.Join(outDir, "1.wav"))
	assert.FileExists(t, filepath.Join(outDir, "2.wav"))

	assert.Equal(t, []string{"hello", "world"}, synth.calls)
	assert.Equal(t, tts.SynthesizeOpts{Model: "m", Speaker: "p261"}, synth.opts[0])

	assert.Equal(t,
		"Generated "+filepath.Join(outDir, "0.wav")+"\n"+
			"Generated "+filepath.Join(outDir, "2.wav")+"\n"+
			"Failed to generate 0 files: []\n",
		out.String())

	assert.Equal(t, 3, report.Selected)
	assert.Equal(t, 2, report.Generated)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, report.Failed)
	assert.NotEmpty(t, report.RunID)
	assert.False(t, report.Finished.Before(report.Started))
}

func TestRun_DefaultRangeDropsLast(t *testing.T) {
	textDir, outDir := setup(t, map[string]string{"0.txt": "a", "1.txt": "b", "2.txt": "c"})
	var out bytes.Buffer
	d := New(&stubSynth{}, Config{TextDir: textDir, OutDir: outDir}, &out)

	_, err := runAll(t, d, textDir, 0, -1)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(outDir, "1.wav"))
	assert.NoFileExists(t, filepath.Join(outDir, "2.wav"))
}

func TestRun_SkipEmptyFile(t *testing.T) {
	textDir, outDir := setup(t, map[string]string{"4.txt": ""})
	synth := &stubSynth{}
	var out bytes.Buffer
	d := New(synth, Config{TextDir: textDir, OutDir: outDir}, &out)

	report, err := d.Run(context.Background(), []int{4})
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(outDir, "4.wav"))
	assert.Empty(t, synth.calls)
	assert.Equal(t, "Failed to generate 0 files: []\n", out.String())
	assert.NotContains(t, report.Failed, 4)
}

func TestRun_WhitespaceIsNotEmpty(t *testing.T) {
	textDir, outDir := setup(t, map[string]string{"0.txt": "\n"})
	synth := &stubSynth{}
	d := New(synth, Config{TextDir: textDir, OutDir: outDir}, &bytes.Buffer{})

	_, err := d.Run(context.Background(), []int{0})
	require.NoError(t, err)
	assert.Equal(t, []string{"\n"}, synth.calls)
}

func TestRun_FailureIsolation(t *testing.T) {
	textDir, outDir := setup(t, map[string]string{"0.txt": "a", "1.txt": "bad", "2.txt": "c", "3.txt": "worse"})
	synth := &stubSynth{fail: map[string]error{
		"bad":   errors.New("speaker p999 not found"),
		"worse": errors.New("boom"),
	}}
	var out bytes.Buffer
	d := New(synth, Config{TextDir: textDir, OutDir: outDir}, &out)

	report, err := d.Run(context.Background(), []int{0, 1, 2, 3})
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(outDir, "0.wav"))
	assert.NoFileExists(t, filepath.Join(outDir, "1.wav"))
	assert.FileExists(t, filepath.Join(outDir, "2.wav"))
	assert.NoFileExists(t, filepath.Join(outDir, "3.wav"))
	assert.Equal(t, []int{1, 3}, report.Failed)
	assert.Equal(t, 2, report.Generated)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "Failed to generate "+filepath.Join(outDir, "1.wav")+" with error: speaker p999 not found", lines[1])
	assert.Equal(t, "Failed to generate 2 files: [1, 3]", lines[4])

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "failed items must not leave partial files")
}

func TestRun_OutputDirIdempotent(t *testing.T) {
	textDir, outDir := setup(t, map[string]string{"0.txt": "a"})
	require.NoError(t, os.MkdirAll(outDir, 0o755))
	prior := filepath.Join(outDir, "99.wav")
	require.NoError(t, os.WriteFile(prior, []byte("old"), 0o644))

	d := New(&stubSynth{}, Config{TextDir: textDir, OutDir: outDir}, &bytes.Buffer{})
	for range 2 {
		_, err := d.Run(context.Background(), []int{0})
		require.NoError(t, err)
	}

	data, err := os.ReadFile(prior)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
	assert.FileExists(t, filepath.Join(outDir, "0.wav"))
}

func TestRun_CreatesNestedOutputDir(t *testing.T) {
	textDir, outDir := setup(t, map[string]string{"0.txt": "a"})
	outDir = filepath.Join(outDir, "deep", "er")

	d := New(&stubSynth{}, Config{TextDir: textDir, OutDir: outDir}, &bytes.Buffer{})
	_, err := d.Run(context.Background(), []int{0})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(outDir, "0.wav"))
}

func TestRun_BadFileNameAbortsBeforeSynthesis(t *testing.T) {
	textDir, _ := setup(t, map[string]string{"0.txt": "a", "abc.txt": "b"})

	_, err := Enumerate(textDir)
	require.ErrorIs(t, err, ErrInvalidIndex)
}

func TestRun_ReadErrorIsFatal(t *testing.T) {
	textDir, outDir := setup(t, map[string]string{"0.txt": "a", "007.txt": "b"})
	synth := &stubSynth{}
	var out bytes.Buffer
	d := New(synth, Config{TextDir: textDir, OutDir: outDir}, &out)

	// 007.txt enumerates as 7, and 7.txt does not exist.
	_, err := runAll(t, d, textDir, 0, 100)
	require.Error(t, err)

	var re *ReadError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, filepath.Join(textDir, "7.txt"), re.Path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	assert.Equal(t, []string{"a"}, synth.calls)
	assert.NotContains(t, out.String(), "Failed to generate 0 files")
}

func TestRun_InvalidUTF8IsFatal(t *testing.T) {
	textDir, outDir := setup(t, map[string]string{"0.txt": "\xff\xfe"})
	synth := &stubSynth{}
	d := New(synth, Config{TextDir: textDir, OutDir: outDir}, &bytes.Buffer{})

	_, err := d.Run(context.Background(), []int{0})
	require.ErrorIs(t, err, ErrNotUTF8)
	assert.Empty(t, synth.calls)
}

func TestRun_Interrupted(t *testing.T) {
	textDir, outDir := setup(t, map[string]string{"0.txt": "a", "1.txt": "b", "2.txt": "c"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	synth := &stubSynth{hook: func(_ context.Context, text string) error {
		if text == "a" {
			cancel()
		}
		return nil
	}}
	var out bytes.Buffer
	d := New(synth, Config{TextDir: textDir, OutDir: outDir}, &out)

	_, err := d.Run(ctx, []int{0, 1, 2})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a"}, synth.calls)
	assert.NotContains(t, out.String(), "Failed to generate")
}

func TestRun_PerItemTimeoutIsItemFailure(t *testing.T) {
	textDir, outDir := setup(t, map[string]string{"0.txt": "slow", "1.txt": "fast"})
	synth := &stubSynth{hook: func(ctx context.Context, text string) error {
		if text != "slow" {
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	}}
	var out bytes.Buffer
	d := New(synth, Config{TextDir: textDir, OutDir: outDir, Timeout: 20 * time.Millisecond}, &out)

	report, err := d.Run(context.Background(), []int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, report.Failed)
	assert.Contains(t, out.String(), "with error: context deadline exceeded")
	assert.FileExists(t, filepath.Join(outDir, "1.wav"))
}

func TestRun_NoIndices(t *testing.T) {
	textDir, outDir := setup(t, nil)
	var out bytes.Buffer
	d := New(&stubSynth{}, Config{TextDir: textDir, OutDir: outDir}, &out)

	report, err := d.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Failed to generate 0 files: []\n", out.String())
	assert.DirExists(t, outDir)
	assert.Equal(t, 0, report.Selected)
}

func TestRun_MetricsAndProgress(t *testing.T) {
	textDir, outDir := setup(t, map[string]string{"0.txt": "a", "1.txt": "", "2.txt": "bad"})
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	require.NoError(t, err)
	progress := &progressRecorder{}

	synth := &stubSynth{fail: map[string]error{"bad": errors.New("boom")}}
	d := New(synth, Config{TextDir: textDir, OutDir: outDir, Backend: "stub"}, &bytes.Buffer{},
		WithMetrics(m), WithProgress(progress))

	_, err = d.Run(context.Background(), []int{0, 1, 2})
	require.NoError(t, err)

	assert.Equal(t, 3, progress.calls)
	assert.Equal(t, 3, progress.processed)
	assert.Equal(t, 3, progress.total)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "tts_txt.items" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				status, _ := dp.Attributes.Value("status")
				counts[status.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{
		observe.StatusGenerated: 1,
		observe.StatusSkipped:   1,
		observe.StatusFailed:    1,
	}, counts)
}

func TestFormatIndexList(t *testing.T) {
	assert.Equal(t, "[]", formatIndexList(nil))
	assert.Equal(t, "[7]", formatIndexList([]int{7}))
	assert.Equal(t, "[1, 5, -2]", formatIndexList([]int{1, 5, -2}))
}
