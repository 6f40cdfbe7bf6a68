// Package coquicli implements the TTS Synthesizer by running the Coqui "tts"
// command once per item.
//
// Every invocation loads the model again, so this backend is much slower than
// the server backend. It exists for machines where only the command line tool
// is installed.
package coquicli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/imitablerabbit/document-to-tts/internal/config"
	"github.com/imitablerabbit/document-to-tts/internal/tts"
)

var _ tts.Synthesizer = (*Synthesizer)(nil)

// stderrTail is how much of the command's stderr is kept for error messages.
const stderrTail = 512

// waitDelay bounds how long Run waits for I/O after the process is killed.
const waitDelay = 2 * time.Second

// Synthesizer implements tts.Synthesizer by shelling out to the tts command.
type Synthesizer struct {
	command string
	model   string
	gpu     bool
	tempDir string
}

// New resolves the tts command on PATH and returns a synthesizer bound to model.
func New(cfg config.CLIConfig, model string, gpu bool) (*Synthesizer, error) {
	if cfg.Command == "" {
		return nil, errors.New("coqui-cli: command must not be empty")
	}
	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("coqui-cli: %w", err)
	}
	tempDir, err := os.MkdirTemp("", "tts-txt-")
	if err != nil {
		return nil, fmt.Errorf("coqui-cli: creating temp dir: %w", err)
	}
	slog.Info("using coqui command", "path", path, "model", model, "gpu", gpu)
	return &Synthesizer{command: path, model: model, gpu: gpu, tempDir: tempDir}, nil
}

// args builds the tts command line for one item.
func (s *Synthesizer) args(text string, opts tts.SynthesizeOpts, outPath string) []string {
	model := opts.Model
	if model == "" {
		model = s.model
	}
	args := []string{"--text", text, "--out_path", outPath}
	if model != "" {
		args = append(args, "--model_name", model)
	}
	if opts.Speaker != "" {
		args = append(args, "--speaker_idx", opts.Speaker)
	}
	if opts.Language != "" {
		args = append(args, "--language_idx", opts.Language)
	}
	if s.gpu {
		args = append(args, "--use_cuda", "true")
	}
	return args
}

// Synthesize runs the tts command and returns the WAV it wrote.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, opts tts.SynthesizeOpts) (*tts.SynthesizeResult, error) {
	if text == "" {
		return nil, errors.New("coqui-cli: empty text for synthesis")
	}

	out, err := os.CreateTemp(s.tempDir, "item-*.wav")
	if err != nil {
		return nil, fmt.Errorf("coqui-cli: creating output file: %w", err)
	}
	outPath := out.Name()
	out.Close()
	defer os.Remove(outPath)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.command, s.args(text, opts, outPath)...)
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	slog.Debug("coqui-cli synthesize", "text_length", len(text), "speaker", opts.Speaker)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("coqui-cli: %w", ctx.Err())
		}
		return nil, fmt.Errorf("coqui-cli: %w: %s", err, tail(stderr.String()))
	}

	wav, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("coqui-cli: reading output: %w", err)
	}
	info, err := tts.ParseWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui-cli: %w", err)
	}
	return &tts.SynthesizeResult{
		Audio:       wav,
		ContentType: "audio/wav",
		SampleRate:  info.SampleRate,
		Channels:    info.Channels,
	}, nil
}

// Close removes the scratch directory.
func (s *Synthesizer) Close() error {
	if s.tempDir == "" {
		return nil
	}
	err := os.RemoveAll(s.tempDir)
	s.tempDir = ""
	return err
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = "..." + s[len(s)-stderrTail:]
	}
	return s
}
