// tts-txt converts a directory of numbered text files into numbered WAV files
// using a text-to-speech backend.
//
// Usage:
//
//	tts-txt [flags]
//	tts-txt --text-dir txt-split --out-dir audio-split --speaker p241
//	tts-txt voices
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/imitablerabbit/document-to-tts/internal/batch"
	"github.com/imitablerabbit/document-to-tts/internal/config"
	"github.com/imitablerabbit/document-to-tts/internal/health"
	"github.com/imitablerabbit/document-to-tts/internal/observe"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)

	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		slog.Error("tts-txt failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "tts-txt",
		Short: "Synthesize numbered text files into numbered WAV files",
		Long: `tts-txt reads <text-dir>/<i>.txt for every selected index i, synthesizes
the text with the configured backend and writes <out-dir>/<i>.wav.

Indices are taken from the file names in text-dir, sorted ascending and sliced
with --start-idx/--end-idx like a Python list slice, so the default end of -1
leaves out the last file. Empty files are skipped. Failed items are reported
and the run continues.`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBatch(cmd, configFile)
		},
	}
	cmd.SetVersionTemplate("tts-txt {{.Version}}\n")

	f := cmd.PersistentFlags()
	f.StringVar(&configFile, "config", "", "path to config file (e.g. configs/tts-txt.yaml)")
	f.String("model", config.DefaultModel, "Name of the model to use.")
	f.String("backend", "coqui", "Synthesis backend: coqui, coqui-cli or piper.")
	f.Bool("gpu", true, "Ask the backend to use the GPU.")
	f.String("language", "", "Language of multi-lingual models.")

	rf := cmd.Flags()
	rf.String("speaker", config.DefaultSpeaker, "Name of the speaker.")
	rf.String("text-dir", config.DefaultTextDir, "Directory containing the text files.")
	rf.String("out-dir", config.DefaultOutDir, "Directory to save the generated audio files.")
	rf.Int("start-idx", 0, "The index to start generating audio files from.")
	rf.Int("end-idx", -1, "The index to stop generating audio files at.")
	rf.String("report", "", "Write a YAML run report to this file.")

	cmd.AddCommand(newVoicesCmd(&configFile))
	return cmd
}

func runBatch(cmd *cobra.Command, configFile string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	config.SetupLogging(cfg.Logging, cmd.ErrOrStderr())
	slog.Info("tts-txt starting", "version", version, "config_file", cfg.ConfigFile,
		"backend", cfg.TTS.Backend, "model", cfg.Model, "speaker", cfg.Speaker)

	ctx := cmd.Context()

	var (
		status  *health.Server
		metrics *observe.Metrics
	)
	if cfg.Server.Enabled {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
		if err != nil {
			return fmt.Errorf("initialising metrics: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				slog.Warn("metrics shutdown failed", "error", err)
			}
		}()
		metrics = observe.DefaultMetrics()

		serverCtx, stopServer := context.WithCancel(ctx)
		defer stopServer()
		status = health.New(cfg.Server.Port)
		go func() {
			if err := status.ListenAndServe(serverCtx); err != nil {
				slog.Error("health server failed", "error", err)
			}
		}()
	}

	synth, err := newSynthesizer(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := synth.Close(); err != nil {
			slog.Warn("closing synthesizer failed", "error", err)
		}
	}()

	indices, err := batch.Enumerate(cfg.TextDir)
	if err != nil {
		return err
	}
	selected := batch.SelectRange(indices, cfg.StartIdx, cfg.EndIdx)
	slog.Info("enumerated text files", "found", len(indices), "selected", len(selected),
		"start_idx", cfg.StartIdx, "end_idx", cfg.EndIdx)

	opts := []batch.Option{}
	if metrics != nil {
		opts = append(opts, batch.WithMetrics(metrics))
	}
	if status != nil {
		status.SetReady(true)
		opts = append(opts, batch.WithProgress(status))
	}

	driver := batch.New(synth, batch.Config{
		TextDir: cfg.TextDir,
		OutDir:  cfg.OutDir,
		Backend: cfg.TTS.Backend,
		Opts:    synthesizeOpts(cfg),
		Timeout: cfg.TTS.Timeout,
	}, cmd.OutOrStdout(), opts...)

	report, err := driver.Run(ctx, selected)
	if err != nil {
		return err
	}

	if cfg.ReportFile != "" {
		if err := batch.WriteReportFile(cfg.ReportFile, report); err != nil {
			return err
		}
		slog.Info("report written", "path", cfg.ReportFile)
	}
	return nil
}
