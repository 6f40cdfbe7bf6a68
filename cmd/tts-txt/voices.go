package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/imitablerabbit/document-to-tts/internal/config"
	"github.com/imitablerabbit/document-to-tts/internal/tts"
)

func newVoicesCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "voices",
		Short: "List the speakers offered by the configured backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configFile, cmd.Flags())
			if err != nil {
				return err
			}
			config.SetupLogging(cfg.Logging, cmd.ErrOrStderr())

			synth, err := newSynthesizer(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := synth.Close(); err != nil {
					slog.Warn("closing synthesizer failed", "error", err)
				}
			}()

			lister, ok := synth.(tts.VoiceLister)
			if !ok {
				return fmt.Errorf("backend %q cannot list voices: %w", cfg.TTS.Backend, tts.ErrUnsupported)
			}
			voices, err := lister.Voices(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, v := range voices {
				fmt.Fprintln(out, v.ID)
			}
			return nil
		},
	}
}
