package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/imitablerabbit/document-to-tts/internal/config"
	"github.com/imitablerabbit/document-to-tts/internal/tts"
	"github.com/imitablerabbit/document-to-tts/internal/tts/coqui"
	"github.com/imitablerabbit/document-to-tts/internal/tts/coquicli"
	"github.com/imitablerabbit/document-to-tts/internal/tts/piper"
)

// newSynthesizer initialises the configured backend. It loads the model once;
// the caller owns the result and must Close it.
func newSynthesizer(ctx context.Context, cfg *config.Config) (tts.Synthesizer, error) {
	switch cfg.TTS.Backend {
	case "coqui":
		s, err := coqui.New(ctx, cfg.TTS.Coqui, cfg.Model, cfg.TTS.GPU)
		if err != nil {
			return nil, fmt.Errorf("initialising coqui backend: %w", err)
		}
		slog.Info("using coqui server backend", "endpoint", cfg.TTS.Coqui.Endpoint, "launch", cfg.TTS.Coqui.Launch)
		return s, nil
	case "coqui-cli":
		s, err := coquicli.New(cfg.TTS.CLI, cfg.Model, cfg.TTS.GPU)
		if err != nil {
			return nil, fmt.Errorf("initialising coqui-cli backend: %w", err)
		}
		return s, nil
	case "piper":
		s, err := piper.New(ctx, cfg.TTS.Piper, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("initialising piper backend: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown tts backend %q (want coqui, coqui-cli or piper)", cfg.TTS.Backend)
	}
}

func synthesizeOpts(cfg *config.Config) tts.SynthesizeOpts {
	return tts.SynthesizeOpts{
		Model:    cfg.Model,
		Speaker:  cfg.Speaker,
		Language: cfg.TTS.Language,
	}
}
