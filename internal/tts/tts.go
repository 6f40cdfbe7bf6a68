// Package tts defines the interface for text-to-speech synthesis.
//
// A Synthesizer is created once per batch run with the configured model and
// reused for every item. Backends live in sub-packages: coqui (tts-server REST
// API), coquicli (the tts command) and piper (Wyoming protocol).
package tts

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by backends for operations they cannot perform.
var ErrUnsupported = errors.New("operation not supported by backend")

// SynthesizeOpts controls synthesis behavior.
type SynthesizeOpts struct {
	// Model is the backend model identifier (e.g. "tts_models/en/vctk/vits").
	// Backends that load the model at startup may ignore it.
	Model string

	// Speaker selects a voice of a multi-speaker model (e.g. "p261").
	Speaker string

	// Language is the ISO-639-1 code for multi-lingual models. Empty means the
	// model default.
	Language string
}

// Synthesizer converts text to audio.
type Synthesizer interface {
	// Synthesize generates a WAV file from the given text.
	Synthesize(ctx context.Context, text string, opts SynthesizeOpts) (*SynthesizeResult, error)

	// Close releases any resources held by the synthesizer.
	Close() error
}

// VoiceLister is implemented by backends that can enumerate their speakers.
type VoiceLister interface {
	Voices(ctx context.Context) ([]Voice, error)
}

// Voice describes one speaker offered by a backend.
type Voice struct {
	ID    string
	Model string
}

// SynthesizeResult holds the output of TTS synthesis.
type SynthesizeResult struct {
	// Audio is the synthesized audio as a WAV file.
	Audio []byte

	// ContentType is the MIME type of the audio (e.g., "audio/wav").
	ContentType string

	// SampleRate is the audio sample rate in Hz (e.g., 22050).
	SampleRate int

	// Channels is the number of audio channels (typically 1).
	Channels int
}
