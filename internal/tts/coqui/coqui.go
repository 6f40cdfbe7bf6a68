// Package coqui implements the TTS Synthesizer against a Coqui TTS server.
//
// The server (tts-server from the Coqui TTS distribution) loads one model at
// startup and synthesizes over HTTP:
//
//	GET /api/tts?text=...&speaker_id=...&language_id=...   -> audio/wav
//	GET /details                                            -> model details
//
// The synthesizer can either connect to a running server or launch one as a
// child process with the configured model and GPU preference. In both cases the
// model is loaded once and reused for every item of the batch.
package coqui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/imitablerabbit/document-to-tts/internal/config"
	"github.com/imitablerabbit/document-to-tts/internal/tts"
)

var _ tts.Synthesizer = (*Synthesizer)(nil)
var _ tts.VoiceLister = (*Synthesizer)(nil)

const (
	apiTTSEndpoint  = "/api/tts"
	detailsEndpoint = "/details"

	defaultPort           = "5002"
	defaultStartupTimeout = 3 * time.Minute
	defaultPollInterval   = time.Second
	stopTimeout           = 10 * time.Second
)

// Option is a functional option for configuring a Synthesizer.
type Option func(*Synthesizer)

// WithHTTPClient replaces the HTTP client used for all server calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Synthesizer) {
		s.httpClient = c
	}
}

// WithPollInterval sets how often readiness is probed during startup.
func WithPollInterval(d time.Duration) Option {
	return func(s *Synthesizer) {
		s.pollInterval = d
	}
}

// Synthesizer implements tts.Synthesizer using the Coqui TTS server REST API.
type Synthesizer struct {
	serverURL    string
	model        string
	httpClient   *http.Client
	pollInterval time.Duration

	// Set when the server was launched by New.
	cmd      *exec.Cmd
	exited   chan struct{}
	exitErr  error
	detected details
}

// details is the JSON body returned by GET /details. Speakers is empty for
// single-speaker models.
type details struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// New creates a Coqui synthesizer for model and blocks until the server
// answers. When cfg.Launch is set, tts-server is started with the model and
// the GPU preference and is stopped again by Close.
func New(ctx context.Context, cfg config.CoquiConfig, model string, gpu bool, opts ...Option) (*Synthesizer, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("coqui: endpoint must not be empty")
	}
	s := &Synthesizer{
		serverURL:    strings.TrimRight(cfg.Endpoint, "/"),
		model:        model,
		httpClient:   &http.Client{},
		pollInterval: defaultPollInterval,
	}
	for _, o := range opts {
		o(s)
	}

	if cfg.Launch {
		if err := s.launch(cfg.ServerCommand, gpu); err != nil {
			return nil, err
		}
	}

	timeout := cfg.StartupTimeout
	if timeout <= 0 {
		timeout = defaultStartupTimeout
	}
	if err := s.waitReady(ctx, timeout); err != nil {
		_ = s.Close()
		return nil, err
	}

	if s.detected.ModelName != "" && model != "" && s.detected.ModelName != model {
		slog.Warn("coqui server runs a different model than configured",
			"configured", model, "server", s.detected.ModelName)
	}
	slog.Info("coqui server ready", "endpoint", s.serverURL, "model", s.detected.ModelName,
		"speakers", len(s.detected.Speakers), "launched", s.cmd != nil)
	return s, nil
}

// serverArgs returns the tts-server arguments for model, port and GPU use.
func serverArgs(model, port string, gpu bool) []string {
	args := []string{"--port", port, "--use_cuda", strconv.FormatBool(gpu)}
	if model != "" {
		args = append([]string{"--model_name", model}, args...)
	}
	return args
}

func (s *Synthesizer) launch(command string, gpu bool) error {
	if command == "" {
		return errors.New("coqui: server_command must not be empty when launch is enabled")
	}
	u, err := url.Parse(s.serverURL)
	if err != nil {
		return fmt.Errorf("coqui: parsing endpoint: %w", err)
	}
	port := u.Port()
	if port == "" {
		port = defaultPort
	}

	cmd := exec.Command(command, serverArgs(s.model, port, gpu)...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("coqui: starting %s: %w", command, err)
	}
	slog.Info("launched coqui server", "command", command, "pid", cmd.Process.Pid, "port", port, "gpu", gpu)

	s.cmd = cmd
	s.exited = make(chan struct{})
	go func() {
		s.exitErr = cmd.Wait()
		close(s.exited)
	}()
	return nil
}

// waitReady polls GET /details until it answers 200, the launched server
// exits, or timeout elapses.
func (s *Synthesizer) waitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		d, err := s.fetchDetails(ctx)
		if err == nil {
			s.detected = d
			return nil
		}
		lastErr = err
		slog.Debug("coqui server not ready", "error", err)

		select {
		case <-s.exited:
			return fmt.Errorf("coqui: server exited before becoming ready: %v", s.exitErr)
		case <-ctx.Done():
			return fmt.Errorf("coqui: server not ready after %s: %w", timeout, lastErr)
		case <-ticker.C:
		}
	}
}

// fetchDetails returns the server's model details. A 200 response that is not
// JSON still counts as ready; the details are then left empty.
func (s *Synthesizer) fetchDetails(ctx context.Context) (details, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.serverURL+detailsEndpoint, nil)
	if err != nil {
		return details{}, fmt.Errorf("coqui: create details request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return details{}, fmt.Errorf("coqui: GET %s: %w", detailsEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return details{}, fmt.Errorf("coqui: GET %s returned status %d", detailsEndpoint, resp.StatusCode)
	}

	var d details
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		slog.Debug("coqui details response is not JSON", "error", err)
		return details{}, nil
	}
	return d, nil
}

// Synthesize sends text to the Coqui server and returns the WAV it produced.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, opts tts.SynthesizeOpts) (*tts.SynthesizeResult, error) {
	if text == "" {
		return nil, errors.New("coqui: empty text for synthesis")
	}

	params := url.Values{}
	params.Set("text", text)
	if opts.Speaker != "" {
		params.Set("speaker_id", opts.Speaker)
	}
	if opts.Language != "" {
		params.Set("language_id", opts.Language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	slog.Debug("coqui synthesize", "text_length", len(text), "speaker", opts.Speaker, "language", opts.Language)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", apiTTSEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("coqui: GET %s returned status %d: %s",
			apiTTSEndpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	info, err := tts.ParseWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}

	return &tts.SynthesizeResult{
		Audio:       wav,
		ContentType: "audio/wav",
		SampleRate:  info.SampleRate,
		Channels:    info.Channels,
	}, nil
}

// Voices returns the speakers of the loaded model, sorted by name. A
// single-speaker model yields an empty list.
func (s *Synthesizer) Voices(ctx context.Context) ([]tts.Voice, error) {
	d, err := s.fetchDetails(ctx)
	if err != nil {
		return nil, err
	}
	if d.ModelName == "" && len(d.Speakers) == 0 {
		return nil, fmt.Errorf("coqui: server does not report model details: %w", tts.ErrUnsupported)
	}

	speakers := make([]string, len(d.Speakers))
	copy(speakers, d.Speakers)
	sort.Strings(speakers)

	voices := make([]tts.Voice, 0, len(speakers))
	for _, spk := range speakers {
		voices = append(voices, tts.Voice{ID: spk, Model: d.ModelName})
	}
	return voices, nil
}

// Close stops the launched server, if any. It is a no-op for external servers.
func (s *Synthesizer) Close() error {
	if s.cmd == nil {
		return nil
	}
	cmd := s.cmd
	s.cmd = nil

	select {
	case <-s.exited:
		return nil
	default:
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = cmd.Process.Kill()
	}
	select {
	case <-s.exited:
	case <-time.After(stopTimeout):
		slog.Warn("coqui server did not stop, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-s.exited
	}
	slog.Info("coqui server stopped", "pid", cmd.Process.Pid)
	return nil
}
