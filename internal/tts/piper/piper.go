// Package piper implements the TTS Synthesizer using a Piper Wyoming protocol server.
//
// Piper is a fast, local neural text-to-speech system. The linuxserver/piper
// container exposes the Wyoming protocol on TCP port 10200. The configured
// model is sent as the Piper voice name and the speaker as the voice speaker.
//
// Wyoming protocol format (per event):
//
//	<json_length> <payload_length>\n
//	<json_bytes>\n
//	<payload_bytes>   (if payload_length > 0)
package piper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/imitablerabbit/document-to-tts/internal/config"
	"github.com/imitablerabbit/document-to-tts/internal/tts"
)

var _ tts.Synthesizer = (*Synthesizer)(nil)
var _ tts.VoiceLister = (*Synthesizer)(nil)

const (
	dialTimeout    = 10 * time.Second
	defaultTimeout = 5 * time.Minute
)

// Synthesizer implements tts.Synthesizer using the Wyoming protocol.
type Synthesizer struct {
	endpoint  string            // default host:port of the Piper Wyoming server
	endpoints map[string]string // language -> host:port for per-language Piper instances
	voice     string            // Piper voice model name
}

// New creates a Piper synthesizer for the given voice model and checks that
// the default server answers a describe request.
func New(ctx context.Context, cfg config.PiperConfig, voice string) (*Synthesizer, error) {
	cleanEndpoint := func(ep string) string {
		ep = strings.TrimPrefix(ep, "tcp://")
		ep = strings.TrimPrefix(ep, "http://")
		return ep
	}

	endpoints := make(map[string]string, len(cfg.Endpoints))
	for lang, ep := range cfg.Endpoints {
		endpoints[lang] = cleanEndpoint(ep)
	}

	s := &Synthesizer{
		endpoint:  cleanEndpoint(cfg.Endpoint),
		endpoints: endpoints,
		voice:     voice,
	}
	if s.endpoint == "" {
		return nil, errors.New("piper: endpoint must not be empty")
	}

	if _, err := s.describe(ctx); err != nil {
		return nil, err
	}
	slog.Info("piper server ready", "endpoint", s.endpoint, "voice", voice)
	return s, nil
}

// endpointFor selects the per-language endpoint if available, else the default.
func (s *Synthesizer) endpointFor(language string) string {
	if ep := s.endpoints[language]; ep != "" {
		return ep
	}
	return s.endpoint
}

// dial connects to endpoint and applies the context deadline to the connection.
func dial(ctx context.Context, endpoint string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("connecting to piper: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(defaultTimeout))
	}
	return conn, nil
}

// Synthesize sends text to the Piper server and returns synthesized audio as WAV.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, opts tts.SynthesizeOpts) (*tts.SynthesizeResult, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text for synthesis")
	}

	voice := map[string]any{}
	if name := firstNonEmpty(opts.Model, s.voice); name != "" {
		voice["name"] = name
	}
	if opts.Speaker != "" {
		voice["speaker"] = opts.Speaker
	}
	if opts.Language != "" {
		voice["language"] = opts.Language
	}

	endpoint := s.endpointFor(opts.Language)
	slog.Debug("piper synthesize", "text_length", len(text), "voice", voice["name"], "speaker", opts.Speaker, "endpoint", endpoint)

	conn, err := dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	data := map[string]any{"text": text}
	if len(voice) > 0 {
		data["voice"] = voice
	}
	if err := writeEvent(conn, wyomingEvent{Type: "synthesize", Data: data}, nil); err != nil {
		return nil, fmt.Errorf("sending synthesize event: %w", err)
	}

	// Read response events: audio-start → audio-chunk* → audio-stop
	var (
		pcmBuf     bytes.Buffer
		sampleRate = 22050
		channels   = 1
		width      = 2
	)

	for {
		evt, payload, err := readEvent(conn)
		if err != nil {
			return nil, fmt.Errorf("reading piper event: %w", err)
		}

		switch evt.Type {
		case "audio-start":
			if rate, ok := evt.Data["rate"].(float64); ok {
				sampleRate = int(rate)
			}
			if ch, ok := evt.Data["channels"].(float64); ok {
				channels = int(ch)
			}
			if w, ok := evt.Data["width"].(float64); ok {
				width = int(w)
			}
			slog.Debug("piper audio-start", "rate", sampleRate, "channels", channels, "width", width)

		case "audio-chunk":
			if len(payload) > 0 {
				pcmBuf.Write(payload)
			}

		case "audio-stop":
			if pcmBuf.Len() == 0 {
				return nil, errors.New("piper returned no audio")
			}
			slog.Debug("piper audio-stop", "pcm_bytes", pcmBuf.Len())
			return &tts.SynthesizeResult{
				Audio:       tts.EncodeWAV(pcmBuf.Bytes(), sampleRate, channels, width),
				ContentType: "audio/wav",
				SampleRate:  sampleRate,
				Channels:    channels,
			}, nil

		case "error":
			msg := "unknown error"
			if text, ok := evt.Data["text"].(string); ok {
				msg = text
			}
			return nil, fmt.Errorf("piper error: %s", msg)

		default:
			slog.Debug("piper unknown event", "type", evt.Type)
		}
	}
}

// info is the subset of the Wyoming "info" event that describes TTS voices.
type info struct {
	TTS []struct {
		Name   string `json:"name"`
		Voices []struct {
			Name     string `json:"name"`
			Speakers []struct {
				Name string `json:"name"`
			} `json:"speakers"`
		} `json:"voices"`
	} `json:"tts"`
}

// describe sends a describe event to the default endpoint and decodes the info reply.
func (s *Synthesizer) describe(ctx context.Context) (*info, error) {
	conn, err := dial(ctx, s.endpoint)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := writeEvent(conn, wyomingEvent{Type: "describe"}, nil); err != nil {
		return nil, fmt.Errorf("sending describe event: %w", err)
	}
	for {
		evt, _, err := readEvent(conn)
		if err != nil {
			return nil, fmt.Errorf("reading piper event: %w", err)
		}
		if evt.Type != "info" {
			continue
		}
		raw, err := json.Marshal(evt.Data)
		if err != nil {
			return nil, fmt.Errorf("re-encoding info: %w", err)
		}
		var inf info
		if err := json.Unmarshal(raw, &inf); err != nil {
			return nil, fmt.Errorf("decoding info: %w", err)
		}
		return &inf, nil
	}
}

// Voices lists the voices (and speakers of multi-speaker voices) reported by
// the default Piper server, sorted by ID. Speaker entries use "voice/speaker" IDs.
func (s *Synthesizer) Voices(ctx context.Context) ([]tts.Voice, error) {
	inf, err := s.describe(ctx)
	if err != nil {
		return nil, err
	}
	var voices []tts.Voice
	for _, program := range inf.TTS {
		for _, v := range program.Voices {
			if len(v.Speakers) == 0 {
				voices = append(voices, tts.Voice{ID: v.Name, Model: v.Name})
				continue
			}
			for _, spk := range v.Speakers {
				voices = append(voices, tts.Voice{ID: v.Name + "/" + spk.Name, Model: v.Name})
			}
		}
	}
	sort.Slice(voices, func(i, j int) bool { return voices[i].ID < voices[j].ID })
	return voices, nil
}

// Close is a no-op; connections are per-request.
func (s *Synthesizer) Close() error { return nil }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// --- Wyoming protocol helpers ---

type wyomingEvent struct {
	Type          string         `json:"type"`
	Data          map[string]any `json:"data,omitempty"`
	PayloadLength int            `json:"payload_length,omitempty"`
}

// writeEvent sends a Wyoming event over the connection.
func writeEvent(w io.Writer, evt wyomingEvent, payload []byte) error {
	evt.PayloadLength = 0 // omit from JSON; length goes in the header line
	jsonBytes, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}

	// Header: <json_length> <payload_length>\n
	header := fmt.Sprintf("%d %d\n", len(jsonBytes), len(payload))
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}

	if _, err := w.Write(jsonBytes); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return err
	}

	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}

	return nil
}

// readEvent reads a Wyoming event from the connection.
func readEvent(r io.Reader) (*wyomingEvent, []byte, error) {
	// Read header line: "<json_length> <payload_length>\n"
	headerBuf := make([]byte, 0, 64)
	oneByte := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, oneByte); err != nil {
			return nil, nil, fmt.Errorf("reading header: %w", err)
		}
		if oneByte[0] == '\n' {
			break
		}
		headerBuf = append(headerBuf, oneByte[0])
	}

	parts := strings.SplitN(string(headerBuf), " ", 2)
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("invalid wyoming header: %q", string(headerBuf))
	}

	jsonLen, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing json_length: %w", err)
	}
	payloadLen, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing payload_length: %w", err)
	}

	jsonBuf := make([]byte, jsonLen+1) // +1 for the \n
	if _, err := io.ReadFull(r, jsonBuf); err != nil {
		return nil, nil, fmt.Errorf("reading json: %w", err)
	}
	jsonBuf = jsonBuf[:jsonLen]

	var evt wyomingEvent
	if err := json.Unmarshal(jsonBuf, &evt); err != nil {
		return nil, nil, fmt.Errorf("unmarshalling event: %w", err)
	}

	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, nil, fmt.Errorf("reading payload: %w", err)
		}
	}

	return &evt, payload, nil
}
