// Package config handles loading the tts-txt configuration from flags,
// environment variables, an optional config file, and defaults.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Default values for the batch job.
const (
	DefaultModel   = "tts_models/en/vctk/vits"
	DefaultSpeaker = "p261"
	DefaultTextDir = "txt-split"
	DefaultOutDir  = "audio-split"
)

// Config is the root configuration for a batch run. It is built once at
// startup and never mutated afterwards.
type Config struct {
	Model      string `mapstructure:"model"`
	Speaker    string `mapstructure:"speaker"`
	TextDir    string `mapstructure:"text_dir"`
	OutDir     string `mapstructure:"out_dir"`
	StartIdx   int    `mapstructure:"start_idx"`
	EndIdx     int    `mapstructure:"end_idx"`
	ReportFile string `mapstructure:"report_file"`

	TTS     TTSConfig     `mapstructure:"tts"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`

	// ConfigFile is the config file that was read, empty if none was found.
	ConfigFile string `mapstructure:"-"`
}

// TTSConfig selects and configures the text-to-speech backend.
type TTSConfig struct {
	Backend  string        `mapstructure:"backend"` // "coqui", "coqui-cli" or "piper"
	GPU      bool          `mapstructure:"gpu"`
	Language string        `mapstructure:"language"`
	Timeout  time.Duration `mapstructure:"timeout"` // per-item synthesis timeout, 0 disables
	Coqui    CoquiConfig   `mapstructure:"coqui"`
	CLI      CLIConfig     `mapstructure:"cli"`
	Piper    PiperConfig   `mapstructure:"piper"`
}

// CoquiConfig holds settings for the Coqui TTS server backend.
//
// When Launch is set the server is started as a child process with the
// configured model, so the model is loaded exactly once for the whole batch.
type CoquiConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	Launch         bool          `mapstructure:"launch"`
	ServerCommand  string        `mapstructure:"server_command"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
}

// CLIConfig holds settings for the Coqui command line backend.
type CLIConfig struct {
	Command string `mapstructure:"command"`
}

// PiperConfig holds Piper TTS settings (Wyoming protocol).
//
// For a single Piper instance set Endpoint. Endpoints maps ISO-639-1 codes to
// per-language instances and takes precedence when the language matches.
type PiperConfig struct {
	Endpoint  string            `mapstructure:"endpoint"`  // Default Wyoming TCP endpoint (host:port)
	Endpoints map[string]string `mapstructure:"endpoints"` // ISO-639-1 language code -> Wyoming TCP endpoint
}

// ServerConfig holds the status server settings.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// flagKeys maps config keys to the command line flags that override them.
var flagKeys = map[string]string{
	"model":        "model",
	"speaker":      "speaker",
	"text_dir":     "text-dir",
	"out_dir":      "out-dir",
	"start_idx":    "start-idx",
	"end_idx":      "end-idx",
	"report_file":  "report",
	"tts.backend":  "backend",
	"tts.gpu":      "gpu",
	"tts.language": "language",
}

// Load reads the configuration from flags, environment variables, the config
// file, and defaults, in that order of precedence.
// If configFile is non-empty it is used directly; otherwise the standard
// search order applies: ./tts-txt.yaml, ./configs/tts-txt.yaml, /etc/tts-txt/tts-txt.yaml.
// flags may be nil.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("model", DefaultModel)
	v.SetDefault("speaker", DefaultSpeaker)
	v.SetDefault("text_dir", DefaultTextDir)
	v.SetDefault("out_dir", DefaultOutDir)
	v.SetDefault("start_idx", 0)
	v.SetDefault("end_idx", -1)
	v.SetDefault("report_file", "")
	v.SetDefault("tts.backend", "coqui")
	v.SetDefault("tts.gpu", true)
	v.SetDefault("tts.language", "")
	v.SetDefault("tts.timeout", 5*time.Minute)
	v.SetDefault("tts.coqui.endpoint", "http://localhost:5002")
	v.SetDefault("tts.coqui.launch", false)
	v.SetDefault("tts.coqui.server_command", "tts-server")
	v.SetDefault("tts.coqui.startup_timeout", 3*time.Minute)
	v.SetDefault("tts.cli.command", "tts")
	v.SetDefault("tts.piper.endpoint", "localhost:10200")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8081)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	// Config file
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("tts-txt")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/tts-txt")
	}

	// Environment variables: TTSTXT_MODEL, TTSTXT_TTS_BACKEND, etc.
	v.SetEnvPrefix("TTSTXT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key, name := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("binding flag %q: %w", name, err)
			}
		}
	}

	// Read config file (optional; flags, env vars and defaults are sufficient)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()

	// Resolve env var references in endpoints (e.g., "${COQUI_URL}")
	cfg.TTS.Coqui.Endpoint = resolveEnvRef(cfg.TTS.Coqui.Endpoint)
	cfg.TTS.Piper.Endpoint = resolveEnvRef(cfg.TTS.Piper.Endpoint)
	for lang, ep := range cfg.TTS.Piper.Endpoints {
		cfg.TTS.Piper.Endpoints[lang] = resolveEnvRef(ep)
	}

	return &cfg, nil
}

// resolveEnvRef replaces "${VAR_NAME}" patterns with the corresponding env var value.
func resolveEnvRef(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		envKey := val[2 : len(val)-1]
		if envVal := os.Getenv(envKey); envVal != "" {
			return envVal
		}
	}
	return val
}

// SetupLogging configures the global slog logger based on config.
// Log records are written to w; console report lines are not logs and are
// written separately by the batch driver.
func SetupLogging(cfg LoggingConfig, w io.Writer) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}
