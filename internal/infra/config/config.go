package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"callbridge/internal/domain"
)

// Provider identifies the telephony carrier.
type Provider string

const (
	ProviderTelnyx Provider = "telnyx"
	ProviderTwilio Provider = "twilio"
)

// Voices supported by the speech service.
var Voices = []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"}

// Defaults.
const (
	DefaultPort              = 3333
	DefaultVoice             = "onyx"
	DefaultTTSModel          = "tts-1"
	DefaultSTTModel          = "gpt-4o-transcribe"
	DefaultSilenceDurationMs = 800
	DefaultTranscriptTimeout = 180 * time.Second
)

// CarrierConfig is immutable per process: which carrier, its credentials and
// the outbound caller id.
type CarrierConfig struct {
	Provider   Provider `yaml:"provider"`
	AccountID  string   `yaml:"account_id"` // Twilio account SID / Telnyx connection id
	Secret     string   `yaml:"secret"`     // Twilio auth token / Telnyx API key
	FromNumber string   `yaml:"from_number"`

	// TelnyxPublicKey is the base64 ed25519 public key used to verify
	// Telnyx webhook signatures. Optional; see StrictSignatures.
	TelnyxPublicKey string `yaml:"telnyx_public_key,omitempty"`
}

// SpeechConfig holds the speech-service settings.
type SpeechConfig struct {
	APIKey            string        `yaml:"api_key"`
	Voice             string        `yaml:"voice"`
	TTSModel          string        `yaml:"tts_model"`
	STTModel          string        `yaml:"stt_model"`
	SilenceDurationMs int           `yaml:"silence_duration_ms"`
	TranscriptTimeout time.Duration `yaml:"transcript_timeout"`
}

// EndpointConfig holds the webhook/media endpoint settings. PublicURL is
// late-bound: it may be set once after startup (e.g. when a tunnel comes up)
// and is frozen afterward.
type EndpointConfig struct {
	Port      int    `yaml:"port"`
	PublicURL string `yaml:"public_url,omitempty"`

	mu     sync.Mutex
	frozen bool
}

// LoggerConfig holds logging settings. Output defaults to stderr: stdout
// carries the MCP stdio transport and must stay clean.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	Output string `yaml:"output"` // "stderr", "stdout" or a file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// Config is the top-level application configuration.
type Config struct {
	Carrier    CarrierConfig  `yaml:"carrier"`
	Speech     SpeechConfig   `yaml:"speech"`
	Endpoint   EndpointConfig `yaml:"endpoint"`
	UserNumber string         `yaml:"user_number"`
	Logger     LoggerConfig   `yaml:"logger"`
	Tracer     TracerConfig   `yaml:"tracer"`

	// StrictSignatures rejects webhooks whose signature does not verify.
	// Default is permissive (verify-and-log) because tunnels may rewrite
	// headers; production deployments must enable this.
	StrictSignatures bool `yaml:"strict_signatures"`
}

// Load builds a Config from an optional YAML file overlaid with environment
// variables. path may be empty.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Endpoint: EndpointConfig{Port: DefaultPort},
		Speech: SpeechConfig{
			Voice:             DefaultVoice,
			TTSModel:          DefaultTTSModel,
			STTModel:          DefaultSTTModel,
			SilenceDurationMs: DefaultSilenceDurationMs,
			TranscriptTimeout: DefaultTranscriptTimeout,
		},
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays CALLBRIDGE_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr("CALLBRIDGE_ACCOUNT_ID", &cfg.Carrier.AccountID)
	setStr("CALLBRIDGE_SECRET", &cfg.Carrier.Secret)
	setStr("CALLBRIDGE_FROM_NUMBER", &cfg.Carrier.FromNumber)
	setStr("CALLBRIDGE_TELNYX_PUBLIC_KEY", &cfg.Carrier.TelnyxPublicKey)
	setStr("CALLBRIDGE_USER_NUMBER", &cfg.UserNumber)
	setStr("OPENAI_API_KEY", &cfg.Speech.APIKey)
	setStr("CALLBRIDGE_VOICE", &cfg.Speech.Voice)
	setStr("CALLBRIDGE_PUBLIC_URL", &cfg.Endpoint.PublicURL)
	setStr("CALLBRIDGE_LOG_LEVEL", &cfg.Logger.Level)

	if v := os.Getenv("CALLBRIDGE_PROVIDER"); v != "" {
		cfg.Carrier.Provider = Provider(v)
	}
	if v := os.Getenv("CALLBRIDGE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Endpoint.Port = n
		}
	}
	if v := os.Getenv("CALLBRIDGE_SILENCE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Speech.SilenceDurationMs = n
		}
	}
	if v := os.Getenv("CALLBRIDGE_TRANSCRIPT_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Speech.TranscriptTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("CALLBRIDGE_STRICT_SIGNATURES"); v != "" {
		cfg.StrictSignatures = v == "1" || v == "true"
	}
}

// Validate checks required keys and enum values. Each missing key is
// reported with domain.ErrMissingConfig so startup can exit with code 1.
func (c *Config) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"CALLBRIDGE_PROVIDER", string(c.Carrier.Provider)},
		{"CALLBRIDGE_ACCOUNT_ID", c.Carrier.AccountID},
		{"CALLBRIDGE_SECRET", c.Carrier.Secret},
		{"CALLBRIDGE_FROM_NUMBER", c.Carrier.FromNumber},
		{"CALLBRIDGE_USER_NUMBER", c.UserNumber},
		{"OPENAI_API_KEY", c.Speech.APIKey},
	}
	for _, r := range required {
		if r.value == "" {
			return domain.NewDomainError("config.Validate", domain.ErrMissingConfig, r.key)
		}
	}

	switch c.Carrier.Provider {
	case ProviderTelnyx, ProviderTwilio:
	default:
		return domain.NewDomainError("config.Validate", domain.ErrInvalidInput,
			fmt.Sprintf("unknown provider %q (want telnyx or twilio)", c.Carrier.Provider))
	}

	valid := false
	for _, v := range Voices {
		if v == c.Speech.Voice {
			valid = true
			break
		}
	}
	if !valid {
		return domain.NewDomainError("config.Validate", domain.ErrInvalidInput,
			fmt.Sprintf("unknown voice %q", c.Speech.Voice))
	}

	return nil
}

// SetPublicURL late-binds the public base URL. It succeeds at most once;
// subsequent calls (and calls after the URL was set via config) fail.
func (e *EndpointConfig) SetPublicURL(u string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.frozen || e.PublicURL != "" {
		return domain.NewDomainError("config.SetPublicURL", domain.ErrInvalidState, "public URL already set")
	}
	e.PublicURL = u
	e.frozen = true
	return nil
}

// WebhookURL returns the public webhook URL, or "" if the public URL is not
// yet bound.
func (e *EndpointConfig) WebhookURL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.PublicURL == "" {
		return ""
	}
	return e.PublicURL + "/twiml"
}

// MediaStreamURL returns the wss:// media-stream URL carrying the bind token.
func (e *EndpointConfig) MediaStreamURL(token string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.PublicURL == "" {
		return ""
	}
	u := e.PublicURL
	switch {
	case len(u) > 8 && u[:8] == "https://":
		u = "wss://" + u[8:]
	case len(u) > 7 && u[:7] == "http://":
		u = "ws://" + u[7:]
	}
	return u + "/media-stream?token=" + token
}
