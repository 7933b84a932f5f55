package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"callbridge/internal/domain"
)

// TTSConfig holds the synthesis settings.
type TTSConfig struct {
	APIKey  string
	Model   string // "tts-1" or "tts-1-hd"
	Voice   string
	BaseURL string // defaults to "https://api.openai.com"
}

// Synthesizer produces 16-bit PCM at 24kHz from text. One-shot: no caching,
// no retry.
type Synthesizer struct {
	cfg    TTSConfig
	client *http.Client
	logger *slog.Logger
}

func NewSynthesizer(cfg TTSConfig, logger *slog.Logger) *Synthesizer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "tts-1"
	}
	if cfg.Voice == "" {
		cfg.Voice = "onyx"
	}
	return &Synthesizer{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// Synthesize returns the full PCM buffer for text.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"model":           s.cfg.Model,
		"input":           text,
		"voice":           s.cfg.Voice,
		"response_format": "pcm",
	})
	if err != nil {
		return nil, domain.WrapOp("tts.Synthesize", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/v1/audio/speech", bytes.NewReader(payload))
	if err != nil {
		return nil, domain.WrapOp("tts.Synthesize", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, domain.NewDomainError("tts.Synthesize", domain.ErrNetwork, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, domain.NewDomainError("tts.Synthesize", domain.ErrSynthesis,
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewDomainError("tts.Synthesize", domain.ErrNetwork, err.Error())
	}
	return audio, nil
}
