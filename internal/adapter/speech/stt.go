// Package speech talks to the OpenAI speech services: realtime transcription
// over WebSocket and one-shot synthesis over REST.
package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"callbridge/internal/domain"
)

// STTConfig holds the realtime transcription settings.
type STTConfig struct {
	APIKey            string
	Model             string // "gpt-4o-transcribe"
	BaseURL           string // WebSocket URL, defaults to the OpenAI Realtime API
	SilenceDurationMs int    // server VAD silence threshold
}

// sttResult carries one resolved transcript or a terminal error.
type sttResult struct {
	text string
	err  error
}

// STTSession is a live transcription session. A single goroutine owns the
// write side (the media pump); WaitForTranscript may be called from the
// orchestrator goroutine. Only one WaitForTranscript may be outstanding.
type STTSession struct {
	cfg    STTConfig
	conn   *websocket.Conn
	logger *slog.Logger

	results chan sttResult
	hangup  chan struct{}
	done    chan struct{}

	mu        sync.Mutex
	waiting   bool
	onPartial func(string)

	closeOnce  sync.Once
	hangupOnce sync.Once
}

// NewSTTSession builds an unconnected session.
func NewSTTSession(cfg STTConfig, logger *slog.Logger) *STTSession {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "wss://api.openai.com/v1/realtime"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-transcribe"
	}
	if cfg.SilenceDurationMs <= 0 {
		cfg.SilenceDurationMs = 800
	}
	return &STTSession{
		cfg:     cfg,
		logger:  logger,
		results: make(chan sttResult, 8),
		hangup:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Connect dials the realtime endpoint and configures the session for
// mu-law input with server-side voice activity detection.
func (s *STTSession) Connect(ctx context.Context) error {
	wsURL := fmt.Sprintf("%s?model=%s", s.cfg.BaseURL, s.cfg.Model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: map[string][]string{
			"Authorization": {"Bearer " + s.cfg.APIKey},
			"OpenAI-Beta":   {"realtime=v1"},
		},
	})
	if err != nil {
		return domain.NewDomainError("stt.Connect", domain.ErrNetwork, err.Error())
	}
	conn.SetReadLimit(1 << 20)
	s.conn = conn

	sessionCfg := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"input_audio_format": "g711_ulaw",
			"input_audio_transcription": map[string]any{
				"model": s.cfg.Model,
			},
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           0.5,
				"prefix_padding_ms":   300,
				"silence_duration_ms": s.cfg.SilenceDurationMs,
			},
		},
	}
	data, err := json.Marshal(sessionCfg)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "config marshal error")
		return domain.WrapOp("stt.Connect", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusInternalError, "config write error")
		return domain.NewDomainError("stt.Connect", domain.ErrNetwork, err.Error())
	}

	go s.readLoop()
	return nil
}

// SendAudio forwards one chunk of mu-law audio to the recognizer.
func (s *STTSession) SendAudio(ctx context.Context, audio []byte) error {
	select {
	case <-s.done:
		return domain.NewDomainError("stt.SendAudio", domain.ErrInvalidState, "session closed")
	default:
	}

	// []byte marshals as base64, which is what the append event wants.
	msg := map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": audio,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return domain.WrapOp("stt.SendAudio", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return domain.NewDomainError("stt.SendAudio", domain.ErrNetwork, err.Error())
	}
	return nil
}

// OnPartial registers a callback invoked for each transcript delta. Must be
// set before audio starts flowing.
func (s *STTSession) OnPartial(cb func(string)) {
	s.mu.Lock()
	s.onPartial = cb
	s.mu.Unlock()
}

// NotifyHangup unblocks a pending WaitForTranscript with ErrCallHungUp.
// Safe to call multiple times and from any goroutine.
func (s *STTSession) NotifyHangup() {
	s.hangupOnce.Do(func() { close(s.hangup) })
}

// WaitForTranscript blocks until the recognizer emits a completed transcript,
// the timeout elapses, the call hangs up or ctx is cancelled. A negative
// timeout selects the default of 10x the VAD silence window; zero expires
// immediately. A timeout does not close the socket; the caller may wait
// again.
func (s *STTSession) WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error) {
	s.mu.Lock()
	if s.waiting {
		s.mu.Unlock()
		return "", domain.NewDomainError("stt.WaitForTranscript", domain.ErrInvalidState,
			"a transcript wait is already outstanding")
	}
	s.waiting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.waiting = false
		s.mu.Unlock()
	}()

	if timeout < 0 {
		timeout = 10 * time.Duration(s.cfg.SilenceDurationMs) * time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-s.results:
		if res.err != nil {
			return "", res.err
		}
		return res.text, nil
	case <-s.hangup:
		return "", domain.NewDomainError("stt.WaitForTranscript", domain.ErrCallHungUp, "user hung up")
	case <-timer.C:
		return "", domain.NewDomainError("stt.WaitForTranscript", domain.ErrCallTimeout, "no speech detected")
	case <-ctx.Done():
		return "", domain.WrapOp("stt.WaitForTranscript", ctx.Err())
	case <-s.done:
		return "", domain.NewDomainError("stt.WaitForTranscript", domain.ErrInvalidState, "session closed")
	}
}

// Close tears down the socket. Idempotent.
func (s *STTSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close(websocket.StatusNormalClosure, "session ended")
		}
	})
	return nil
}

func (s *STTSession) readLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		_, data, err := s.conn.Read(context.Background())
		if err != nil {
			select {
			case <-s.done:
			default:
				s.deliver(sttResult{err: domain.NewDomainError("stt.readLoop", domain.ErrNetwork, err.Error())})
			}
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "conversation.item.input_audio_transcription.completed":
			var completed struct {
				Transcript string `json:"transcript"`
			}
			if err := json.Unmarshal(data, &completed); err == nil {
				s.deliver(sttResult{text: completed.Transcript})
			}

		case "conversation.item.input_audio_transcription.delta":
			var delta struct {
				Delta string `json:"delta"`
			}
			if err := json.Unmarshal(data, &delta); err == nil && delta.Delta != "" {
				s.mu.Lock()
				cb := s.onPartial
				s.mu.Unlock()
				if cb != nil {
					cb(delta.Delta)
				}
			}

		case "conversation.item.input_audio_transcription.failed":
			var failed struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			_ = json.Unmarshal(data, &failed)
			s.deliver(sttResult{err: domain.NewDomainError("stt.readLoop", domain.ErrTranscription, failed.Error.Message)})

		case "input_audio_buffer.speech_started", "input_audio_buffer.speech_stopped":
			s.logger.Debug("vad event", "type", msg.Type)

		case "error":
			var errMsg struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			_ = json.Unmarshal(data, &errMsg)
			s.logger.Warn("stt server error", "message", errMsg.Error.Message)
		}
	}
}

func (s *STTSession) deliver(res sttResult) {
	select {
	case s.results <- res:
	default:
		s.logger.Warn("stt result dropped, no consumer")
	}
}
