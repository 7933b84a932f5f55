package speech

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"callbridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sttServer accepts one realtime connection, captures the session.update, and
// hands the connection to script.
func sttServer(t *testing.T, script func(ctx context.Context, c *websocket.Conn, sessionUpdate []byte)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("OpenAI-Beta"); got != "realtime=v1" {
			t.Errorf("OpenAI-Beta = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		ctx := r.Context()
		_, update, err := c.Read(ctx)
		if err != nil {
			return
		}
		script(ctx, c, update)
	}))
}

func newTestSession(t *testing.T, srv *httptest.Server) *STTSession {
	t.Helper()
	s := NewSTTSession(STTConfig{
		APIKey:            "sk-test",
		BaseURL:           "ws" + strings.TrimPrefix(srv.URL, "http"),
		SilenceDurationMs: 800,
	}, testLogger())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s
}

func TestSTTSessionUpdate(t *testing.T) {
	got := make(chan []byte, 1)
	srv := sttServer(t, func(ctx context.Context, c *websocket.Conn, update []byte) {
		got <- update
		<-ctx.Done()
	})
	defer srv.Close()

	s := newTestSession(t, srv)
	defer s.Close()

	var msg struct {
		Type    string `json:"type"`
		Session struct {
			InputAudioFormat string `json:"input_audio_format"`
			TurnDetection    struct {
				Type              string  `json:"type"`
				Threshold         float64 `json:"threshold"`
				PrefixPaddingMs   int     `json:"prefix_padding_ms"`
				SilenceDurationMs int     `json:"silence_duration_ms"`
			} `json:"turn_detection"`
		} `json:"session"`
	}
	if err := json.Unmarshal(<-got, &msg); err != nil {
		t.Fatalf("unmarshal session.update: %v", err)
	}
	if msg.Type != "session.update" {
		t.Errorf("type = %q", msg.Type)
	}
	if msg.Session.InputAudioFormat != "g711_ulaw" {
		t.Errorf("input_audio_format = %q", msg.Session.InputAudioFormat)
	}
	td := msg.Session.TurnDetection
	if td.Type != "server_vad" || td.Threshold != 0.5 || td.PrefixPaddingMs != 300 || td.SilenceDurationMs != 800 {
		t.Errorf("turn_detection = %+v", td)
	}
}

func TestSTTWaitForTranscript(t *testing.T) {
	srv := sttServer(t, func(ctx context.Context, c *websocket.Conn, _ []byte) {
		// One audio append arrives, then a completed transcript goes out.
		_, _, _ = c.Read(ctx)
		_ = c.Write(ctx, websocket.MessageText,
			[]byte(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"hello there"}`))
		<-ctx.Done()
	})
	defer srv.Close()

	s := newTestSession(t, srv)
	defer s.Close()

	if err := s.SendAudio(context.Background(), []byte{0xFF, 0xFF}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	text, err := s.WaitForTranscript(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForTranscript: %v", err)
	}
	if text != "hello there" {
		t.Errorf("text = %q", text)
	}
}

func TestSTTWaitTimeoutKeepsSessionAlive(t *testing.T) {
	srv := sttServer(t, func(ctx context.Context, c *websocket.Conn, _ []byte) {
		<-ctx.Done()
	})
	defer srv.Close()

	s := newTestSession(t, srv)
	defer s.Close()

	_, err := s.WaitForTranscript(context.Background(), 50*time.Millisecond)
	if domain.ErrorCodeOf(err) != domain.CodeCallTimeout {
		t.Fatalf("err = %v, want CallTimeout", err)
	}
	// The socket must still be usable after a timeout.
	if err := s.SendAudio(context.Background(), []byte{0x00}); err != nil {
		t.Errorf("SendAudio after timeout: %v", err)
	}
}

func TestSTTWaitZeroTimeoutExpiresImmediately(t *testing.T) {
	srv := sttServer(t, func(ctx context.Context, c *websocket.Conn, _ []byte) {
		<-ctx.Done()
	})
	defer srv.Close()

	s := newTestSession(t, srv)
	defer s.Close()

	start := time.Now()
	_, err := s.WaitForTranscript(context.Background(), 0)
	if domain.ErrorCodeOf(err) != domain.CodeCallTimeout {
		t.Fatalf("err = %v, want CallTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Error("zero timeout must not fall back to the default window")
	}
}

func TestSTTWaitHangup(t *testing.T) {
	srv := sttServer(t, func(ctx context.Context, c *websocket.Conn, _ []byte) {
		<-ctx.Done()
	})
	defer srv.Close()

	s := newTestSession(t, srv)
	defer s.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.NotifyHangup()
	}()
	_, err := s.WaitForTranscript(context.Background(), 5*time.Second)
	if domain.ErrorCodeOf(err) != domain.CodeCallHungUp {
		t.Fatalf("err = %v, want CallHungUp", err)
	}
}

func TestSTTDoubleWaitRejected(t *testing.T) {
	srv := sttServer(t, func(ctx context.Context, c *websocket.Conn, _ []byte) {
		<-ctx.Done()
	})
	defer srv.Close()

	s := newTestSession(t, srv)
	defer s.Close()

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = s.WaitForTranscript(context.Background(), time.Second)
	}()
	<-started
	time.Sleep(20 * time.Millisecond)
	_, err := s.WaitForTranscript(context.Background(), time.Second)
	if domain.ErrorCodeOf(err) != domain.CodeInvalidState {
		t.Fatalf("err = %v, want InvalidState", err)
	}
}

func TestSTTTranscriptionFailed(t *testing.T) {
	srv := sttServer(t, func(ctx context.Context, c *websocket.Conn, _ []byte) {
		_ = c.Write(ctx, websocket.MessageText,
			[]byte(`{"type":"conversation.item.input_audio_transcription.failed","error":{"message":"audio too short"}}`))
		<-ctx.Done()
	})
	defer srv.Close()

	s := newTestSession(t, srv)
	defer s.Close()

	_, err := s.WaitForTranscript(context.Background(), 5*time.Second)
	if domain.ErrorCodeOf(err) != domain.CodeTranscription {
		t.Fatalf("err = %v, want TranscriptionError", err)
	}
	if !strings.Contains(err.Error(), "audio too short") {
		t.Errorf("error detail lost: %v", err)
	}
}

func TestSTTOnPartial(t *testing.T) {
	srv := sttServer(t, func(ctx context.Context, c *websocket.Conn, _ []byte) {
		_ = c.Write(ctx, websocket.MessageText,
			[]byte(`{"type":"conversation.item.input_audio_transcription.delta","delta":"hel"}`))
		_ = c.Write(ctx, websocket.MessageText,
			[]byte(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"hello"}`))
		<-ctx.Done()
	})
	defer srv.Close()

	s := newTestSession(t, srv)
	defer s.Close()

	partials := make(chan string, 4)
	s.OnPartial(func(d string) { partials <- d })

	text, err := s.WaitForTranscript(context.Background(), 5*time.Second)
	if err != nil || text != "hello" {
		t.Fatalf("WaitForTranscript = %q, %v", text, err)
	}
	select {
	case d := <-partials:
		if d != "hel" {
			t.Errorf("partial = %q", d)
		}
	case <-time.After(time.Second):
		t.Error("no partial delivered")
	}
}

func TestSynthesize(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Path != "/v1/audio/speech" {
			t.Errorf("path = %q", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		_, _ = w.Write([]byte{0x01, 0x02, 0x03, 0x04})
	}))
	defer srv.Close()

	syn := NewSynthesizer(TTSConfig{APIKey: "sk-test", Voice: "nova", BaseURL: srv.URL}, testLogger())
	audio, err := syn.Synthesize(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(audio) != 4 {
		t.Errorf("audio = %v", audio)
	}
	if gotBody["input"] != "hello world" || gotBody["voice"] != "nova" || gotBody["response_format"] != "pcm" {
		t.Errorf("request body = %v", gotBody)
	}
}

func TestSynthesizeAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid voice"}}`))
	}))
	defer srv.Close()

	syn := NewSynthesizer(TTSConfig{APIKey: "sk-test", BaseURL: srv.URL}, testLogger())
	_, err := syn.Synthesize(context.Background(), "hi")
	if domain.ErrorCodeOf(err) != domain.CodeSynthesis {
		t.Fatalf("err = %v, want SynthesisError", err)
	}
	if !strings.Contains(err.Error(), "invalid voice") {
		t.Errorf("body not carried: %v", err)
	}
}
