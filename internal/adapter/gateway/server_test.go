package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"callbridge/internal/adapter/carrier"
	"callbridge/internal/call"
	"callbridge/internal/domain"
	"callbridge/internal/infra/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubSTT satisfies the orchestrator's session surface; the gateway tests
// only exercise bind and teardown.
type stubSTT struct {
	mu     sync.Mutex
	audio  [][]byte
	hangup bool
}

func (s *stubSTT) Connect(context.Context) error { return nil }

func (s *stubSTT) SendAudio(_ context.Context, b []byte) error {
	s.mu.Lock()
	s.audio = append(s.audio, b)
	s.mu.Unlock()
	return nil
}

func (s *stubSTT) WaitForTranscript(context.Context, time.Duration) (string, error) {
	return "", domain.ErrCallTimeout
}

func (s *stubSTT) OnPartial(func(string)) {}

func (s *stubSTT) NotifyHangup() {
	s.mu.Lock()
	s.hangup = true
	s.mu.Unlock()
}

func (s *stubSTT) Close() error { return nil }

type stubSynth struct{}

func (stubSynth) Synthesize(context.Context, string) ([]byte, error) {
	return make([]byte, 480), nil
}

type fixture struct {
	srv    *httptest.Server
	gw     *Server
	orch   *call.Orchestrator
	reg    *call.Registry
	driver *carrier.MockDriver
	cfg    *config.Config
	stt    *stubSTT
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		UserNumber: "+15550001111",
		Carrier:    config.CarrierConfig{FromNumber: "+15550002222"},
		Speech:     config.SpeechConfig{TranscriptTimeout: 100 * time.Millisecond},
		Endpoint:   config.EndpointConfig{PublicURL: "https://bridge.example.com"},
	}
	f := &fixture{
		reg:    call.NewRegistry(),
		driver: carrier.NewMockDriver(),
		cfg:    cfg,
		stt:    &stubSTT{},
	}
	f.orch = call.NewOrchestrator(f.reg, f.driver, stubSynth{},
		func() call.STTSession { return f.stt }, cfg, testLogger())
	f.gw = NewServer(f.orch, f.driver, cfg, testLogger())
	f.srv = httptest.NewServer(f.gw.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

// seedCall registers an active call the webhooks can resolve.
func (f *fixture) seedCall() {
	f.reg.Insert(&call.Call{
		CallRecord: domain.CallRecord{
			CallID:        "call-0-1",
			CarrierCallID: "cc-1",
			Token:         "tok-1",
			State:         domain.CallStateDialing,
			StartTime:     time.Now(),
		},
		STT: f.stt,
	})
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.seedCall()

	resp, err := http.Get(f.srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Status      string `json:"status"`
		ActiveCalls int    `json:"activeCalls"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.ActiveCalls != 1 {
		t.Errorf("body = %+v", body)
	}
}

func TestWebhookReturnsInstructionDoc(t *testing.T) {
	f := newFixture(t)
	f.seedCall()
	f.driver.ParseEventResult = domain.Event{
		Type: domain.EventCallAnswered, CarrierCallID: "cc-1",
	}
	f.driver.ConnectResponse = []byte(`<Response><Connect/></Response>`)

	resp, err := http.Post(f.srv.URL+"/twiml", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST /twiml: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/xml" {
		t.Errorf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "<Connect/>") {
		t.Errorf("body = %s", body)
	}
	// The answered event reached the orchestrator and requested streaming.
	if len(f.driver.StartStreamCalls) != 1 {
		t.Errorf("stream requests = %d", len(f.driver.StartStreamCalls))
	}
}

func TestWebhookStrictSignatureRejected(t *testing.T) {
	f := newFixture(t)
	f.seedCall()
	f.cfg.StrictSignatures = true
	f.driver.VerifyResult = false

	resp, err := http.Post(f.srv.URL+"/twiml", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST /twiml: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	// Rejection must leave call state untouched.
	if f.reg.ActiveCount() != 1 {
		t.Error("call state changed by rejected webhook")
	}
	if len(f.driver.StartStreamCalls) != 0 {
		t.Error("event processed despite rejection")
	}
}

func TestWebhookPermissiveSignatureAccepted(t *testing.T) {
	f := newFixture(t)
	f.seedCall()
	f.driver.VerifyResult = false
	f.driver.ParseEventResult = domain.Event{
		Type: domain.EventCallAnswered, CarrierCallID: "cc-1",
	}

	resp, err := http.Post(f.srv.URL+"/twiml", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST /twiml: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(f.driver.StartStreamCalls) != 1 {
		t.Error("event dropped in permissive mode")
	}
}

func TestWebhookUnknownCallGetsEmptyDoc(t *testing.T) {
	f := newFixture(t)
	f.driver.ParseEventResult = domain.Event{
		Type: domain.EventCallAnswered, CarrierCallID: "cc-missing",
	}

	resp, err := http.Post(f.srv.URL+"/twiml", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST /twiml: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "<Response></Response>") {
		t.Errorf("body = %s", body)
	}
}

func TestMediaStreamRejectsMissingToken(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/media-stream")
	if err != nil {
		t.Fatalf("GET /media-stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestMediaStreamRejectsUnknownToken(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/media-stream?token=bogus")
	if err != nil {
		t.Fatalf("GET /media-stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestMediaStreamBindsAndForwardsAudio(t *testing.T) {
	f := newFixture(t)
	f.seedCall()

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/media-stream?token=tok-1"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	err = conn.Write(ctx, websocket.MessageText,
		[]byte(`{"event":"start","start":{"streamSid":"MZ99"}}`))
	if err != nil {
		t.Fatalf("write start: %v", err)
	}
	err = conn.Write(ctx, websocket.MessageText,
		[]byte(`{"event":"media","media":{"track":"inbound","payload":"//8A"}}`))
	if err != nil {
		t.Fatalf("write media: %v", err)
	}

	waitFor(t, func() bool {
		c, err := f.reg.Get("call-0-1")
		if err != nil || c.StreamSID != "MZ99" || !c.ChannelBound {
			return false
		}
		f.stt.mu.Lock()
		defer f.stt.mu.Unlock()
		return len(f.stt.audio) == 1
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}
