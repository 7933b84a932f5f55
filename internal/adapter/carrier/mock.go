package carrier

import (
	"context"
	"sync"

	"callbridge/internal/domain"
)

// MockDriver is a test double for Driver.
type MockDriver struct {
	mu sync.Mutex

	InitiateID       string
	InitiateErr      error
	HangupErr        error
	StartStreamErr   error
	VerifyResult     bool
	ParseEventResult domain.Event
	ParseEventErr    error
	ConnectResponse  []byte

	InitiateCalls    []string // "to" numbers
	HangupCalls      []string
	StartStreamCalls []string // wsURLs
}

func NewMockDriver() *MockDriver {
	return &MockDriver{
		InitiateID:      "mock-carrier-id",
		VerifyResult:    true,
		ConnectResponse: []byte(`<Response></Response>`),
	}
}

func (m *MockDriver) Name() string { return "mock" }

func (m *MockDriver) Initiate(_ context.Context, to, _, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InitiateCalls = append(m.InitiateCalls, to)
	return m.InitiateID, m.InitiateErr
}

func (m *MockDriver) Hangup(_ context.Context, carrierCallID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HangupCalls = append(m.HangupCalls, carrierCallID)
	return m.HangupErr
}

func (m *MockDriver) StartStreaming(_ context.Context, _, wsURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StartStreamCalls = append(m.StartStreamCalls, wsURL)
	return m.StartStreamErr
}

func (m *MockDriver) StreamConnectResponse(string) []byte { return m.ConnectResponse }

func (m *MockDriver) VerifySignature(string, string, []byte) bool { return m.VerifyResult }

func (m *MockDriver) ParseEvent([]byte) (domain.Event, error) {
	return m.ParseEventResult, m.ParseEventErr
}

// HangupCount returns how many hangups were requested.
func (m *MockDriver) HangupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.HangupCalls)
}

var _ Driver = (*MockDriver)(nil)
