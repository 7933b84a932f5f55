package carrier

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"callbridge/internal/domain"
	"callbridge/internal/infra/config"
)

const telnyxAPIBase = "https://api.telnyx.com/v2"

// TelnyxDriver places calls through the Telnyx Call Control API. Streaming
// is started with an explicit API action once the carrier reports the call
// answered; the webhook response document is an empty envelope.
type TelnyxDriver struct {
	apiBase      string
	apiKey       string
	connectionID string
	publicKey    ed25519.PublicKey
	client       *http.Client
	logger       *slog.Logger
}

// NewTelnyxDriver builds the driver. A configured public key must be valid
// base64 ed25519; an empty key leaves signature verification failing closed.
func NewTelnyxDriver(cfg config.CarrierConfig, logger *slog.Logger) (*TelnyxDriver, error) {
	d := &TelnyxDriver{
		apiBase:      telnyxAPIBase,
		apiKey:       cfg.Secret,
		connectionID: cfg.AccountID,
		client:       &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
	}
	if cfg.TelnyxPublicKey != "" {
		raw, err := base64.StdEncoding.DecodeString(cfg.TelnyxPublicKey)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, domain.NewDomainError("carrier.NewTelnyxDriver", domain.ErrInvalidInput,
				"telnyx public key is not base64 ed25519")
		}
		d.publicKey = ed25519.PublicKey(raw)
	}
	return d, nil
}

func (d *TelnyxDriver) Name() string { return "telnyx" }

func (d *TelnyxDriver) Initiate(ctx context.Context, to, from, webhookURL string) (string, error) {
	payload := map[string]any{
		"to":                 to,
		"from":               from,
		"webhook_url":        webhookURL,
		"webhook_url_method": "POST",
		"connection_id":      d.connectionID,
	}

	body, err := d.post(ctx, d.apiBase+"/calls", payload)
	if err != nil {
		return "", domain.WrapOp("telnyx.Initiate", err)
	}

	var result struct {
		Data struct {
			CallControlID string `json:"call_control_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", domain.NewDomainError("telnyx.Initiate", domain.ErrProvider, "malformed create-call response")
	}
	if result.Data.CallControlID == "" {
		return "", domain.NewDomainError("telnyx.Initiate", domain.ErrProvider, "missing call_control_id")
	}
	return result.Data.CallControlID, nil
}

func (d *TelnyxDriver) Hangup(ctx context.Context, carrierCallID string) error {
	_, err := d.post(ctx, fmt.Sprintf("%s/calls/%s/actions/hangup", d.apiBase, carrierCallID), map[string]any{})
	return domain.WrapOp("telnyx.Hangup", err)
}

func (d *TelnyxDriver) StartStreaming(ctx context.Context, carrierCallID, wsURL string) error {
	payload := map[string]any{
		"stream_url":   wsURL,
		"stream_track": "inbound",
		"format":       "ULAW",
		"sample_rate":  8000,
	}
	_, err := d.post(ctx, fmt.Sprintf("%s/calls/%s/actions/stream", d.apiBase, carrierCallID), payload)
	return domain.WrapOp("telnyx.StartStreaming", err)
}

// StreamConnectResponse returns an empty envelope; streaming is triggered via
// the API when the streaming.started webhook arrives.
func (d *TelnyxDriver) StreamConnectResponse(string) []byte {
	return []byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`)
}

// VerifySignature checks the ed25519 signature over the raw body. Returns
// false when no public key is configured; the endpoint decides whether that
// is fatal.
func (d *TelnyxDriver) VerifySignature(headerSig, _ string, body []byte) bool {
	if len(d.publicKey) == 0 || headerSig == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(headerSig)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(d.publicKey, body, sig)
}

// ParseEvent normalizes a Telnyx webhook body.
func (d *TelnyxDriver) ParseEvent(body []byte) (domain.Event, error) {
	var msg struct {
		Data struct {
			EventType string `json:"event_type"`
			Payload   struct {
				CallControlID string `json:"call_control_id"`
				HangupCause   string `json:"hangup_cause"`
			} `json:"payload"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return domain.Event{}, domain.NewDomainError("telnyx.ParseEvent", domain.ErrInvalidInput, "malformed webhook body")
	}

	ev := domain.Event{
		CarrierCallID: msg.Data.Payload.CallControlID,
		Raw:           msg.Data.EventType,
	}
	switch msg.Data.EventType {
	case "call.initiated":
		ev.Type = domain.EventCallInitiated
	case "call.answered":
		ev.Type = domain.EventCallAnswered
	case "call.hangup":
		switch msg.Data.Payload.HangupCause {
		case "user_busy":
			ev.Type = domain.EventCallBusy
		case "no_answer", "timeout":
			ev.Type = domain.EventCallNoAnswer
		default:
			ev.Type = domain.EventCallHungUp
		}
	case "call.machine.detection.ended":
		ev.Type = domain.EventCallAnswered
	case "streaming.started":
		ev.Type = domain.EventStreamingStarted
	case "streaming.stopped":
		ev.Type = domain.EventStreamingStopped
	case "streaming.failed", "call.failed":
		ev.Type = domain.EventCallFailed
	default:
		ev.Type = domain.EventUnknown
	}
	return ev, nil
}

func (d *TelnyxDriver) post(ctx context.Context, url string, payload map[string]any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, domain.NewDomainError("telnyx.post", domain.ErrNetwork, err.Error())
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, domain.NewDomainError("telnyx.post", domain.ErrProvider,
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)))
	}
	return body, nil
}

var _ Driver = (*TelnyxDriver)(nil)
