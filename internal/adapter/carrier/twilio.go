package carrier

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"callbridge/internal/domain"
	"callbridge/internal/infra/config"
)

const twilioAPIBase = "https://api.twilio.com/2010-04-01"

// TwilioDriver places calls through the Twilio REST API. Streaming is
// started by the instruction document returned from the webhook, so
// StartStreaming is a no-op.
type TwilioDriver struct {
	apiBase    string
	accountSID string
	authToken  string
	client     *http.Client
	logger     *slog.Logger
}

func NewTwilioDriver(cfg config.CarrierConfig, logger *slog.Logger) *TwilioDriver {
	return &TwilioDriver{
		apiBase:    twilioAPIBase,
		accountSID: cfg.AccountID,
		authToken:  cfg.Secret,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

func (d *TwilioDriver) Name() string { return "twilio" }

func (d *TwilioDriver) Initiate(ctx context.Context, to, from, webhookURL string) (string, error) {
	form := url.Values{
		"To":   {to},
		"From": {from},
		"Url":  {webhookURL},
	}
	body, err := d.postForm(ctx, fmt.Sprintf("%s/Accounts/%s/Calls.json", d.apiBase, d.accountSID), form)
	if err != nil {
		return "", domain.WrapOp("twilio.Initiate", err)
	}

	var result struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", domain.NewDomainError("twilio.Initiate", domain.ErrProvider, "malformed create-call response")
	}
	if result.SID == "" {
		return "", domain.NewDomainError("twilio.Initiate", domain.ErrProvider, "missing call sid")
	}
	return result.SID, nil
}

func (d *TwilioDriver) Hangup(ctx context.Context, carrierCallID string) error {
	form := url.Values{"Status": {"completed"}}
	_, err := d.postForm(ctx, fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", d.apiBase, d.accountSID, carrierCallID), form)
	return domain.WrapOp("twilio.Hangup", err)
}

// StartStreaming is a no-op: the <Start><Stream> verb in the webhook
// response document tells Twilio to dial the media WebSocket.
func (d *TwilioDriver) StartStreaming(context.Context, string, string) error { return nil }

// StreamConnectResponse returns the TwiML that starts the media stream and
// keeps the call leg alive while the conversation runs.
func (d *TwilioDriver) StreamConnectResponse(wsURL string) []byte {
	return []byte(fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><Response><Start><Stream url="%s"/></Start><Pause length="60"/></Response>`,
		xmlEscape(wsURL),
	))
}

// VerifySignature checks the HMAC-SHA1 of (fullURL || rawBody) against the
// base64 header value.
func (d *TwilioDriver) VerifySignature(headerSig, fullURL string, body []byte) bool {
	if headerSig == "" {
		return false
	}
	provided, err := base64.StdEncoding.DecodeString(headerSig)
	if err != nil {
		return false
	}
	return hmac.Equal(provided, computeTwilioSignature(d.authToken, fullURL, body))
}

// ParseEvent normalizes a Twilio status callback (form-encoded).
func (d *TwilioDriver) ParseEvent(body []byte) (domain.Event, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return domain.Event{}, domain.NewDomainError("twilio.ParseEvent", domain.ErrInvalidInput, "malformed form body")
	}
	callSID := values.Get("CallSid")
	status := values.Get("CallStatus")
	if callSID == "" {
		return domain.Event{}, domain.NewDomainError("twilio.ParseEvent", domain.ErrInvalidInput, "missing CallSid")
	}

	ev := domain.Event{CarrierCallID: callSID, Raw: status}
	switch status {
	case "queued", "initiated":
		ev.Type = domain.EventCallInitiated
	case "ringing", "in-progress":
		ev.Type = domain.EventCallAnswered
	case "completed":
		ev.Type = domain.EventCallHungUp
	case "busy":
		ev.Type = domain.EventCallBusy
	case "no-answer":
		ev.Type = domain.EventCallNoAnswer
	case "failed", "canceled":
		ev.Type = domain.EventCallFailed
	default:
		ev.Type = domain.EventUnknown
	}
	return ev, nil
}

func (d *TwilioDriver) postForm(ctx context.Context, apiURL string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(d.accountSID, d.authToken)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, domain.NewDomainError("twilio.postForm", domain.ErrNetwork, err.Error())
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, domain.NewDomainError("twilio.postForm", domain.ErrProvider,
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)))
	}
	return body, nil
}

// computeTwilioSignature is HMAC-SHA1 over the full webhook URL followed by
// the raw request body.
func computeTwilioSignature(authToken, fullURL string, body []byte) []byte {
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(fullURL))
	mac.Write(body)
	return mac.Sum(nil)
}

// xmlEscape escapes special characters for XML content.
func xmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	return s
}

var _ Driver = (*TwilioDriver)(nil)
