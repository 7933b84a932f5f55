// Package carrier implements the telephony carrier drivers. Two carriers are
// supported: Telnyx (REST+JSON, streaming started by API call) and Twilio
// (REST+form, streaming started by the instruction document returned from
// the webhook). Both normalize webhook events into domain.Event.
package carrier

import (
	"context"
	"fmt"
	"log/slog"

	"callbridge/internal/domain"
	"callbridge/internal/infra/config"
)

// Driver is the carrier-facing surface. Implementations must be safe for
// concurrent use; the orchestrator and the webhook handler call in from
// different goroutines.
type Driver interface {
	Name() string

	// Initiate places an outbound call and returns the carrier's call id.
	Initiate(ctx context.Context, to, from, webhookURL string) (string, error)

	// Hangup terminates the call on the carrier side.
	Hangup(ctx context.Context, carrierCallID string) error

	// StartStreaming asks the carrier to dial the media WebSocket. A no-op
	// for carriers that start streaming via the webhook response document.
	StartStreaming(ctx context.Context, carrierCallID, wsURL string) error

	// StreamConnectResponse returns the document served from the webhook
	// that instructs the carrier how to proceed (and, for Twilio, to dial
	// the media WebSocket at wsURL).
	StreamConnectResponse(wsURL string) []byte

	// VerifySignature reports whether the webhook signature header matches
	// the request. Enforcement policy is the caller's concern.
	VerifySignature(headerSig, fullURL string, body []byte) bool

	// ParseEvent normalizes a webhook body into a domain event.
	ParseEvent(body []byte) (domain.Event, error)
}

// New builds the configured carrier driver.
func New(cfg config.CarrierConfig, logger *slog.Logger) (Driver, error) {
	switch cfg.Provider {
	case config.ProviderTelnyx:
		return NewTelnyxDriver(cfg, logger)
	case config.ProviderTwilio:
		return NewTwilioDriver(cfg, logger), nil
	default:
		return nil, domain.NewDomainError("carrier.New", domain.ErrInvalidInput,
			fmt.Sprintf("unknown provider %q", cfg.Provider))
	}
}
