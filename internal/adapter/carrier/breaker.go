package carrier

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"callbridge/internal/domain"
)

const (
	breakerMaxFailures uint32 = 3
	breakerTimeout            = 30 * time.Second
	breakerInterval           = 60 * time.Second
)

// BreakerDriver wraps a Driver's REST operations with a circuit breaker.
// When the carrier API fails repeatedly, subsequent calls fail fast instead
// of stacking 30s timeouts behind the turn lock. Webhook-side operations
// (parsing, signatures, the response document) bypass the breaker.
type BreakerDriver struct {
	inner   Driver
	breaker *gobreaker.CircuitBreaker[string]
	logger  *slog.Logger
}

func NewBreakerDriver(inner Driver, logger *slog.Logger) *BreakerDriver {
	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "carrier:" + inner.Name(),
		MaxRequests: 1, // one probe in half-open
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &BreakerDriver{inner: inner, breaker: cb, logger: logger}
}

func (d *BreakerDriver) Name() string { return d.inner.Name() }

func (d *BreakerDriver) Initiate(ctx context.Context, to, from, webhookURL string) (string, error) {
	id, err := d.breaker.Execute(func() (string, error) {
		return d.inner.Initiate(ctx, to, from, webhookURL)
	})
	return id, d.wrapBreakerErr(err)
}

func (d *BreakerDriver) Hangup(ctx context.Context, carrierCallID string) error {
	_, err := d.breaker.Execute(func() (string, error) {
		return "", d.inner.Hangup(ctx, carrierCallID)
	})
	return d.wrapBreakerErr(err)
}

func (d *BreakerDriver) StartStreaming(ctx context.Context, carrierCallID, wsURL string) error {
	_, err := d.breaker.Execute(func() (string, error) {
		return "", d.inner.StartStreaming(ctx, carrierCallID, wsURL)
	})
	return d.wrapBreakerErr(err)
}

func (d *BreakerDriver) StreamConnectResponse(wsURL string) []byte {
	return d.inner.StreamConnectResponse(wsURL)
}

func (d *BreakerDriver) VerifySignature(headerSig, fullURL string, body []byte) bool {
	return d.inner.VerifySignature(headerSig, fullURL, body)
}

func (d *BreakerDriver) ParseEvent(body []byte) (domain.Event, error) {
	return d.inner.ParseEvent(body)
}

func (d *BreakerDriver) wrapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.NewDomainError("carrier.breaker", domain.ErrProvider,
			"carrier API circuit open: "+err.Error())
	}
	return err
}

// State exposes the breaker state for the health endpoint.
func (d *BreakerDriver) State() gobreaker.State { return d.breaker.State() }

var _ Driver = (*BreakerDriver)(nil)
