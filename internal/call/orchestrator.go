package call

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"callbridge/internal/adapter/audio"
	"callbridge/internal/adapter/carrier"
	"callbridge/internal/domain"
	"callbridge/internal/infra/config"
	"callbridge/internal/infra/tracer"
)

const (
	// connectDeadline bounds dial -> media-channel-live.
	connectDeadline = 15 * time.Second
	// hangupTail lets the closing message drain through the carrier's jitter
	// buffer before the leg is torn down.
	hangupTail = 2 * time.Second
)

// Synthesizer turns text into 24kHz 16-bit little-endian PCM.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// STTFactory builds a fresh transcription session per call.
type STTFactory func() STTSession

// Orchestrator drives calls end to end: dial, connect, alternate speak and
// listen turns, tear down. One orchestrator serves the whole process; it
// allows a single active call at a time.
type Orchestrator struct {
	reg    *Registry
	driver carrier.Driver
	synth  Synthesizer
	newSTT STTFactory
	cfg    *config.Config
	logger *slog.Logger

	connectTimeout time.Duration
	tail           time.Duration
}

func NewOrchestrator(reg *Registry, driver carrier.Driver, synth Synthesizer, newSTT STTFactory, cfg *config.Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		reg:            reg,
		driver:         driver,
		synth:          synth,
		newSTT:         newSTT,
		cfg:            cfg,
		logger:         logger,
		connectTimeout: connectDeadline,
		tail:           hangupTail,
	}
}

// Registry exposes the underlying registry for read-side consumers
// (health endpoint, media binding).
func (o *Orchestrator) Registry() *Registry { return o.reg }

// Initiate places a call to the configured user number, speaks the opening
// message once the media channel is live, and returns the call id with the
// user's first response.
func (o *Orchestrator) Initiate(ctx context.Context, message string) (string, string, error) {
	const op = "orchestrator.Initiate"
	ctx, span := tracer.StartSpan(ctx, "call.initiate")
	defer span.End()

	if n := o.reg.ActiveCount(); n > 0 {
		err := domain.NewDomainError(op, domain.ErrProvider, "one active call at a time")
		tracer.RecordError(span, err)
		return "", "", err
	}
	webhookURL := o.cfg.Endpoint.WebhookURL()
	if webhookURL == "" {
		err := domain.NewDomainError(op, domain.ErrMissingConfig, "public URL not set")
		tracer.RecordError(span, err)
		return "", "", err
	}

	callID := o.reg.NextCallID()
	token := ulid.MustNew(ulid.Now(), rand.Reader).String()
	span.SetAttributes(tracer.StringAttr("call.id", callID))

	stt := o.newSTT()
	if err := stt.Connect(ctx); err != nil {
		tracer.RecordError(span, err)
		return "", "", domain.WrapOp(op, err)
	}

	c := &Call{
		CallRecord: domain.CallRecord{
			CallID:     callID,
			UserNumber: o.cfg.UserNumber,
			Token:      token,
			State:      domain.CallStateCreating,
			StartTime:  time.Now(),
		},
		STT: stt,
	}
	o.reg.Insert(c)

	fail := func(err error) (string, string, error) {
		tracer.RecordError(span, err)
		o.cleanup(context.WithoutCancel(ctx), callID, true)
		return "", "", err
	}

	if err := o.reg.Transition(callID, domain.CallStateDialing); err != nil {
		return fail(err)
	}

	carrierID, err := o.driver.Initiate(ctx, o.cfg.UserNumber, o.cfg.Carrier.FromNumber, webhookURL)
	if err != nil {
		return fail(domain.WrapOp(op, err))
	}
	_ = o.reg.Update(callID, func(c *Call) { c.CarrierCallID = carrierID })
	o.logger.Info("call dialed", "call_id", callID, "carrier_call_id", carrierID)

	if err := o.reg.WaitConnected(ctx, callID, o.connectTimeout); err != nil {
		return fail(err)
	}
	if err := o.reg.Transition(callID, domain.CallStateIdle); err != nil {
		return fail(err)
	}
	o.logger.Info("call connected", "call_id", callID)

	if err := o.speak(ctx, callID, message); err != nil {
		return fail(err)
	}
	transcript, err := o.listen(ctx, callID)
	if err != nil {
		tracer.RecordError(span, err)
		return "", "", err
	}
	tracer.SetOK(span)
	return callID, transcript, nil
}

// Continue speaks a follow-up on an active call and waits for the user's
// response.
func (o *Orchestrator) Continue(ctx context.Context, callID, message string) (string, error) {
	const op = "orchestrator.Continue"
	ctx, span := tracer.StartSpan(ctx, "call.continue")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("call.id", callID))

	if err := o.requireIdle(op, callID); err != nil {
		tracer.RecordError(span, err)
		return "", err
	}
	if err := o.speak(ctx, callID, message); err != nil {
		tracer.RecordError(span, err)
		return "", err
	}
	transcript, err := o.listen(ctx, callID)
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}
	tracer.SetOK(span)
	return transcript, nil
}

// Speak says a message on an active call without waiting for a reply.
func (o *Orchestrator) Speak(ctx context.Context, callID, message string) error {
	const op = "orchestrator.Speak"
	ctx, span := tracer.StartSpan(ctx, "call.speak")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("call.id", callID))

	if err := o.requireIdle(op, callID); err != nil {
		tracer.RecordError(span, err)
		return err
	}
	if err := o.speak(ctx, callID, message); err != nil {
		tracer.RecordError(span, err)
		return err
	}
	tracer.SetOK(span)
	return nil
}

// End optionally speaks a closing message, hangs up the carrier leg and
// removes the call. Returns the call duration in whole seconds.
func (o *Orchestrator) End(ctx context.Context, callID, message string) (int, error) {
	const op = "orchestrator.End"
	ctx, span := tracer.StartSpan(ctx, "call.end")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("call.id", callID))

	c, err := o.reg.Get(callID)
	if err != nil {
		tracer.RecordError(span, err)
		return 0, err
	}

	if message != "" && !o.hungUp(callID) {
		if err := o.speak(ctx, callID, message); err != nil {
			// The goodbye is best effort; the hangup still proceeds.
			o.logger.Warn("closing message failed", "call_id", callID, "error", err)
		} else {
			select {
			case <-time.After(o.tail):
			case <-ctx.Done():
			}
		}
	}

	_ = o.reg.Transition(callID, domain.CallStateClosing)
	o.cleanup(context.WithoutCancel(ctx), callID, true)

	elapsed := int(time.Since(c.StartTime) / time.Second)
	span.SetAttributes(tracer.IntAttr("call.duration_s", elapsed))
	tracer.SetOK(span)
	return elapsed, nil
}

// Shutdown ends every active call. Used on process exit so no carrier leg is
// left dangling.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	for _, id := range o.reg.CallIDs() {
		if _, err := o.End(ctx, id, ""); err != nil {
			o.logger.Warn("shutdown end call", "call_id", id, "error", err)
		}
	}
}

// HandleEvent applies a normalized carrier webhook event to the call it
// belongs to. Events for unknown calls are logged and dropped.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev domain.Event) {
	if ev.Type == domain.EventUnknown {
		o.logger.Debug("unhandled carrier event", "raw", ev.Raw)
		return
	}
	c, err := o.reg.GetByCarrierID(ev.CarrierCallID)
	if err != nil {
		o.logger.Debug("carrier event for unknown call",
			"event", ev.Type, "carrier_call_id", ev.CarrierCallID)
		return
	}
	callID := c.CallID
	o.logger.Info("carrier event", "call_id", callID, "event", ev.Type, "raw", ev.Raw)

	switch ev.Type {
	case domain.EventCallInitiated:
		// Already tracked from the Initiate response.

	case domain.EventCallAnswered:
		o.requestStreaming(ctx, c)

	case domain.EventStreamingStarted:
		_ = o.reg.Update(callID, func(c *Call) { c.StreamingReady = true })
		// A late answered webhook may have been lost; make sure the stream
		// was requested so the carrier keeps the channel up.
		o.requestStreaming(ctx, c)

	case domain.EventStreamingStopped:
		o.logger.Debug("carrier streaming stopped", "call_id", callID)

	case domain.EventCallHungUp, domain.EventCallBusy, domain.EventCallNoAnswer, domain.EventCallFailed:
		o.HandleHangup(callID)
	}
}

// HandleHangup marks the call hung up and tears it down. Idempotent; invoked
// from carrier webhooks and from the media channel's stop path.
func (o *Orchestrator) HandleHangup(callID string) {
	c, err := o.reg.Get(callID)
	if err != nil {
		return
	}
	_ = o.reg.Update(callID, func(c *Call) { c.HungUp = true })
	if c.STT != nil {
		c.STT.NotifyHangup()
	}
	_ = o.reg.Transition(callID, domain.CallStateClosing)
	o.cleanup(context.Background(), callID, false)
}

// BindMedia attaches the carrier media pump to the call identified by token
// and marks the channel bound. Returns the call so the caller can run the
// pump against its transcription session.
func (o *Orchestrator) BindMedia(token string, pump MediaPump) (*Call, error) {
	c, err := o.reg.GetByToken(token)
	if err != nil {
		return nil, err
	}
	err = o.reg.Update(c.CallID, func(c *Call) {
		c.Pump = pump
		c.ChannelBound = true
	})
	if err != nil {
		return nil, err
	}
	_ = o.reg.Transition(c.CallID, domain.CallStateStreaming)
	o.logger.Info("media channel bound", "call_id", c.CallID)
	return c, nil
}

// MarkStreamStarted records the carrier-assigned stream id from the media
// start control frame.
func (o *Orchestrator) MarkStreamStarted(callID, streamSid string) {
	_ = o.reg.Update(callID, func(c *Call) { c.StreamSID = streamSid })
}

// requestStreaming asks the carrier to dial the media WebSocket. At most one
// request goes out per call; Twilio's driver treats this as a no-op because
// its stream is started from the webhook response document.
func (o *Orchestrator) requestStreaming(ctx context.Context, c *Call) {
	callID := c.CallID
	requested := false
	_ = o.reg.Update(callID, func(c *Call) {
		requested = c.StreamRequested
		c.StreamRequested = true
	})
	if requested {
		return
	}
	wsURL := o.cfg.Endpoint.MediaStreamURL(c.Token)
	if err := o.driver.StartStreaming(ctx, c.CarrierCallID, wsURL); err != nil {
		o.logger.Error("start streaming failed", "call_id", callID, "error", err)
	}
}

// requireIdle checks that the call exists, has not hung up and is between
// turns.
func (o *Orchestrator) requireIdle(op, callID string) error {
	c, err := o.reg.Get(callID)
	if err != nil {
		return err
	}
	if c.HungUp {
		return domain.NewDomainError(op, domain.ErrCallHungUp, "user hung up")
	}
	if c.State != domain.CallStateIdle {
		return domain.NewDomainError(op, domain.ErrInvalidState,
			"call is "+string(c.State)+", not idle")
	}
	return nil
}

// speak synthesizes message, downsamples to the phone line's rate and plays
// it over the media channel.
func (o *Orchestrator) speak(ctx context.Context, callID, message string) error {
	const op = "orchestrator.speak"
	c, err := o.reg.Get(callID)
	if err != nil {
		return err
	}
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	if err := o.reg.Transition(callID, domain.CallStateSpeaking); err != nil {
		return err
	}
	backToIdle := func() { _ = o.reg.Transition(callID, domain.CallStateIdle) }

	pcm24k, err := o.synth.Synthesize(ctx, message)
	if err != nil {
		backToIdle()
		return domain.WrapOp(op, err)
	}
	mulaw := audio.LinearBufToMulaw(audio.Resample24kTo8k(pcm24k))

	pump := c.Pump
	if pump == nil {
		backToIdle()
		return domain.NewDomainError(op, domain.ErrInvalidState, "media channel not bound")
	}
	if err := pump.Send(ctx, mulaw); err != nil {
		backToIdle()
		return domain.WrapOp(op, err)
	}

	_ = o.reg.Update(callID, func(c *Call) {
		c.Transcript = append(c.Transcript, domain.TurnEntry{
			Speaker:   domain.SpeakerAgent,
			Text:      message,
			Timestamp: time.Now(),
		})
	})
	backToIdle()
	return nil
}

// listen waits for the user's next utterance. A hangup tears the call down;
// a timeout leaves the call idle and active so the caller can retry or end
// it cleanly.
func (o *Orchestrator) listen(ctx context.Context, callID string) (string, error) {
	c, err := o.reg.Get(callID)
	if err != nil {
		return "", err
	}
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	if err := o.reg.Transition(callID, domain.CallStateListening); err != nil {
		return "", err
	}

	transcript, err := c.STT.WaitForTranscript(ctx, o.cfg.Speech.TranscriptTimeout)
	if err != nil {
		if errors.Is(err, domain.ErrCallHungUp) {
			_ = o.reg.Transition(callID, domain.CallStateClosing)
			o.cleanup(context.WithoutCancel(ctx), callID, false)
			return "", err
		}
		_ = o.reg.Transition(callID, domain.CallStateIdle)
		return "", err
	}

	_ = o.reg.Update(callID, func(c *Call) {
		c.Transcript = append(c.Transcript, domain.TurnEntry{
			Speaker:   domain.SpeakerUser,
			Text:      transcript,
			Timestamp: time.Now(),
		})
	})
	_ = o.reg.Transition(callID, domain.CallStateIdle)
	return transcript, nil
}

// cleanup removes the call record and releases its resources. The record is
// removed first so late events and the pump's stop callback find nothing to
// act on. When hangupCarrier is set the carrier leg is terminated too.
func (o *Orchestrator) cleanup(ctx context.Context, callID string, hangupCarrier bool) {
	c, err := o.reg.Get(callID)
	if err != nil {
		return
	}
	o.reg.Remove(callID)

	if c.STT != nil {
		c.STT.NotifyHangup()
		if err := c.STT.Close(); err != nil {
			o.logger.Debug("stt close", "call_id", callID, "error", err)
		}
	}
	if c.Pump != nil {
		if err := c.Pump.Close(); err != nil {
			o.logger.Debug("pump close", "call_id", callID, "error", err)
		}
	}
	if hangupCarrier && c.CarrierCallID != "" {
		hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := o.driver.Hangup(hctx, c.CarrierCallID); err != nil {
			o.logger.Warn("carrier hangup failed", "call_id", callID, "error", err)
		}
	}
	o.logger.Info("call removed", "call_id", callID)
}

// hungUp reports whether the call has already seen a hangup.
func (o *Orchestrator) hungUp(callID string) bool {
	c, err := o.reg.Get(callID)
	return err == nil && c.HungUp
}
