// Package media runs the per-call audio pump over the carrier WebSocket:
// paced mu-law frames out, demuxed audio and control events in.
package media

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"callbridge/internal/adapter/audio"
	"callbridge/internal/domain"
)

const (
	// FrameSize is 20ms of 8kHz mu-law.
	FrameSize = 160
	// frameInterval paces outbound frames slightly under real time so the
	// carrier's jitter buffer stays fed without overflowing.
	frameInterval = 18 * time.Millisecond
	// flushDelay gives the carrier time to drain after the last frame.
	flushDelay = 200 * time.Millisecond
)

// AudioSink receives inbound caller audio; the live transcription session
// implements it.
type AudioSink interface {
	SendAudio(ctx context.Context, audio []byte) error
	NotifyHangup()
}

// Pump owns one carrier media WebSocket. Run drains the inbound side;
// Send writes one utterance to the outbound side. Sends are serialized:
// at most one outbound utterance is in flight.
type Pump struct {
	conn   *websocket.Conn
	sink   AudioSink
	logger *slog.Logger

	// onStart fires when the carrier announces the stream; onStop when the
	// stream ends (stop control frame or socket closure).
	onStart func(streamSid string)
	onStop  func()

	limiter *rate.Limiter

	mu        sync.Mutex
	streamSid string
	sending   bool

	stopOnce sync.Once
}

// NewPump wraps an accepted carrier WebSocket.
func NewPump(conn *websocket.Conn, sink AudioSink, onStart func(string), onStop func(), logger *slog.Logger) *Pump {
	return &Pump{
		conn:    conn,
		sink:    sink,
		logger:  logger,
		onStart: onStart,
		onStop:  onStop,
		limiter: rate.NewLimiter(rate.Every(frameInterval), 1),
	}
}

// StreamSid returns the carrier-assigned stream id, or "" before the start
// control frame.
func (p *Pump) StreamSid() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamSid
}

// Send writes a full mu-law utterance as paced 160-byte frames, then waits
// the flush delay. A second concurrent Send is a discipline violation and
// fails rather than interleaving audio.
func (p *Pump) Send(ctx context.Context, mulaw []byte) error {
	p.mu.Lock()
	if p.sending {
		p.mu.Unlock()
		return domain.NewDomainError("pump.Send", domain.ErrInvalidState, "an utterance is already being sent")
	}
	p.sending = true
	sid := p.streamSid
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.sending = false
		p.mu.Unlock()
	}()

	for off := 0; off < len(mulaw); off += FrameSize {
		end := off + FrameSize
		if end > len(mulaw) {
			end = len(mulaw)
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return domain.WrapOp("pump.Send", err)
		}
		frame := audio.MakeMediaMessage(mulaw[off:end], sid)
		if err := p.conn.Write(ctx, websocket.MessageText, frame); err != nil {
			return domain.NewDomainError("pump.Send", domain.ErrNetwork, err.Error())
		}
	}

	select {
	case <-time.After(flushDelay):
	case <-ctx.Done():
		return domain.WrapOp("pump.Send", ctx.Err())
	}
	return nil
}

// Run reads inbound frames until the socket closes or ctx is cancelled.
// Caller audio goes to the sink; control frames update stream state.
func (p *Pump) Run(ctx context.Context) {
	defer p.stop()

	for {
		_, data, err := p.conn.Read(ctx)
		if err != nil {
			return
		}

		if inbound, ok := audio.ExtractInboundAudio(data); ok {
			if err := p.sink.SendAudio(ctx, inbound); err != nil {
				p.logger.Warn("forward inbound audio", "error", err)
			}
			continue
		}

		event, sid := audio.ParseControlEvent(data)
		switch event {
		case "start":
			p.mu.Lock()
			p.streamSid = sid
			p.mu.Unlock()
			p.logger.Debug("media stream started", "stream_sid", sid)
			if p.onStart != nil {
				p.onStart(sid)
			}
		case "stop":
			p.logger.Debug("media stream stopped")
			return
		case "connected", "mark":
			p.logger.Debug("media control frame", "event", event)
		default:
			p.logger.Debug("unrecognized media frame")
		}
	}
}

// Close tears down the carrier WebSocket. The read loop in Run observes the
// closure and fires the stop path.
func (p *Pump) Close() error {
	return p.conn.Close(websocket.StatusNormalClosure, "call ended")
}

// stop fires the hangup path exactly once.
func (p *Pump) stop() {
	p.stopOnce.Do(func() {
		p.sink.NotifyHangup()
		if p.onStop != nil {
			p.onStop()
		}
	})
}
