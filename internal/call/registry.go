// Package call holds the call state registry and the orchestrator that
// drives a call through its lifecycle.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"callbridge/internal/domain"
)

// STTSession is the slice of the transcription session the orchestrator and
// registry need.
type STTSession interface {
	Connect(ctx context.Context) error
	SendAudio(ctx context.Context, audio []byte) error
	WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error)
	OnPartial(cb func(string))
	NotifyHangup()
	Close() error
}

// MediaPump is the outbound half of the media channel, bound once the
// carrier's WebSocket attaches.
type MediaPump interface {
	Send(ctx context.Context, mulaw []byte) error
	StreamSid() string
	Close() error
}

// Call is a registry entry: the durable record plus the per-call runtime
// attachments. Field access is serialized by the registry lock; the turn
// token is handed out by the orchestrator.
type Call struct {
	domain.CallRecord

	STT  STTSession
	Pump MediaPump

	// turnMu enforces that speak and listen never overlap within a call.
	turnMu sync.Mutex
}

// Registry is the single point of truth for active calls. All lookups and
// mutations go through one lock; waiters block on per-call channels that are
// closed whenever the record changes.
type Registry struct {
	mu          sync.Mutex
	byCallID    map[string]*Call
	byCarrierID map[string]string
	byToken     map[string]string
	waiters     map[string][]chan struct{}
	nextCallID  int
}

func NewRegistry() *Registry {
	return &Registry{
		byCallID:    make(map[string]*Call),
		byCarrierID: make(map[string]string),
		byToken:     make(map[string]string),
		waiters:     make(map[string][]chan struct{}),
	}
}

// NextCallID mints a call id of the form call-<counter>-<unix-seconds>.
func (r *Registry) NextCallID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := fmt.Sprintf("call-%d-%d", r.nextCallID, time.Now().Unix())
	r.nextCallID++
	return id
}

// Insert registers a new call. The token index is populated immediately so
// the media endpoint can bind the channel as soon as the carrier dials in.
func (r *Registry) Insert(c *Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCallID[c.CallID] = c
	if c.Token != "" {
		r.byToken[c.Token] = c.CallID
	}
	if c.CarrierCallID != "" {
		r.byCarrierID[c.CarrierCallID] = c.CallID
	}
}

// Get returns the call by id.
func (r *Registry) Get(callID string) (*Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byCallID[callID]
	if !ok {
		return nil, domain.NewDomainError("registry.Get", domain.ErrCallNotFound, callID)
	}
	return c, nil
}

// GetByCarrierID resolves a carrier call id to the call.
func (r *Registry) GetByCarrierID(carrierID string) (*Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	callID, ok := r.byCarrierID[carrierID]
	if !ok {
		return nil, domain.NewDomainError("registry.GetByCarrierID", domain.ErrCallNotFound, carrierID)
	}
	return r.byCallID[callID], nil
}

// GetByToken resolves a media-stream bind token to the call.
func (r *Registry) GetByToken(token string) (*Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	callID, ok := r.byToken[token]
	if !ok {
		return nil, domain.NewDomainError("registry.GetByToken", domain.ErrCallNotFound, "unknown token")
	}
	return r.byCallID[callID], nil
}

// Remove drops the call and all its secondary index entries.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byCallID[callID]
	if !ok {
		return
	}
	delete(r.byCallID, callID)
	if c.CarrierCallID != "" {
		delete(r.byCarrierID, c.CarrierCallID)
	}
	if c.Token != "" {
		delete(r.byToken, c.Token)
	}
	r.notifyLocked(callID)
	delete(r.waiters, callID)
}

// CallIDs returns the ids of all registered calls.
func (r *Registry) CallIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.byCallID))
	for id := range r.byCallID {
		ids = append(ids, id)
	}
	return ids
}

// ActiveCount returns the number of registered calls.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byCallID)
}

// Update applies fn to the call under the registry lock and wakes any
// waiters. fn must not block.
func (r *Registry) Update(callID string, fn func(*Call)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byCallID[callID]
	if !ok {
		return domain.NewDomainError("registry.Update", domain.ErrCallNotFound, callID)
	}
	fn(c)
	if c.CarrierCallID != "" {
		r.byCarrierID[c.CarrierCallID] = callID
	}
	r.notifyLocked(callID)
	return nil
}

// Transition moves the call to next, validating against the state machine.
func (r *Registry) Transition(callID string, next domain.CallState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byCallID[callID]
	if !ok {
		return domain.NewDomainError("registry.Transition", domain.ErrCallNotFound, callID)
	}
	if !c.State.CanTransitionTo(next) {
		return domain.NewDomainError("registry.Transition", domain.ErrInvalidState,
			fmt.Sprintf("cannot go %s -> %s", c.State, next))
	}
	c.State = next
	r.notifyLocked(callID)
	return nil
}

// WaitConnected blocks until the media channel is bound and the stream is
// live (streamSid seen or streaming reported started), the deadline passes,
// or the call hangs up.
func (r *Registry) WaitConnected(ctx context.Context, callID string, deadline time.Duration) error {
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	for {
		r.mu.Lock()
		c, ok := r.byCallID[callID]
		if !ok {
			r.mu.Unlock()
			return domain.NewDomainError("registry.WaitConnected", domain.ErrCallNotFound, callID)
		}
		if c.HungUp {
			r.mu.Unlock()
			return domain.NewDomainError("registry.WaitConnected", domain.ErrCallHungUp, "call ended before connecting")
		}
		if c.ChannelBound && (c.StreamSID != "" || c.StreamingReady) {
			r.mu.Unlock()
			return nil
		}
		ch := make(chan struct{})
		r.waiters[callID] = append(r.waiters[callID], ch)
		r.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return domain.NewDomainError("registry.WaitConnected", domain.ErrCallTimeout,
				"call did not connect in time")
		case <-ctx.Done():
			return domain.WrapOp("registry.WaitConnected", ctx.Err())
		}
	}
}

// notifyLocked wakes every waiter for callID. Caller holds r.mu.
func (r *Registry) notifyLocked(callID string) {
	for _, ch := range r.waiters[callID] {
		close(ch)
	}
	r.waiters[callID] = nil
}
