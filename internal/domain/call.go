package domain

import "time"

// CallState represents the lifecycle state of a voice call.
type CallState string

const (
	CallStateCreating  CallState = "creating"  // record exists, nothing dialed yet
	CallStateDialing   CallState = "dialing"   // carrier asked to place the call
	CallStateStreaming CallState = "streaming" // media channel bound, not yet idle
	CallStateIdle      CallState = "idle"      // connected, no turn in progress
	CallStateSpeaking  CallState = "speaking"  // outbound audio draining
	CallStateListening CallState = "listening" // waiting on a user transcript
	CallStateClosing   CallState = "closing"   // hangup observed, teardown running
	CallStateClosed    CallState = "closed"
)

// callStateOrder defines the monotonic ordering for setup states.
var callStateOrder = map[CallState]int{
	CallStateCreating:  0,
	CallStateDialing:   1,
	CallStateStreaming: 2,
	CallStateIdle:      3,
}

// IsTerminal reports whether the state is absorbing.
func (s CallState) IsTerminal() bool {
	return s == CallStateClosing || s == CallStateClosed
}

// CanTransitionTo checks whether a transition from s to next is valid.
// Setup states only move forward; idle, speaking and listening cycle through
// idle; any live state may move to closing.
func (s CallState) CanTransitionTo(next CallState) bool {
	if s == CallStateClosed {
		return false
	}
	if s == CallStateClosing {
		return next == CallStateClosed
	}
	if next == CallStateClosing || next == CallStateClosed {
		return true
	}
	// The conversation loop: idle starts a turn half, the turn half returns
	// to idle. speaking -> listening always passes through idle.
	if s == CallStateIdle && (next == CallStateSpeaking || next == CallStateListening) {
		return true
	}
	if (s == CallStateSpeaking || s == CallStateListening) && next == CallStateIdle {
		return true
	}
	cur, curOK := callStateOrder[s]
	nxt, nxtOK := callStateOrder[next]
	if !curOK || !nxtOK {
		return false
	}
	return nxt > cur
}

// Speaker identifies who produced a transcript line.
type Speaker string

const (
	SpeakerAgent Speaker = "agent"
	SpeakerUser  Speaker = "user"
)

// TurnEntry is a single line in a call's transcript log.
type TurnEntry struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// CallRecord holds the full mutable state of one active call. Records are
// owned by the call registry; everything outside the registry works on
// copies or goes through registry methods.
type CallRecord struct {
	CallID        string      `json:"call_id"`
	CarrierCallID string      `json:"carrier_call_id,omitempty"`
	UserNumber    string      `json:"user_number"`
	Token         string      `json:"-"` // media-stream bind token
	State         CallState   `json:"state"`
	StartTime     time.Time   `json:"start_time"`
	Transcript    []TurnEntry `json:"transcript,omitempty"`

	// HungUp is monotonic: it only ever flips to true.
	HungUp bool `json:"hung_up"`

	// StreamSID is assigned by Twilio on the media "start" control frame and
	// must be echoed on every outbound media frame.
	StreamSID string `json:"stream_sid,omitempty"`

	// StreamingReady is set when Telnyx reports streaming.started.
	StreamingReady bool `json:"streaming_ready"`

	// StreamRequested guards the carrier stream API call so it is issued at
	// most once per call.
	StreamRequested bool `json:"-"`

	// ChannelBound is set when the carrier's media WebSocket has attached.
	ChannelBound bool `json:"channel_bound"`
}

// EventType tags a normalized carrier webhook event.
type EventType string

const (
	EventCallInitiated    EventType = "call_initiated"
	EventCallAnswered     EventType = "call_answered"
	EventCallHungUp       EventType = "call_hung_up"
	EventCallBusy         EventType = "call_busy"
	EventCallNoAnswer     EventType = "call_no_answer"
	EventCallFailed       EventType = "call_failed"
	EventStreamingStarted EventType = "streaming_started"
	EventStreamingStopped EventType = "streaming_stopped"
	EventUnknown          EventType = "unknown"
)

// Event is a normalized carrier webhook event. Unknown carrier tags
// round-trip through Raw so they can be logged.
type Event struct {
	Type          EventType
	CarrierCallID string
	Raw           string // the carrier's original event/status tag
}
