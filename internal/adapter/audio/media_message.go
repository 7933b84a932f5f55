package audio

import (
	"encoding/base64"
	"encoding/json"
)

// mediaMessage is the JSON frame exchanged with the carrier over the media
// WebSocket. Both carriers speak the same envelope; streamSid is only present
// on carriers that assign one.
type mediaMessage struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid,omitempty"`
	Media     *mediaFields `json:"media,omitempty"`
}

type mediaFields struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload,omitempty"`
}

// ExtractInboundAudio parses a media-WS text frame and returns the decoded
// inbound audio payload. The second return is false for control frames,
// non-inbound tracks, bad base64 and non-JSON input; none of these are
// errors, the caller just moves on.
func ExtractInboundAudio(msg []byte) ([]byte, bool) {
	var m mediaMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return nil, false
	}
	if m.Event != "media" || m.Media == nil || m.Media.Track != "inbound" {
		return nil, false
	}
	audio, err := base64.StdEncoding.DecodeString(m.Media.Payload)
	if err != nil {
		return nil, false
	}
	return audio, true
}

// MakeMediaMessage wraps one chunk of mu-law audio as an outbound media
// frame. streamSid is echoed when non-empty (required by carriers that
// assign one on the start control frame).
func MakeMediaMessage(audio []byte, streamSid string) []byte {
	m := mediaMessage{
		Event:     "media",
		StreamSid: streamSid,
		Media: &mediaFields{
			Payload: base64.StdEncoding.EncodeToString(audio),
		},
	}
	out, _ := json.Marshal(m)
	return out
}

// ParseControlEvent returns the control event name of a media-WS frame
// ("start", "stop", "connected", "mark") and, for "start", the streamSid
// assigned by the carrier. Returns "" for media frames and unparseable input.
func ParseControlEvent(msg []byte) (event, streamSid string) {
	var m struct {
		Event string `json:"event"`
		Start struct {
			StreamSid string `json:"streamSid"`
		} `json:"start"`
		StreamSid string `json:"streamSid"`
	}
	if err := json.Unmarshal(msg, &m); err != nil {
		return "", ""
	}
	switch m.Event {
	case "start":
		sid := m.Start.StreamSid
		if sid == "" {
			sid = m.StreamSid
		}
		return "start", sid
	case "stop", "connected", "mark":
		return m.Event, ""
	}
	return "", ""
}
