package wsrelay

import (
	"encoding/json"
	"fmt"
)

// Frame types exchanged with a relay.
const (
	TypeJoined     = "joined"      // relay -> peer, first frame after the upgrade
	TypePeerJoined = "peer_joined" // relay -> peer
	TypePeerLeft   = "peer_left"   // relay -> peer
	TypeMessage    = "message"     // relay -> peer
	TypeSend       = "send"        // peer -> relay
	TypeError      = "error"       // relay -> peer
)

// Error codes carried by error frames.
const (
	CodeDuplicatePeer = "duplicate_peer"
	CodeUnknownPeer   = "unknown_peer"
	CodeRateLimited   = "rate_limited"
	CodeBadFrame      = "bad_frame"
)

// Frame is the wire format for relay messages.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Joined is the payload of a joined frame.
type Joined struct {
	Peer  string   `json:"peer"`
	Peers []string `json:"peers"`
}

// PeerNotice is the payload of peer_joined and peer_left frames.
type PeerNotice struct {
	Peer string `json:"peer"`
}

// Message is the payload of send frames (To set) and message frames
// (From set). The relay forwards the envelope without reading it.
type Message struct {
	From     string          `json:"from,omitempty"`
	To       string          `json:"to,omitempty"`
	Envelope json.RawMessage `json:"envelope"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	To      string `json:"to,omitempty"`
}

func (e ErrorPayload) Error() string {
	return fmt.Sprintf("relay: %s: %s", e.Code, e.Message)
}

// NewFrame encodes payload into a frame of type t.
func NewFrame(t string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s frame: %w", t, err)
	}
	return Frame{Type: t, Payload: raw}, nil
}

// Decode unpacks the payload of f into v.
func (f Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s frame: %w", f.Type, err)
	}
	return nil
}
