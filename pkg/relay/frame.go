package relay

import (
	"encoding/json"

	"github.com/i5heu/ouroboros-relay/pkg/model"
)

// Frame types of the live session protocol.
const (
	FrameHello         = "hello"
	FrameChallenge     = "challenge"
	FrameAuth          = "auth"
	FrameAuthenticated = "authenticated"
	FrameEnvelope      = "envelope"
	FrameAck           = "ack"
	FrameAcked         = "acked"
	FrameTyping        = "typing"
	FramePresence      = "presence"
	FramePing          = "ping"
	FrameError         = "error"
)

// Frame is one JSON text frame exchanged over a live
// session. Which fields are set depends on Type.
type Frame struct { // A
	Type      string          `json:"type"`
	PublicKey string          `json:"publicKey,omitempty"`
	Nonce     string          `json:"nonce,omitempty"`
	Signature string          `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Envelope  *model.Envelope `json:"envelope,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Ephemeral reports whether frames of type t are
// forwarded without being stored.
func Ephemeral(t string) bool { // A
	return t == FrameTyping || t == FramePresence
}
