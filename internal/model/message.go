package model

import (
	"encoding/json"
	"errors"
	"strings"
)

// MessageType defines the type of WebSocket message
type MessageType string

// Inbound message types
const (
	MsgRegister  MessageType = "register"
	MsgPair      MessageType = "pair"
	MsgTelemetry MessageType = "telemetry"
)

// Outbound message types
const (
	MsgPairingCode MessageType = "pairing_code"
	MsgPaired      MessageType = "paired"
	MsgUnpaired    MessageType = "unpaired"
	MsgError       MessageType = "error"
)

var (
	ErrEmptyFrame  = errors.New("empty frame")
	ErrMissingType = errors.New("missing message type")
)

// Inbound is the flat frame a client sends. Telemetry fields sit at the top level.
type Inbound struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	IsSharer  *bool       `json:"is_sharer,omitempty"`
	IsCoach   *bool       `json:"is_coach,omitempty"` // Legacy spelling of is_sharer
	Code      string      `json:"code,omitempty"`
	Telemetry
}

// Role resolves the role indicator; either spelling marks a sharer
func (m *Inbound) Role() Role {
	if (m.IsSharer != nil && *m.IsSharer) || (m.IsCoach != nil && *m.IsCoach) {
		return RoleSharer
	}
	return RoleViewer
}

// DecodeInbound parses a text frame. Unknown fields are ignored.
func DecodeInbound(data []byte) (*Inbound, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrEmptyFrame
	}
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	msg.Type = MessageType(strings.ToLower(strings.TrimSpace(string(msg.Type))))
	if msg.Type == "" {
		return nil, ErrMissingType
	}
	return &msg, nil
}

// Outbound is every frame the server sends; unused fields are omitted
type Outbound struct {
	Type     MessageType `json:"type"`
	Code     string      `json:"code,omitempty"`
	PeerID   string      `json:"peer_id,omitempty"`
	PeerName string      `json:"peer_name,omitempty"`
	Message  string      `json:"message,omitempty"`
	*Telemetry
}

// PairingCodeMessage tells a sharer which code it holds
func PairingCodeMessage(code string) *Outbound {
	return &Outbound{Type: MsgPairingCode, Code: code}
}

// PairedMessage tells a session who it is now linked to
func PairedMessage(peer *Session) *Outbound {
	return &Outbound{Type: MsgPaired, PeerID: peer.ID, PeerName: peer.Role.Label()}
}

// UnpairedMessage tells a session its peer is gone
func UnpairedMessage() *Outbound {
	return &Outbound{Type: MsgUnpaired}
}

// ErrorMessage reports a recoverable problem to the sender
func ErrorMessage(text string) *Outbound {
	return &Outbound{Type: MsgError, Message: text}
}

// TelemetryMessage wraps a normalized telemetry sample for forwarding
func TelemetryMessage(t *Telemetry) *Outbound {
	return &Outbound{Type: MsgTelemetry, Telemetry: t.Normalize()}
}
