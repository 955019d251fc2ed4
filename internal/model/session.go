package model

import "time"

// Role defines which side of a pairing a session plays
type Role string

const (
	RoleSharer Role = "sharer" // Owns a pairing code and originates telemetry
	RoleViewer Role = "viewer" // Consumes a pairing code to receive telemetry
)

// Label is the display name sent to the other side in a paired notification
func (r Role) Label() string {
	if r == RoleSharer {
		return "Coach"
	}
	return "Student"
}

// Conn is the transport capability a session needs: deliver a frame and report liveness.
type Conn interface {
	ID() string
	// Send queues msg without blocking and reports whether it was accepted.
	Send(msg *Outbound) bool
	// Alive reports whether the connection can currently accept a send.
	Alive() bool
	Close()
}

// Session is one logical participant, possibly spanning several connections
type Session struct {
	ID             string
	Role           Role
	Conn           Conn
	Code           string     // Owned code (sharer only)
	PairedWith     string     // Peer session ID, symmetric while both are connected
	ConnectedAt    time.Time  // Last time a connection was attached
	DisconnectedAt *time.Time // Set when the connection is observed closed
}

// Live reports whether the session has an attached connection able to receive
func (s *Session) Live() bool {
	return s.DisconnectedAt == nil && s.Conn != nil && s.Conn.Alive()
}

// IsPaired reports whether the session currently references a peer
func (s *Session) IsPaired() bool {
	return s.PairedWith != ""
}

// RelayStats is a point-in-time summary of relay state
type RelayStats struct {
	Connections  int `json:"connections"`
	Sessions     int `json:"sessions"`
	Disconnected int `json:"disconnected"`
	ActiveCodes  int `json:"active_codes"`
	Pairings     int `json:"pairings"`
}
