package service

import (
	"errors"

	"github.com/tomnoakes9/iRacing-Telemetry/internal/registry"
)

var (
	ErrMalformedMessage   = errors.New("malformed message")
	ErrNotRegistered      = errors.New("register first")
	ErrUnsupportedMessage = errors.New("unsupported message type")
	ErrCodeNotFound       = errors.New("code not found")
	ErrPeerOffline        = errors.New("peer offline")
	ErrSessionConflict    = errors.New("connection is registered as another session")
	ErrNotViewer          = errors.New("only viewers can pair")

	ErrCodeInUse        = registry.ErrCodeInUse
	ErrCodeExhausted    = registry.ErrCodeExhausted
	ErrInvalidCode      = registry.ErrInvalidCode
	ErrInvalidSessionID = registry.ErrInvalidSessionID
	ErrRoleMismatch     = registry.ErrRoleMismatch
)

// ErrorKind classifies err for metrics and logs
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedMessage), errors.Is(err, ErrInvalidCode), errors.Is(err, ErrInvalidSessionID):
		return "malformed_message"
	case errors.Is(err, ErrNotRegistered):
		return "not_registered"
	case errors.Is(err, ErrUnsupportedMessage):
		return "unsupported_message"
	case errors.Is(err, ErrCodeNotFound):
		return "code_not_found"
	case errors.Is(err, ErrPeerOffline):
		return "peer_offline"
	case errors.Is(err, ErrCodeInUse):
		return "code_in_use"
	case errors.Is(err, ErrCodeExhausted):
		return "code_exhausted"
	case errors.Is(err, ErrSessionConflict):
		return "session_conflict"
	case errors.Is(err, ErrRoleMismatch), errors.Is(err, ErrNotViewer):
		return "role_mismatch"
	default:
		return "internal"
	}
}

// IsInternal reports whether err is a server fault rather than a client mistake
func IsInternal(err error) bool {
	kind := ErrorKind(err)
	return kind == "internal" || kind == "code_exhausted"
}

// ClientMessage is the text placed in an error frame for err
func ClientMessage(err error) string {
	if IsInternal(err) {
		return "internal error, try again"
	}
	return err.Error()
}
