package model

import "time"

// SessionStatus is the connectivity state of the transport session.
type SessionStatus string

const (
	SessionDisconnected SessionStatus = "DISCONNECTED"
	SessionConnecting   SessionStatus = "CONNECTING"
	SessionConnected    SessionStatus = "CONNECTED"
	SessionError        SessionStatus = "ERROR"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionDisconnected, SessionConnecting, SessionConnected, SessionError:
		return true
	default:
		return false
	}
}

// Session is the single logical transport session owned by the process.
type Session struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Status         SessionStatus `json:"status"`
	QR             string        `json:"qr,omitempty"`
	ConnectedAt    *time.Time    `json:"connectedAt,omitempty"`
	DisconnectedAt *time.Time    `json:"disconnectedAt,omitempty"`
	LastActivity   time.Time     `json:"lastActivity"`
	LastError      string        `json:"lastError,omitempty"`
}
