package models

import "time"

// Session is a logical, device-scoped login instance. It is bookkeeping and
// an identity claim inside issued tokens, not a cryptographically verified
// artifact.
type Session struct {
	ID        string     `db:"session_id" json:"session_id"`
	AccountID string     `db:"account_id" json:"account_id"`
	DeviceID  string     `db:"device_id" json:"device_id"`
	UserAgent string     `db:"user_agent" json:"user_agent"`
	IPAddress string     `db:"ip_address" json:"ip_address"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	EndedAt   *time.Time `db:"ended_at" json:"ended_at,omitempty"`
}

// ClientMeta carries the request-scoped device metadata recorded on sessions
// and audit events.
type ClientMeta struct {
	DeviceID  string
	UserAgent string
	IPAddress string
}
