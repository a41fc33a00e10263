package models

import "time"

// Security event types recorded by the audit sink.
const (
	EventLoginSuccess      = "login_success"
	EventLoginFailure      = "login_failure"
	EventAccountLocked     = "account_locked"
	EventLoginLockedOut    = "login_locked_out"
	EventTwoFactorRequired = "two_factor_required"
	EventTwoFactorSuccess  = "two_factor_success"
	EventTwoFactorFailure  = "two_factor_failure"
	EventTwoFactorEnabled  = "two_factor_enabled"
	EventTwoFactorDisabled = "two_factor_disabled"
	EventBackupCodesReset  = "backup_codes_regenerated"
	EventAccountCreated    = "account_created"
	EventEmailVerified     = "email_verified"
	EventAccountLinked     = "account_linked"
	EventProviderUnlinked  = "provider_unlinked"
	EventLogout            = "logout"
	EventTokenRefreshed    = "token_refreshed"
)

// Login methods recorded on security events.
const (
	MethodPassword   = "password"
	MethodTOTP       = "totp"
	MethodBackupCode = "backup_code"
)

// SecurityEvent is the audit record written to ClickHouse and indexed into
// Elasticsearch. Outcome is "success" or "failure"; Details is free-form.
type SecurityEvent struct {
	EventBucket int       `ch:"event_bucket" json:"event_bucket"`
	AccountID   string    `ch:"account_id" json:"account_id"`
	EventTime   time.Time `ch:"event_time" json:"event_time"`
	EventType   string    `ch:"event_type" json:"event_type"`
	Method      string    `ch:"method" json:"method"`
	Outcome     string    `ch:"outcome" json:"outcome"`
	IPAddress   string    `ch:"ip_address" json:"ip_address"`
	DeviceID    string    `ch:"device_id" json:"device_id"`
	SessionID   string    `ch:"session_id" json:"session_id"`
	Details     string    `ch:"details" json:"details"`
}
