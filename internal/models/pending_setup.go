package models

import "time"

// PendingTwoFactorSetup is the short-lived server-side record of a freshly
// generated, not yet confirmed TOTP secret. It lives in the shared cache
// keyed by account id and is never accepted from client input.
type PendingTwoFactorSetup struct {
	AccountID    string    `json:"account_id"`
	SecretBase32 string    `json:"secret_base32"`
	CreatedAt    time.Time `json:"created_at"`
}

// ProviderProfile is the normalized identity assertion produced by a
// provider verifier from a raw OAuth profile payload.
type ProviderProfile struct {
	Provider      string
	ProviderID    string
	Email         string
	EmailVerified bool
	Name          string
	AvatarURL     string
}
