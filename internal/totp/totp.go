// Package totp implements RFC 6238 time-based one-time passwords over the
// RFC 4226 HOTP construction.
package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"taskauth/internal/config"
)

const secretBytes = 20

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

type Manager struct {
	issuer string
	digits int
	period int
	skew   int
}

func NewManager(cfg config.TwoFactorConfig) *Manager {
	m := &Manager{
		issuer: cfg.Issuer,
		digits: cfg.Digits,
		period: cfg.Period,
		skew:   cfg.Skew,
	}
	if m.digits <= 0 {
		m.digits = 6
	}
	if m.period <= 0 {
		m.period = 30
	}
	if m.skew < 0 {
		m.skew = 1
	}
	return m
}

// GenerateSecret returns a fresh random secret, base32-encoded without
// padding as authenticator apps expect.
func (m *Manager) GenerateSecret() (string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return b32.EncodeToString(raw), nil
}

// ProvisionURI builds the otpauth:// URI encoded into enrollment QR codes.
func (m *Manager) ProvisionURI(secretBase32, account string) string {
	label := url.PathEscape(m.issuer + ":" + account)

	v := url.Values{}
	v.Set("secret", secretBase32)
	v.Set("issuer", m.issuer)
	v.Set("period", strconv.Itoa(m.period))
	v.Set("digits", strconv.Itoa(m.digits))
	v.Set("algorithm", "SHA1")

	return "otpauth://totp/" + label + "?" + v.Encode()
}

// LooksLikeCode reports whether the input has the shape of a TOTP code.
// Anything else is treated as a backup-code candidate by callers.
func (m *Manager) LooksLikeCode(code string) bool {
	trimmed := strings.TrimSpace(code)
	return len(trimmed) == m.digits && isNumeric(trimmed)
}

// VerifyCode checks a code against the secret within the configured skew
// window (steps -skew..+skew around now).
func (m *Manager) VerifyCode(secretBase32, code string, now time.Time) (bool, error) {
	trimmed := strings.TrimSpace(code)
	if !m.LooksLikeCode(trimmed) {
		return false, nil
	}

	secret, err := b32.DecodeString(strings.ToUpper(secretBase32))
	if err != nil || len(secret) == 0 {
		return false, errors.New("malformed totp secret")
	}

	baseCounter := now.Unix() / int64(m.period)
	for step := -m.skew; step <= m.skew; step++ {
		counter := baseCounter + int64(step)
		if counter < 0 {
			continue
		}
		generated := hotpCode(secret, counter, m.digits)
		if subtle.ConstantTimeCompare([]byte(generated), []byte(trimmed)) == 1 {
			return true, nil
		}
	}
	return false, nil
}

func hotpCode(secret []byte, counter int64, digits int) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, bin%mod)
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
