// Package token signs and verifies the three credential types used by the
// authentication core: access, refresh, and temporary two-factor challenge
// tokens. Verification is pure; the claim type is validated so a token can
// never satisfy a check it was not issued for.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"taskauth/internal/config"
)

type Type string

const (
	TypeAccess        Type = "access"
	TypeRefresh       Type = "refresh"
	TypeTempChallenge Type = "2fa-temp"
	TypeEmailVerify   Type = "email-verify"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// Claims is the signed claim set. InitialMethod is only present on temp
// challenge tokens and records how the first factor was satisfied; those
// tokens also carry the challenge ID in the registered jti claim.
type Claims struct {
	AccountID     string `json:"aid"`
	SessionID     string `json:"sid,omitempty"`
	TokenType     Type   `json:"typ"`
	InitialMethod string `json:"imt,omitempty"`
	jwt.RegisteredClaims
}

type Service struct {
	secret              []byte
	issuer              string
	accessTTL           time.Duration
	rememberMeAccessTTL time.Duration
	refreshTTL          time.Duration
	tempChallengeTTL    time.Duration
	emailVerifyTTL      time.Duration
	now                 func() time.Time
}

func NewService(cfg config.AuthConfig) (*Service, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("token service requires a signing secret")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 || cfg.TempChallengeTTL <= 0 {
		return nil, errors.New("token TTLs must be positive")
	}
	emailVerifyTTL := cfg.EmailVerificationTTL
	if emailVerifyTTL <= 0 {
		emailVerifyTTL = 48 * time.Hour
	}
	return &Service{
		secret:              []byte(cfg.JWTSecret),
		issuer:              cfg.Issuer,
		accessTTL:           cfg.AccessTTL,
		rememberMeAccessTTL: cfg.RememberMeAccessTTL,
		refreshTTL:          cfg.RefreshTTL,
		tempChallengeTTL:    cfg.TempChallengeTTL,
		emailVerifyTTL:      emailVerifyTTL,
		now:                 time.Now,
	}, nil
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// IssueAccess signs an access token bound to a session. RememberMe extends
// the lifetime from 7 to 30 days (per configuration).
func (s *Service) IssueAccess(accountID, sessionID string, rememberMe bool) (string, error) {
	ttl := s.accessTTL
	if rememberMe {
		ttl = s.rememberMeAccessTTL
	}
	return s.sign(Claims{
		AccountID: accountID,
		SessionID: sessionID,
		TokenType: TypeAccess,
	}, ttl)
}

// IssueRefresh signs a refresh token. Refresh tokens carry no session claim.
func (s *Service) IssueRefresh(accountID string) (string, error) {
	return s.sign(Claims{
		AccountID: accountID,
		TokenType: TypeRefresh,
	}, s.refreshTTL)
}

// IssueTempChallenge signs the short-lived "first factor satisfied, second
// factor pending" token. The challenge ID names the server-side marker that
// makes the token single use; it travels as the jti claim.
func (s *Service) IssueTempChallenge(accountID, initialMethod, challengeID string) (string, error) {
	return s.sign(Claims{
		AccountID:     accountID,
		TokenType:     TypeTempChallenge,
		InitialMethod: initialMethod,
		RegisteredClaims: jwt.RegisteredClaims{
			ID: challengeID,
		},
	}, s.tempChallengeTTL)
}

// IssueEmailVerification signs the token embedded in the verification email.
func (s *Service) IssueEmailVerification(accountID string) (string, error) {
	return s.sign(Claims{
		AccountID: accountID,
		TokenType: TypeEmailVerify,
	}, s.emailVerifyTTL)
}

func (s *Service) sign(claims Claims, ttl time.Duration) (string, error) {
	now := s.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        claims.RegisteredClaims.ID,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses and validates a token and enforces the expected claim type.
// It returns ErrTokenExpired for lapsed tokens and ErrTokenInvalid for
// everything else, including type mismatches.
func (s *Service) Verify(tokenString string, expected Type) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !parsed.Valid || claims.AccountID == "" {
		return nil, ErrTokenInvalid
	}
	if claims.TokenType != expected {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
