package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"taskauth/internal/audit"
	"taskauth/internal/autherr"
	"taskauth/internal/models"
	"taskauth/internal/service"
	"taskauth/internal/token"
	"taskauth/internal/util"
)

// AuthHandler handles HTTP requests for authentication operations
type AuthHandler struct {
	authService      *service.AuthService
	twoFactorService *service.TwoFactorService
	oauthService     *service.OAuthService
	tokens           *token.Service
	audit            audit.Sink
	logger           *zap.Logger
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(
	authService *service.AuthService,
	twoFactorService *service.TwoFactorService,
	oauthService *service.OAuthService,
	tokens *token.Service,
	auditSink audit.Sink,
	logger *zap.Logger,
) *AuthHandler {
	return &AuthHandler{
		authService:      authService,
		twoFactorService: twoFactorService,
		oauthService:     oauthService,
		tokens:           tokens,
		audit:            auditSink,
		logger:           logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

// RegisterRoutes registers all authentication routes
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		// Public routes
		r.Post("/register", h.Register)
		r.Post("/verify-email", h.VerifyEmail)
		r.Post("/login", h.Login)
		r.Post("/login/2fa", h.VerifyTwoFactorLogin)
		r.Post("/refresh", h.RefreshToken)
		r.Post("/logout", h.Logout)
		r.Post("/oauth/{provider}/callback", h.OAuthCallback)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(h.RequireAccessToken)
			r.Get("/sessions", h.ListSessions)
			r.Get("/security-events", h.ListSecurityEvents)
			r.Post("/2fa/setup", h.BeginTwoFactorSetup)
			r.Post("/2fa/verify", h.EnableTwoFactor)
			r.Post("/2fa/disable", h.DisableTwoFactor)
			r.Post("/2fa/backup-codes", h.RegenerateBackupCodes)
			r.Delete("/oauth/{provider}", h.UnlinkProvider)
		})
	})
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// Register handles account creation
// @Summary Register a new account
// @Tags auth
// @Accept json
// @Produce json
// @Success 201 {object} Response
// @Failure 400 {object} Response
// @Failure 409 {object} Response
// @Router /auth/register [post]
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, autherr.Validation("invalid request body"))
		return
	}

	account, err := h.authService.Register(ctx, req.Email, req.Password, req.Name, clientMeta(r))
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(map[string]string{
		"account_id": account.ID,
		"email":      account.Email,
	}, "Account created, verification email queued"))
	h.logger.Info("Account registered via HTTP",
		util.String("account_id", account.ID),
		util.Duration("duration", time.Since(startTime)))
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

// VerifyEmail confirms a registered email address
// @Summary Verify an email address with the emailed token
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Router /auth/verify-email [post]
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, autherr.Validation("invalid request body"))
		return
	}
	if req.Token == "" {
		h.respondWithError(w, autherr.Validation("verification token is required"))
		return
	}

	if err := h.authService.VerifyEmail(r.Context(), req.Token); err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Email address verified"))
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

// Login handles password authentication
// @Summary Log in with email and password
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Failure 403 {object} Response
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, autherr.Validation("invalid request body"))
		return
	}

	result, err := h.authService.Login(ctx, req.Email, req.Password, req.RememberMe, clientMeta(r))
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	message := "Login successful"
	if result.RequiresTwoFactor {
		message = "Two-factor verification required"
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(result, message))
	h.logger.Info("Login handled via HTTP",
		util.String("account_id", result.AccountID),
		util.Bool("requires_2fa", result.RequiresTwoFactor),
		util.Duration("duration", time.Since(startTime)))
}

type twoFactorLoginRequest struct {
	TempAuthToken string `json:"temp_auth_token"`
	Code          string `json:"code"`
	RememberMe    bool   `json:"remember_me"`
}

// VerifyTwoFactorLogin completes a pending two-factor challenge
// @Summary Complete a two-factor login challenge
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Router /auth/login/2fa [post]
func (h *AuthHandler) VerifyTwoFactorLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req twoFactorLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, autherr.Validation("invalid request body"))
		return
	}

	result, err := h.authService.VerifyTwoFactorLogin(ctx, req.TempAuthToken, req.Code, req.RememberMe, clientMeta(r))
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Login successful"))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshToken exchanges a refresh token for a new access token
// @Summary Refresh the access token
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Router /auth/refresh [post]
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, autherr.Validation("invalid request body"))
		return
	}

	result, err := h.authService.RefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Token refreshed"))
}

// Logout ends the current session
// @Summary Log out of the current session
// @Tags auth
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	accessToken := bearerToken(r)
	if accessToken == "" {
		h.respondWithError(w, autherr.Unauthorized("missing access token"))
		return
	}

	if err := h.authService.Logout(r.Context(), accessToken, clientMeta(r)); err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
}

// ListSessions returns the caller's recent sessions
// @Summary List recent sessions for the authenticated account
// @Tags auth
// @Produce json
// @Success 200 {object} Response
// @Router /auth/sessions [get]
func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	limit := queryInt(r, "limit", 20)
	sessions, err := h.authService.ListSessions(r.Context(), claims.AccountID, limit)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(sessions, "Sessions retrieved"))
}

// ListSecurityEvents returns the caller's recent security events
// @Summary List recent security events for the authenticated account
// @Tags auth
// @Produce json
// @Success 200 {object} Response
// @Router /auth/security-events [get]
func (h *AuthHandler) ListSecurityEvents(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	limit := queryInt(r, "limit", 50)
	events, err := h.audit.Search(r.Context(), claims.AccountID, limit)
	if err != nil {
		h.respondWithError(w, autherr.Wrap(autherr.KindUnavailable, "event search unavailable", err))
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(events, "Security events retrieved"))
}

// BeginTwoFactorSetup starts TOTP enrollment
// @Summary Begin two-factor enrollment
// @Tags auth
// @Produce json
// @Success 200 {object} Response
// @Failure 409 {object} Response
// @Router /auth/2fa/setup [post]
func (h *AuthHandler) BeginTwoFactorSetup(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	setup, err := h.twoFactorService.GenerateSetupData(r.Context(), claims.AccountID)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(setup, "Scan the provisioning URI and confirm with a code"))
}

type twoFactorCodeRequest struct {
	Code string `json:"code"`
}

// EnableTwoFactor confirms enrollment and returns backup codes
// @Summary Confirm two-factor enrollment
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Failure 404 {object} Response
// @Router /auth/2fa/verify [post]
func (h *AuthHandler) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req twoFactorCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, autherr.Validation("invalid request body"))
		return
	}

	codes, err := h.twoFactorService.VerifyAndEnable(r.Context(), claims.AccountID, req.Code)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"backup_codes": codes,
	}, "Two-factor enabled, store the backup codes safely"))
}

type disableTwoFactorRequest struct {
	Password string `json:"password"`
	Code     string `json:"code"`
}

// DisableTwoFactor turns off two-factor authentication
// @Summary Disable two-factor authentication
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Router /auth/2fa/disable [post]
func (h *AuthHandler) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req disableTwoFactorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, autherr.Validation("invalid request body"))
		return
	}

	if err := h.twoFactorService.Disable(r.Context(), claims.AccountID, req.Password, req.Code); err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Two-factor disabled"))
}

// RegenerateBackupCodes replaces the backup code set
// @Summary Regenerate backup codes
// @Tags auth
// @Produce json
// @Success 200 {object} Response
// @Failure 409 {object} Response
// @Router /auth/2fa/backup-codes [post]
func (h *AuthHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	codes, err := h.twoFactorService.RegenerateBackupCodes(r.Context(), claims.AccountID)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"backup_codes": codes,
	}, "Backup codes regenerated, previous codes are void"))
}

type oauthCallbackRequest struct {
	Profile    map[string]interface{} `json:"profile"`
	RememberMe bool                   `json:"remember_me"`
}

// OAuthCallback completes a provider sign-in
// @Summary Complete an OAuth provider sign-in
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Router /auth/oauth/{provider}/callback [post]
func (h *AuthHandler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	var req oauthCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, autherr.Validation("invalid request body"))
		return
	}

	result, err := h.oauthService.HandleCallback(r.Context(), provider, req.Profile, req.RememberMe, clientMeta(r))
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	message := "Login successful"
	if result.RequiresTwoFactor {
		message = "Two-factor verification required"
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(result, message))
}

type unlinkRequest struct {
	Password string `json:"password"`
}

// UnlinkProvider removes a linked identity provider
// @Summary Unlink an identity provider
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Failure 409 {object} Response
// @Router /auth/oauth/{provider} [delete]
func (h *AuthHandler) UnlinkProvider(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	provider := chi.URLParam(r, "provider")

	var req unlinkRequest
	if r.Body != nil {
		// Password may be absent for accounts without one.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := h.oauthService.UnlinkProvider(r.Context(), claims.AccountID, provider, req.Password); err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Provider unlinked"))
}

// respondWithJSON writes a JSON response with the given status code
func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, payload Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// respondWithError maps a service error onto its HTTP status and public
// message. Internal causes never reach the wire.
func (h *AuthHandler) respondWithError(w http.ResponseWriter, err error) {
	status := autherr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
	}
	h.respondWithJSON(w, status, Response{
		Success: false,
		Error:   autherr.Public(err),
	})
}

func clientMeta(r *http.Request) models.ClientMeta {
	return models.ClientMeta{
		DeviceID:  r.Header.Get("X-Device-ID"),
		UserAgent: r.UserAgent(),
		IPAddress: clientIP(r),
	}
}

func clientIP(r *http.Request) string {
	// chi's RealIP middleware rewrites RemoteAddr from forwarding headers.
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return host
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
