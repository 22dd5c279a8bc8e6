// Package port exposes the authentication flows over HTTP.
package port

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/amlakpars/marketplace-auth/internal/authflow/app"
	"github.com/amlakpars/marketplace-auth/internal/domain"
	"github.com/amlakpars/marketplace-auth/internal/errmap"
)

// authService is a narrow, consumer-defined interface for the auth service
// operations the handler requires. The *app.AuthService satisfies this.
type authService interface {
	IssueOTP(ctx context.Context, phone string, purpose domain.Purpose) (*app.IssueResult, error)
	VerifyOTP(ctx context.Context, phone, candidate string, purpose domain.Purpose) (*app.VerifyResult, error)
	VerifyRegistrationOTP(ctx context.Context, phone, candidate string) (*app.RegistrationResult, error)
	Login(ctx context.Context, phone string, loginType domain.LoginType, password, otpCode string) (*app.LoginResult, error)
}

// AuthHandler translates HTTP requests into app-layer calls and maps results
// back to JSON responses.
type AuthHandler struct {
	svc    authService
	logger *slog.Logger
}

// NewAuthHandler creates an AuthHandler backed by the given AuthService.
func NewAuthHandler(svc *app.AuthService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{svc: svc, logger: logger}
}

// newAuthHandler is the stub-friendly constructor used by tests.
func newAuthHandler(svc authService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{svc: svc, logger: logger}
}

// Routes mounts the authentication endpoints on a fresh router.
func (h *AuthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/otp/send", h.sendOTP)
	r.Post("/otp/verify", h.verifyOTP)
	r.Post("/login", h.login)
	return r
}

type sendOTPRequest struct {
	Phone   string `json:"phone"`
	Purpose string `json:"purpose"`
}

type sendOTPResponse struct {
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *AuthHandler) sendOTP(w http.ResponseWriter, r *http.Request) {
	var req sendOTPRequest
	if !h.decode(w, r, &req) {
		return
	}

	purpose, err := domain.ParsePurpose(req.Purpose)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.svc.IssueOTP(r.Context(), req.Phone, purpose)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, sendOTPResponse{ExpiresAt: result.ExpiresAt})
}

type verifyOTPRequest struct {
	Phone   string `json:"phone"`
	Code    string `json:"code"`
	Purpose string `json:"purpose"`
}

type verifyOTPResponse struct {
	VerifiedAt time.Time `json:"verified_at"`
	UserID     string    `json:"user_id,omitempty"`
}

func (h *AuthHandler) verifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if !h.decode(w, r, &req) {
		return
	}

	purpose, err := domain.ParsePurpose(req.Purpose)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	// Register verification also flips the account flag and sends the
	// welcome notice, so it runs through the richer flow.
	if purpose == domain.PurposeRegister {
		result, err := h.svc.VerifyRegistrationOTP(r.Context(), req.Phone, req.Code)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, verifyOTPResponse{VerifiedAt: result.VerifiedAt, UserID: result.UserID})
		return
	}

	result, err := h.svc.VerifyOTP(r.Context(), req.Phone, req.Code, purpose)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, verifyOTPResponse{VerifiedAt: result.VerifiedAt})
}

type loginRequest struct {
	Phone     string `json:"phone"`
	LoginType string `json:"login_type"`
	Password  string `json:"password,omitempty"`
	OTPCode   string `json:"otp_code,omitempty"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.svc.Login(r.Context(), req.Phone, domain.LoginType(req.LoginType), req.Password, req.OTPCode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if result.Pending {
		h.writeJSON(w, http.StatusAccepted, sendOTPResponse{ExpiresAt: result.OTPExpiresAt})
		return
	}

	h.writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: result.Session.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(result.Session.ExpiresIn.Seconds()),
	})
}

// decode reads a JSON request body. A false return means the error response
// has already been written.
func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, r, errors.Join(domain.ErrInvalidInput, err))
		return false
	}
	return true
}

func (h *AuthHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *AuthHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	he := errmap.ToHTTPError(err)

	if he.StatusCode >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			"error", err, "path", r.URL.Path, "status", he.StatusCode)
	}
	if he.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(he.RetryAfterSeconds, 10))
	}

	h.writeJSON(w, he.StatusCode, he)
}
