package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/qcom/accounts/internal/config"
	"github.com/qcom/accounts/internal/middleware"
	"github.com/qcom/accounts/internal/models"
	"github.com/qcom/accounts/internal/service"
	"github.com/sirupsen/logrus"
)

type AuthHandlers struct {
	sessions *service.SessionService
	cookie   config.CookieConfig
	logger   *logrus.Logger
}

func NewAuthHandlers(sessions *service.SessionService, cookie config.CookieConfig, logger *logrus.Logger) *AuthHandlers {
	return &AuthHandlers{
		sessions: sessions,
		cookie:   cookie,
		logger:   logger,
	}
}

type AuthenticateRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RevokeTokenRequest struct {
	Token string `json:"token"`
}

// SessionResponse never carries the refresh token; it travels in the HttpOnly cookie only.
type SessionResponse struct {
	AccessToken string          `json:"accessToken"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	Account     AccountResponse `json:"account"`
}

type RevokeAllResponse struct {
	Message string `json:"message"`
	Revoked int    `json:"revoked"`
}

type RefreshTokenResponse struct {
	FamilyID    string     `json:"familyId"`
	State       string     `json:"state"`
	CreatedAt   time.Time  `json:"createdAt"`
	CreatedByIP string     `json:"createdByIp,omitempty"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty"`
	RevokedByIP string     `json:"revokedByIp,omitempty"`
}

func (h *AuthHandlers) Authenticate(w http.ResponseWriter, r *http.Request) {
	var req AuthenticateRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		respondWithError(w, http.StatusBadRequest, "VALIDATION_FAILED", "Email and password are required")
		return
	}

	session, err := h.sessions.Login(r.Context(), service.LoginRequest{
		Email:     req.Email,
		Password:  req.Password,
		IPAddress: middleware.ClientIP(r.Context()),
		UserAgent: middleware.UserAgent(r.Context()),
	})
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}

	h.setTokenCookie(w, session.RefreshToken, session.RefreshTokenExpiresAt)
	respondWithJSON(w, http.StatusOK, newSessionResponse(session))
}

// RefreshToken reads the refresh token from the cookie only.
func (h *AuthHandlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	token := h.tokenFromCookie(r)
	if token == "" {
		respondWithError(w, http.StatusUnauthorized, "INVALID_SESSION", "Invalid session")
		return
	}

	session, err := h.sessions.Refresh(r.Context(), token, middleware.ClientIP(r.Context()))
	if err != nil {
		if errors.Is(err, service.ErrSessionInvalid) || errors.Is(err, service.ErrAccountInactive) {
			h.clearTokenCookie(w)
		}
		respondWithServiceError(w, h.logger, err)
		return
	}

	h.setTokenCookie(w, session.RefreshToken, session.RefreshTokenExpiresAt)
	respondWithJSON(w, http.StatusOK, newSessionResponse(session))
}

// RevokeToken accepts the token in the body or falls back to the cookie.
func (h *AuthHandlers) RevokeToken(w http.ResponseWriter, r *http.Request) {
	var req RevokeTokenRequest
	if err := decodeJSON(r, &req, true); err != nil {
		respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	token := req.Token
	if token == "" {
		token = h.tokenFromCookie(r)
	}
	if token == "" {
		respondWithError(w, http.StatusBadRequest, "MISSING_TOKEN", "Token is required")
		return
	}

	err := h.sessions.Revoke(r.Context(), token, middleware.ClientIP(r.Context()), middleware.ActorFromContext(r.Context()))
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}

	respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Token revoked"})
}

// Logout revokes the cookie's chain and clears the cookie. It succeeds without a cookie.
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	if token := h.tokenFromCookie(r); token != "" {
		if err := h.sessions.Logout(r.Context(), token, middleware.ClientIP(r.Context())); err != nil {
			respondWithServiceError(w, h.logger, err)
			return
		}
	}

	h.clearTokenCookie(w)
	respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Logged out successfully"})
}

// RevokeAll logs the caller out everywhere.
func (h *AuthHandlers) RevokeAll(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFromContext(r.Context())
	h.revokeAll(w, r, actor.AccountID, actor, true)
}

// RevokeAllForAccount is the admin variant for another account.
func (h *AuthHandlers) RevokeAllForAccount(w http.ResponseWriter, r *http.Request) {
	h.revokeAll(w, r, mux.Vars(r)["id"], middleware.ActorFromContext(r.Context()), false)
}

func (h *AuthHandlers) ListRefreshTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.sessions.ListRefreshTokens(r.Context(), mux.Vars(r)["id"], middleware.ActorFromContext(r.Context()))
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}

	now := time.Now()
	resp := make([]RefreshTokenResponse, 0, len(tokens))
	for i := range tokens {
		t := &tokens[i]
		resp = append(resp, RefreshTokenResponse{
			FamilyID:    t.FamilyID,
			State:       string(t.State(now)),
			CreatedAt:   t.CreatedAt,
			CreatedByIP: t.CreatedByIP,
			ExpiresAt:   t.ExpiresAt,
			RevokedAt:   t.RevokedAt,
			RevokedByIP: t.RevokedByIP,
		})
	}

	respondWithJSON(w, http.StatusOK, resp)
}

func (h *AuthHandlers) revokeAll(w http.ResponseWriter, r *http.Request, accountID string, actor service.Actor, clearCookie bool) {
	revoked, err := h.sessions.RevokeAll(r.Context(), accountID, middleware.ClientIP(r.Context()), actor)
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}

	if clearCookie {
		h.clearTokenCookie(w)
	}

	respondWithJSON(w, http.StatusOK, RevokeAllResponse{
		Message: "All sessions revoked",
		Revoked: revoked,
	})
}

func (h *AuthHandlers) tokenFromCookie(r *http.Request) string {
	cookie, err := r.Cookie(h.cookie.Name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (h *AuthHandlers) setTokenCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    token,
		Path:     h.cookie.Path,
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: h.cookie.SameSite,
	})
}

func (h *AuthHandlers) clearTokenCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     h.cookie.Path,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: h.cookie.SameSite,
	})
}

func newSessionResponse(session *models.Session) SessionResponse {
	return SessionResponse{
		AccessToken: session.AccessToken,
		ExpiresAt:   session.AccessTokenExpiresAt,
		Account:     newAccountResponse(session.Account),
	}
}
