package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/qcom/accounts/internal/middleware"
	"github.com/qcom/accounts/internal/models"
	"github.com/qcom/accounts/internal/service"
	"github.com/sirupsen/logrus"
)

type AccountHandlers struct {
	accounts *service.AccountService
	logger   *logrus.Logger
}

func NewAccountHandlers(accounts *service.AccountService, logger *logrus.Logger) *AccountHandlers {
	return &AccountHandlers{
		accounts: accounts,
		logger:   logger,
	}
}

type RegisterRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
	AcceptTerms     bool   `json:"acceptTerms"`
}

type TokenRequest struct {
	Token string `json:"token"`
}

type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

type ResetPasswordRequest struct {
	Token           string `json:"token"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

type AccountResponse struct {
	ID         string      `json:"id"`
	Email      string      `json:"email"`
	Role       models.Role `json:"role"`
	IsActive   bool        `json:"isActive"`
	IsVerified bool        `json:"isVerified"`
	CreatedAt  time.Time   `json:"created"`
	UpdatedAt  time.Time   `json:"updated"`
}

type LoginActivityResponse struct {
	IPAddress string    `json:"ipAddress,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	Browser   string    `json:"browser,omitempty"`
	OS        string    `json:"os,omitempty"`
	LoginTime time.Time `json:"loginTime"`
}

func (h *AccountHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	err := h.accounts.Register(r.Context(), service.RegisterRequest{
		Email:           req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
		AcceptTerms:     req.AcceptTerms,
		Origin:          r.Header.Get("Origin"),
	})
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}

	respondWithJSON(w, http.StatusOK, MessageResponse{
		Message: "Registration successful, please check your email for verification instructions",
	})
}

func (h *AccountHandlers) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	if err := h.accounts.VerifyEmail(r.Context(), req.Token); err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}

	respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Verification successful, you can now login"})
}

func (h *AccountHandlers) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	if err := h.accounts.ForgotPassword(r.Context(), req.Email, r.Header.Get("Origin")); err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}

	respondWithJSON(w, http.StatusOK, MessageResponse{
		Message: "Please check your email for password reset instructions",
	})
}

func (h *AccountHandlers) ValidateResetToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	if err := h.accounts.ValidateResetToken(r.Context(), req.Token); err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}

	respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Token is valid"})
}

func (h *AccountHandlers) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	err := h.accounts.ResetPassword(r.Context(), service.ResetPasswordRequest{
		Token:           req.Token,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
		IPAddress:       middleware.ClientIP(r.Context()),
	})
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}

	respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Password reset successful, you can now login"})
}

func (h *AccountHandlers) Me(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFromContext(r.Context())
	h.writeAccount(w, r, actor.AccountID, actor)
}

func (h *AccountHandlers) GetByID(w http.ResponseWriter, r *http.Request) {
	h.writeAccount(w, r, mux.Vars(r)["id"], middleware.ActorFromContext(r.Context()))
}

func (h *AccountHandlers) LoginActivity(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	activities, err := h.accounts.LoginActivity(r.Context(), mux.Vars(r)["id"], limit, middleware.ActorFromContext(r.Context()))
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}

	resp := make([]LoginActivityResponse, 0, len(activities))
	for _, a := range activities {
		resp = append(resp, LoginActivityResponse{
			IPAddress: a.IPAddress,
			UserAgent: a.UserAgent,
			Browser:   a.Browser,
			OS:        a.OS,
			LoginTime: a.LoginTime,
		})
	}

	respondWithJSON(w, http.StatusOK, resp)
}

func (h *AccountHandlers) writeAccount(w http.ResponseWriter, r *http.Request, id string, actor service.Actor) {
	account, err := h.accounts.GetAccount(r.Context(), id, actor)
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, newAccountResponse(account))
}

func newAccountResponse(account *models.Account) AccountResponse {
	return AccountResponse{
		ID:         account.ID,
		Email:      account.Email,
		Role:       account.Role,
		IsActive:   account.IsActive,
		IsVerified: account.IsVerified(),
		CreatedAt:  account.CreatedAt,
		UpdatedAt:  account.UpdatedAt,
	}
}
