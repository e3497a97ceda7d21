package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/qcom/accounts/internal/service"
	"github.com/sirupsen/logrus"
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

func respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, status int, code, message string) {
	respondWithJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// respondWithServiceError maps service errors to a status and a generic message. Anything
// unrecognised is a storage failure: it is logged and reported as 500 without detail.
func respondWithServiceError(w http.ResponseWriter, logger *logrus.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		respondWithError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Email or password is incorrect")
	case errors.Is(err, service.ErrAccountInactive):
		respondWithError(w, http.StatusForbidden, "ACCOUNT_INACTIVE", "Account is inactive")
	case errors.Is(err, service.ErrSessionInvalid):
		respondWithError(w, http.StatusUnauthorized, "INVALID_SESSION", "Invalid session")
	case errors.Is(err, service.ErrTokenExpired):
		respondWithError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "Unauthorized")
	case errors.Is(err, service.ErrTokenMalformed):
		respondWithError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Unauthorized")
	case errors.Is(err, service.ErrForbidden):
		respondWithError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden")
	case errors.Is(err, service.ErrValidation):
		respondWithError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
	case errors.Is(err, service.ErrInvalidToken):
		respondWithError(w, http.StatusBadRequest, "INVALID_TOKEN", "Invalid token")
	case errors.Is(err, service.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
	default:
		logger.WithError(err).Error("Request failed")
		respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}

// decodeJSON decodes the request body into dst. An empty body is accepted when optional is set.
func decodeJSON(r *http.Request, dst interface{}, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
