package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/qcom/accounts/internal/middleware"
	"github.com/qcom/accounts/internal/models"
	"github.com/sirupsen/logrus"
)

func NewRouter(
	authHandlers *AuthHandlers,
	accountHandlers *AccountHandlers,
	authMiddleware *middleware.AuthMiddleware,
	clientResolver *middleware.ClientResolver,
	allowedOrigins []string,
	metricsHandler http.Handler,
	logger *logrus.Logger,
) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.CORS(allowedOrigins))
	router.Use(clientResolver.Middleware)
	router.Use(middleware.Logging(logger))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "OPTIONS")

	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler).Methods("GET")
	}

	accounts := router.PathPrefix("/accounts").Subrouter()
	accounts.HandleFunc("/authenticate", authHandlers.Authenticate).Methods("POST", "OPTIONS")
	accounts.HandleFunc("/refresh-token", authHandlers.RefreshToken).Methods("POST", "OPTIONS")
	accounts.HandleFunc("/logout", authHandlers.Logout).Methods("POST", "OPTIONS")
	accounts.HandleFunc("/register", accountHandlers.Register).Methods("POST", "OPTIONS")
	accounts.HandleFunc("/verify-email", accountHandlers.VerifyEmail).Methods("POST", "OPTIONS")
	accounts.HandleFunc("/forgot-password", accountHandlers.ForgotPassword).Methods("POST", "OPTIONS")
	accounts.HandleFunc("/validate-reset-token", accountHandlers.ValidateResetToken).Methods("POST", "OPTIONS")
	accounts.HandleFunc("/reset-password", accountHandlers.ResetPassword).Methods("POST", "OPTIONS")

	protected := accounts.NewRoute().Subrouter()
	protected.Use(authMiddleware.RequireAuth)
	protected.HandleFunc("/revoke-token", authHandlers.RevokeToken).Methods("POST", "OPTIONS")
	protected.HandleFunc("/revoke-all", authHandlers.RevokeAll).Methods("POST", "OPTIONS")
	protected.HandleFunc("/me", accountHandlers.Me).Methods("GET", "OPTIONS")
	protected.HandleFunc("/{id}", accountHandlers.GetByID).Methods("GET", "OPTIONS")
	protected.HandleFunc("/{id}/refresh-tokens", authHandlers.ListRefreshTokens).Methods("GET", "OPTIONS")
	protected.HandleFunc("/{id}/login-activity", accountHandlers.LoginActivity).Methods("GET", "OPTIONS")

	admin := protected.NewRoute().Subrouter()
	admin.Use(authMiddleware.RequireRole(models.RoleAdmin))
	admin.HandleFunc("/{id}/revoke-all", authHandlers.RevokeAllForAccount).Methods("POST", "OPTIONS")

	return router
}
