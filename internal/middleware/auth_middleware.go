package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/qcom/accounts/internal/models"
	"github.com/qcom/accounts/internal/service"
	"github.com/sirupsen/logrus"
)

const bearerPrefix = "Bearer "

type contextKeyAccountID struct{}
type contextKeyRole struct{}

type AuthMiddleware struct {
	jwtService *service.JWTService
	logger     *logrus.Logger
}

func NewAuthMiddleware(jwtService *service.JWTService, logger *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		jwtService: jwtService,
		logger:     logger,
	}
}

// RequireAuth verifies the Bearer access token and stores the account id and role in the
// request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
			return
		}

		tokenString, ok := strings.CutPrefix(authHeader, bearerPrefix)
		if !ok || tokenString == "" {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
			return
		}

		claims, err := m.jwtService.VerifyAccessToken(tokenString)
		if err != nil {
			code := "INVALID_TOKEN"
			if errors.Is(err, service.ErrTokenExpired) {
				code = "TOKEN_EXPIRED"
			}
			m.logger.WithError(err).Debug("Token verification failed")
			respondError(w, http.StatusUnauthorized, code, "Unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyAccountID{}, claims.AccountID)
		ctx = context.WithValue(ctx, contextKeyRole{}, claims.Role)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole must run after RequireAuth.
func (m *AuthMiddleware) RequireRole(roles ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := RoleFromContext(r.Context())
			for _, allowed := range roles {
				if role == allowed {
					next.ServeHTTP(w, r)
					return
				}
			}

			m.logger.WithFields(logrus.Fields{
				"account_id": AccountIDFromContext(r.Context()),
				"role":       role,
			}).Debug("Role not permitted")
			respondError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden")
		})
	}
}

func AccountIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKeyAccountID{}).(string); ok {
		return id
	}
	return ""
}

func RoleFromContext(ctx context.Context) models.Role {
	if role, ok := ctx.Value(contextKeyRole{}).(models.Role); ok {
		return role
	}
	return ""
}

// ActorFromContext returns the authenticated caller set by RequireAuth.
func ActorFromContext(ctx context.Context) service.Actor {
	return service.Actor{
		AccountID: AccountIDFromContext(ctx),
		Role:      RoleFromContext(ctx),
	}
}

// WithActor injects an authenticated caller into ctx, for handler tests.
func WithActor(ctx context.Context, actor service.Actor) context.Context {
	ctx = context.WithValue(ctx, contextKeyAccountID{}, actor.AccountID)
	return context.WithValue(ctx, contextKeyRole{}, actor.Role)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":{"code":"` + code + `","message":"` + message + `"}}`))
}
