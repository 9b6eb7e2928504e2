package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/ziptility/rxsync/internal/auth"
)

// AccessTokenParam is the query parameter checked when no Authorization
// header is sent. Browsers cannot set headers on EventSource or WebSocket.
const AccessTokenParam = "access_token"

// AuthMiddleware validates the bearer JWT and stores its claims in the
// request context for the authorizer.
func AuthMiddleware(logger *slog.Logger, jwtConfig auth.JWTConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := extractToken(w, r, logger)
			if !ok {
				return
			}

			claims, err := auth.ValidateAccessToken(jwtConfig, tokenString)
			if err != nil {
				logger.Warn("Invalid access token", "error", err, "path", r.URL.Path)
				http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
				return
			}

			logger.Debug("User authenticated", "user_id", claims.UserID, "roles", claims.Roles)

			next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
		})
	}
}

// extractToken reads "Authorization: Bearer <token>" or the access_token
// query parameter. It writes the 401 itself when neither is usable.
func extractToken(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get(AccessTokenParam); token != "" {
			return token, true
		}
		logger.Warn("Missing access token", "path", r.URL.Path)
		http.Error(w, "Unauthorized: missing token", http.StatusUnauthorized)
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		logger.Warn("Invalid Authorization header format")
		http.Error(w, "Unauthorized: invalid token format", http.StatusUnauthorized)
		return "", false
	}

	return parts[1], true
}
