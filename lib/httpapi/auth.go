package httpapi

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"
)

// APIKeyEnv names the environment variable holding the local API key.
const APIKeyEnv = "AGENTCHAT_KEY"

// AuthConfig holds authentication configuration
type AuthConfig struct {
	APIKey   string
	Required bool
}

// NewAuthConfig creates a new AuthConfig from the environment
func NewAuthConfig() *AuthConfig {
	apiKey := os.Getenv(APIKeyEnv)
	return &AuthConfig{
		APIKey:   apiKey,
		Required: apiKey != "",
	}
}

// AuthMiddleware returns a middleware function that validates API keys for API endpoints only
func (a *AuthConfig) AuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Required || a.shouldSkipAuth(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			var token string

			// EventSource can't set headers, so /events also takes the key as a query parameter.
			if strings.HasPrefix(r.URL.Path, "/events") {
				token = r.URL.Query().Get("api_key")
			}

			if token == "" {
				authHeader := r.Header.Get("Authorization")
				if authHeader == "" {
					http.Error(w, "Missing Authorization header or api_key query parameter", http.StatusUnauthorized)
					return
				}
				const bearerPrefix = "Bearer "
				if !strings.HasPrefix(authHeader, bearerPrefix) {
					http.Error(w, "Authorization header must start with 'Bearer '", http.StatusUnauthorized)
					return
				}
				token = strings.TrimPrefix(authHeader, bearerPrefix)
			}

			if token == "" {
				http.Error(w, "Missing API key in Authorization header or api_key query parameter", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(a.APIKey)) != 1 {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// shouldSkipAuth reports whether path serves API documentation, which is
// public.
func (a *AuthConfig) shouldSkipAuth(path string) bool {
	for _, skipPath := range []string{"/openapi", "/docs", "/schemas"} {
		if strings.HasPrefix(path, skipPath) {
			return true
		}
	}
	return false
}
