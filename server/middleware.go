package server

import (
	"encoding/json"
	"net/http"
	"strings"
)

// AuthMiddleware validates bearer tokens on protected routes and stores
// the resolved user in the request context. A nil auth service (auth
// disabled) passes everything through.
func AuthMiddleware(auth *Auth, resourceURL string, next http.Handler) http.Handler {
	if auth == nil {
		return next
	}

	wwwAuth := `Bearer resource_metadata="` + resourceURL + `/.well-known/oauth-protected-resource"`

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicRoute(r) {
			next.ServeHTTP(w, r)
			return
		}

		tokenStr := extractBearerToken(r)
		if tokenStr == "" {
			w.Header().Set("WWW-Authenticate", wwwAuth)
			writeJSONError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}

		user, err := auth.ValidateToken(tokenStr)
		if err != nil {
			w.Header().Set("WWW-Authenticate", wwwAuth)
			writeJSONError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}

		r = r.WithContext(userToContext(r.Context(), user))
		next.ServeHTTP(w, r)
	})
}

func isPublicRoute(r *http.Request) bool {
	path := r.URL.Path
	switch {
	case path == "/" && r.Method == http.MethodGet:
		return true
	case path == "/auth/login" && r.Method == http.MethodPost:
		return true
	case path == "/auth/oidc/login" && r.Method == http.MethodGet:
		return true
	case path == "/auth/oidc/callback" && r.Method == http.MethodGet:
		return true
	case path == "/.well-known/oauth-protected-resource" && r.Method == http.MethodGet:
		return true
	case path == "/oauth/token" && r.Method == http.MethodPost:
		return true
	}
	return false
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// requireAdmin returns the current user when they hold the admin role, or
// writes a 403 and returns nil.
func requireAdmin(w http.ResponseWriter, r *http.Request) *User {
	user := userFromContext(r)
	if user == nil || user.Role != "admin" {
		writeJSONError(w, http.StatusForbidden, "admin access required")
		return nil
	}
	return user
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
