// ABOUTME: HTTP middleware for loopback-only admin routes and bearer sessions
// ABOUTME: Extracts the session from the Authorization header and adds it to context

package auth

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/2389/tether/internal/client"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// IsLoopback reports whether a remote address (host:port) is on this machine.
func IsLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeAuthError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(client.ErrorResponse{Error: msg, Code: code})
}

// LocalOnly rejects requests that do not come from a loopback address.
func LocalOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsLoopback(r.RemoteAddr) {
			writeAuthError(w, http.StatusForbidden, client.CodeForbidden, "local access only")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithLocal(r.Context())))
	})
}

// HTTPAuthMiddleware requires a valid bearer session.
func HTTPAuthMiddleware(m *Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, client.CodeUnauthorized, errMsg)
				return
			}

			sess, err := m.Validate(r.Context(), token)
			if err != nil {
				writeValidateError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
		})
	}
}

// LocalOrSession accepts loopback callers and callers with a valid bearer
// session. Handlers tell them apart with IsLocal and FromContext.
func LocalOrSession(m *Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		withSession := HTTPAuthMiddleware(m)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsLoopback(r.RemoteAddr) && r.Header.Get("Authorization") == "" {
				next.ServeHTTP(w, r.WithContext(WithLocal(r.Context())))
				return
			}
			withSession.ServeHTTP(w, r)
		})
	}
}

func writeValidateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrExpiredToken):
		writeAuthError(w, http.StatusUnauthorized, client.CodeUnauthorized, "token expired")
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrMissingClaim), errors.Is(err, ErrSessionNotFound):
		writeAuthError(w, http.StatusUnauthorized, client.CodeUnauthorized, "invalid session")
	default:
		writeAuthError(w, http.StatusServiceUnavailable, client.CodeStoreUnavailable, "session lookup failed")
	}
}
