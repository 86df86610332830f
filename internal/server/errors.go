// ABOUTME: Maps domain errors to HTTP status codes and API error codes
// ABOUTME: Every handler reports failures through writeError so clients see one error format

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/2389/tether/internal/account"
	"github.com/2389/tether/internal/auth"
	"github.com/2389/tether/internal/client"
	"github.com/2389/tether/internal/pairing"
	"github.com/2389/tether/internal/store"
)

// errorMapping is checked in order; the first match wins. ErrTooManyAttempts
// wraps ErrTokenExpired, so it must come first.
var errorMapping = []struct {
	err    error
	status int
	code   string
}{
	{pairing.ErrTooManyAttempts, http.StatusGone, client.CodeTooManyAttempts},
	{pairing.ErrTokenNotFound, http.StatusNotFound, client.CodeTokenNotFound},
	{pairing.ErrTokenExpired, http.StatusGone, client.CodeTokenExpired},
	{pairing.ErrTokenAlreadyConsumed, http.StatusConflict, client.CodeTokenConsumed},
	{pairing.ErrTokenNotRedeemed, http.StatusConflict, client.CodeTokenNotRedeemed},
	{pairing.ErrVerificationMismatch, http.StatusUnprocessableEntity, client.CodeVerificationMismatch},
	{pairing.ErrInvalidRequest, http.StatusBadRequest, client.CodeInvalidRequest},
	{pairing.ErrInvalidPayload, http.StatusBadRequest, client.CodeInvalidRequest},
	{account.ErrSameDevice, http.StatusBadRequest, client.CodeInvalidRequest},
	{pairing.ErrIssuerMismatch, http.StatusBadGateway, client.CodeInternal},
	{pairing.ErrDerivationMismatch, http.StatusBadGateway, client.CodeInternal},
	{auth.ErrNotPaired, http.StatusForbidden, client.CodeNotPaired},
	{auth.ErrBadSignature, http.StatusUnauthorized, client.CodeBadSignature},
	{auth.ErrSessionNotFound, http.StatusUnauthorized, client.CodeUnauthorized},
	{store.ErrNotFound, http.StatusNotFound, client.CodePairingNotFound},
	{store.ErrUnavailable, http.StatusServiceUnavailable, client.CodeStoreUnavailable},
}

// classify returns the HTTP status and API code for err.
func classify(err error) (int, string) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, client.CodeInternal
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, client.ErrorResponse{Error: msg, Code: code})
}

// writeError reports err to the client. Internal and store failures are
// logged; their details are not sent.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)

	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal server error"
	case http.StatusServiceUnavailable:
		s.logger.Error("store unavailable", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "store unavailable, retry later"
	}
	writeErrorCode(w, status, code, msg)
}
