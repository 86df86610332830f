// ABOUTME: Wire error format shared by the API server and its clients
// ABOUTME: Every error body is {"error": message, "code": code}

package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Error codes carried in API error bodies.
const (
	CodeTokenNotFound        = "token_not_found"
	CodeTokenExpired         = "token_expired"
	CodeTokenConsumed        = "token_consumed"
	CodeTokenNotRedeemed     = "token_not_redeemed"
	CodeVerificationMismatch = "verification_mismatch"
	CodeTooManyAttempts      = "too_many_attempts"
	CodePairingNotFound      = "pairing_not_found"
	CodeNotPaired            = "not_paired"
	CodeBadSignature         = "bad_signature"
	CodeUnauthorized         = "unauthorized"
	CodeForbidden            = "forbidden"
	CodeInvalidRequest       = "invalid_request"
	CodeStoreUnavailable     = "store_unavailable"
	CodeInternal             = "internal_error"
)

// ErrorResponse is the JSON body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// APIError is returned by Client for non-2xx responses.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

// Code extracts the API error code from err, or "" when err did not come
// from an API response.
func Code(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return &APIError{Status: resp.StatusCode, Code: errResp.Code, Message: errResp.Error}
		}
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
