// Package synthetic builds the fixed taxonomy of synthetic error responses
// the fetch orchestrator returns when it terminates a request without
// reaching the upstream, or without a usable upstream response (§7).
package synthetic

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Error is a synthetic condition the orchestrator surfaces as a terminal
// HTTP-shaped Response, mirroring the teacher's *auth.Error shape
// (Code/Message/Retryable/HTTPStatus implementing error + StatusCode()).
type Error struct {
	HTTPStatus int
	Type       string
	Message    string
	Param      string
}

func (e *Error) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// StatusCode returns the HTTP status of the synthetic response.
func (e *Error) StatusCode() int { return e.HTTPStatus }

// Body renders the fixed {error:{message,type,param?}} JSON envelope.
func (e *Error) Body() []byte {
	payload := map[string]any{
		"error": map[string]any{
			"message": e.Message,
			"type":    e.Type,
		},
	}
	if e.Param != "" {
		payload["error"].(map[string]any)["param"] = e.Param
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return []byte(`{"error":{"message":"internal error","type":"internal_error"}}`)
	}
	return raw
}

// NoAccountsConfigured: selector finds an empty pool by configuration.
func NoAccountsConfigured() *Error {
	return &Error{
		HTTPStatus: http.StatusUnauthorized,
		Type:       "no_accounts_configured",
		Message:    "No accounts are configured. Run the login command to add one.",
	}
}

// AllAccountsCoolingDown: every account is within an active cooldown window.
func AllAccountsCoolingDown(wait string) *Error {
	msg := "All accounts are cooling down."
	if wait != "" {
		msg += " Try again in " + wait + "."
	}
	return &Error{
		HTTPStatus: http.StatusTooManyRequests,
		Type:       "all_accounts_cooling_down",
		Message:    msg,
	}
}

// RefreshInvalidGrant: the upstream token endpoint rejected a refresh token.
func RefreshInvalidGrant() *Error {
	return &Error{
		HTTPStatus: http.StatusUnauthorized,
		Type:       "refresh_invalid_grant",
		Message:    "The account's refresh token was rejected. Run the login command to reauthorize.",
	}
}

// AllAccountsRateLimited: every attempt the orchestrator made returned 429,
// and either its attempt budget ran out or no account outside cooldown was
// left to try.
func AllAccountsRateLimited(wait string) *Error {
	if wait == "" {
		wait = "a short while"
	}
	return &Error{
		HTTPStatus: http.StatusTooManyRequests,
		Type:       "all_accounts_rate_limited",
		Message:    "Try again in " + wait + ".",
	}
}

// DisallowedOutboundHost: the URL guard rejected the destination host.
func DisallowedOutboundHost(host string) *Error {
	return &Error{
		HTTPStatus: http.StatusBadRequest,
		Type:       "disallowed_outbound_host",
		Message:    "Outbound host is not on the allowlist.",
		Param:      host,
	}
}

// DisallowedOutboundProtocol: the URL guard rejected a non-HTTPS scheme.
func DisallowedOutboundProtocol(scheme string) *Error {
	return &Error{
		HTTPStatus: http.StatusBadRequest,
		Type:       "disallowed_outbound_protocol",
		Message:    "Only HTTPS outbound requests are permitted.",
		Param:      scheme,
	}
}

// PluginFetchFailed: the transport returned an uncaught error.
func PluginFetchFailed(cause error) *Error {
	msg := "The upstream request could not be completed."
	if cause != nil {
		msg += " " + cause.Error()
	}
	return &Error{
		HTTPStatus: http.StatusBadGateway,
		Type:       "plugin_fetch_failed",
		Message:    msg,
	}
}

// RequestCancelled: a caller-provided cancellation signal fired mid-attempt.
func RequestCancelled() *Error {
	return &Error{
		HTTPStatus: 499,
		Type:       "request_cancelled",
		Message:    "The request was cancelled.",
	}
}

// FormatWait renders a millisecond duration as "Xm Ys" for user-visible
// error messages.
func FormatWait(ms int64) string {
	if ms <= 0 {
		return ""
	}
	totalSeconds := ms / 1000
	minutes := totalSeconds / 60
	seconds := totalSeconds % 60
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
