// Package apierr provides structured API error types and HTTP status mapping
// compatible with the Anthropic Messages error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants. These are the outward-visible error categories.
const (
	TypeAuthenticationErr = "authentication_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeNotFound          = "not_found_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeAPIError          = "api_error"
	TypeOverloadedError   = "overloaded_error"
	TypeTimeoutError      = "timeout_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	envelope struct {
		Type  string   `json:"type"`
		Error APIError `json:"error"`
	}
)

// Body returns the serialized Anthropic error envelope for the given
// type and message. Used when the error must be embedded in an SSE event.
func Body(errType, message string) []byte {
	body, _ := json.Marshal(envelope{Type: "error", Error: APIError{
		Type:    errType,
		Message: message,
	}})
	return body
}

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, errType, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(Body(errType, message))
}

// TypeForStatus maps an upstream HTTP status to the Anthropic error type
// surfaced to clients after failover is exhausted.
//
//	401/403 → authentication_error
//	404     → not_found_error
//	429     → rate_limit_error
//	529     → overloaded_error
//	4xx     → invalid_request_error
//	default → api_error
func TypeForStatus(status int) string {
	switch {
	case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden:
		return TypeAuthenticationErr
	case status == fasthttp.StatusNotFound:
		return TypeNotFound
	case status == fasthttp.StatusTooManyRequests:
		return TypeRateLimitError
	case status == 529:
		return TypeOverloadedError
	case status >= 400 && status < 500:
		return TypeInvalidRequest
	default:
		return TypeAPIError
	}
}

// WriteAuthRequired writes the 401 returned by the inbound auth gate.
func WriteAuthRequired(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, TypeAuthenticationErr,
		"Authentication required. Provide a valid API key in the x-api-key header or Authorization Bearer header.")
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusGatewayTimeout, TypeTimeoutError, message)
}

// WriteRateLimit writes a 429 rate limit error with a Retry-After hint.
func WriteRateLimit(ctx *fasthttp.RequestCtx, message string) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, TypeRateLimitError, message)
}
