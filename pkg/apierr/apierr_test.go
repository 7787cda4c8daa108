package apierr

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestBodyShape(t *testing.T) {
	raw := Body(TypeOverloadedError, "all providers are unavailable")

	var env struct {
		Type  string `json:"type"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("Body() produced invalid JSON: %v", err)
	}
	if env.Type != "error" {
		t.Errorf("envelope type = %q, want error", env.Type)
	}
	if env.Error.Type != TypeOverloadedError {
		t.Errorf("error type = %q", env.Error.Type)
	}
	if env.Error.Message != "all providers are unavailable" {
		t.Errorf("message = %q", env.Error.Message)
	}
}

func TestWriteSetsStatusAndContentType(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Write(ctx, fasthttp.StatusNotFound, TypeNotFound, "no route")

	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Errorf("status = %d, want 404", ctx.Response.StatusCode())
	}
	if ct := string(ctx.Response.Header.ContentType()); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
}

func TestTypeForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{401, TypeAuthenticationErr},
		{403, TypeAuthenticationErr},
		{404, TypeNotFound},
		{429, TypeRateLimitError},
		{529, TypeOverloadedError},
		{422, TypeInvalidRequest},
		{500, TypeAPIError},
		{502, TypeAPIError},
	}
	for _, tt := range tests {
		if got := TypeForStatus(tt.status); got != tt.want {
			t.Errorf("TypeForStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestWriteRateLimitSetsRetryAfter(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteRateLimit(ctx, "slow down")

	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", ctx.Response.StatusCode())
	}
}
