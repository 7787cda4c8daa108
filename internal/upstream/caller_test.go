package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nulpointcorp/claude-relay/internal/config"
)

func TestCallerAnthropicHeaders(t *testing.T) {
	var got http.Header
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		gotPath = r.URL.Path
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	caller := NewCaller()
	resp, err := caller.Do(context.Background(), &Request{
		Provider: config.ProviderSpec{
			Name:     "main",
			Type:     config.ProviderTypeAnthropic,
			BaseURL:  srv.URL,
			AuthType: "api_key",
		},
		Path:       EndpointPath(config.ProviderTypeAnthropic, false),
		Body:       []byte(`{"model":"m"}`),
		Credential: "sk-ant-test",
		BetaHeader: "prompt-caching-2024-07-31",
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if gotPath != "/v1/messages" {
		t.Errorf("path = %q, want /v1/messages", gotPath)
	}
	if got.Get("x-api-key") != "sk-ant-test" {
		t.Errorf("x-api-key = %q", got.Get("x-api-key"))
	}
	if got.Get("Authorization") != "" {
		t.Error("api_key auth must not set Authorization")
	}
	if got.Get("anthropic-version") == "" {
		t.Error("anthropic-version header missing")
	}
	if got.Get("anthropic-beta") != "prompt-caching-2024-07-31" {
		t.Errorf("anthropic-beta = %q", got.Get("anthropic-beta"))
	}
}

func TestCallerOAuthUsesBearer(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	caller := NewCaller()
	resp, err := caller.Do(context.Background(), &Request{
		Provider: config.ProviderSpec{
			Name:     "oauth-main",
			Type:     config.ProviderTypeAnthropic,
			BaseURL:  srv.URL,
			AuthType: "oauth",
		},
		Path:       "/v1/messages",
		Body:       []byte(`{}`),
		Credential: "access-token-1",
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()

	if got.Get("Authorization") != "Bearer access-token-1" {
		t.Errorf("Authorization = %q, want bearer token", got.Get("Authorization"))
	}
	if got.Get("x-api-key") != "" {
		t.Error("oauth auth must not set x-api-key")
	}
}

func TestCallerOpenAIEndpoint(t *testing.T) {
	var gotPath, gotAuth, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	caller := NewCaller()
	resp, err := caller.Do(context.Background(), &Request{
		Provider: config.ProviderSpec{
			Name:    "or",
			Type:    config.ProviderTypeOpenAI,
			BaseURL: srv.URL + "/v1",
		},
		Path:       EndpointPath(config.ProviderTypeOpenAI, false),
		Body:       []byte(`{}`),
		Credential: "sk-or-test",
		Stream:     true,
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()

	if gotPath != "/v1/chat/completions" {
		t.Errorf("path = %q, want /v1/chat/completions", gotPath)
	}
	if gotAuth != "Bearer sk-or-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotAccept != "text/event-stream" {
		t.Errorf("Accept = %q, want text/event-stream for streaming", gotAccept)
	}
}

func TestLimiterBounds(t *testing.T) {
	l := NewLimiter(1)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "p")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	blocked, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(blocked, "p"); err == nil {
		t.Error("second Acquire() should block until release")
	}

	release()
	release2, err := l.Acquire(ctx, "p")
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	release2()
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(0)
	for i := 0; i < 10; i++ {
		release, err := l.Acquire(context.Background(), "p")
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		_ = release
	}
}
