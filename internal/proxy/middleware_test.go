package proxy

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
)

func authedYAML(upURL string) string {
	return fmt.Sprintf(`
providers:
  - name: main
    type: anthropic
    base_url: %s
    auth_type: api_key
    auth_value: sk-main
model_routes:
  "claude-*":
    - provider: main
settings:
  auth:
    enabled: true
    api_key: relay-secret
`, upURL)
}

func TestAuthGateRejectsMissingKey(t *testing.T) {
	gw := newTestGateway(t, testSnapshot(t, authedYAML("http://main.invalid")))
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/messages", []byte(messagesBody))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "authentication_error") {
		t.Errorf("body = %s", body)
	}
}

func TestAuthGateAcceptsAPIKeyAndBearer(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, anthropicOK)
	}))
	defer up.Close()

	gw := newTestGateway(t, testSnapshot(t, authedYAML(up.URL)))
	client := serveGateway(t, gw)

	for _, set := range []func(*http.Request){
		func(r *http.Request) { r.Header.Set("x-api-key", "relay-secret") },
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer relay-secret") },
	} {
		req, _ := http.NewRequest(http.MethodPost, "http://relay/v1/messages", strings.NewReader(messagesBody))
		req.Header.Set("Content-Type", "application/json")
		set(req)
		resp, err := client.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200 with a valid credential", resp.StatusCode)
		}
	}
}

func TestAuthGateRejectsWrongKey(t *testing.T) {
	gw := newTestGateway(t, testSnapshot(t, authedYAML("http://main.invalid")))
	client := serveGateway(t, gw)

	req, _ := http.NewRequest(http.MethodPost, "http://relay/v1/messages", strings.NewReader(messagesBody))
	req.Header.Set("x-api-key", "nope")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuthGateExemptPath(t *testing.T) {
	gw := newTestGateway(t, testSnapshot(t, authedYAML("http://main.invalid")))
	client := serveGateway(t, gw)

	resp, err := client.Get("http://relay/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("exempt /health status = %d, want 200", resp.StatusCode)
	}
}

func TestRequestIDGenerated(t *testing.T) {
	gw := newTestGateway(t, testSnapshot(t, twoProviderYAML("http://a.invalid", "http://b.invalid")))
	client := serveGateway(t, gw)

	resp, err := client.Get("http://relay/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID should be generated when absent")
	}
	if resp.Header.Get("X-Response-Time") == "" {
		t.Error("X-Response-Time should be set")
	}
}

func TestRequestIDEchoed(t *testing.T) {
	gw := newTestGateway(t, testSnapshot(t, twoProviderYAML("http://a.invalid", "http://b.invalid")))
	client := serveGateway(t, gw)

	req, _ := http.NewRequest(http.MethodGet, "http://relay/health", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "fixed-id" {
		t.Errorf("X-Request-ID = %q, want the client value echoed", got)
	}
}

func TestRecoveryTurnsPanicInto500(t *testing.T) {
	handler := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		panic("boom")
	}, recovery)

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("status = %d, want 500", ctx.Response.StatusCode())
	}
	if !strings.Contains(string(ctx.Response.Body()), "api_error") {
		t.Errorf("body = %s", ctx.Response.Body())
	}
}
