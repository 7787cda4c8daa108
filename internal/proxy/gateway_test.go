package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/claude-relay/internal/cache"
	"github.com/nulpointcorp/claude-relay/internal/config"
	"github.com/nulpointcorp/claude-relay/internal/dedup"
	"github.com/nulpointcorp/claude-relay/internal/upstream"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func testSnapshot(t *testing.T, yamlText string) *config.Snapshot {
	t.Helper()
	snap, err := config.ParseSnapshot([]byte(yamlText))
	if err != nil {
		t.Fatalf("ParseSnapshot() error = %v", err)
	}
	return snap
}

// twoProviderYAML routes claude-* to an Anthropic-type primary and an
// OpenAI-type backup, both pointed at test servers.
func twoProviderYAML(mainURL, backupURL string) string {
	return fmt.Sprintf(`
providers:
  - name: main
    type: anthropic
    base_url: %s
    auth_type: api_key
    auth_value: sk-main
  - name: backup
    type: openai
    base_url: %s
    auth_type: api_key
    auth_value: sk-backup
model_routes:
  "claude-*":
    - provider: main
      priority: 1
    - provider: backup
      model: gpt-4o-mini
      priority: 2
settings:
  failure_cooldown: 60
  unhealthy_threshold: 2
  request_timeout: 5
  streaming_idle_timeout: 1
  streaming_total_timeout: 10
  deduplication_ttl: 30
`, mainURL, backupURL)
}

func newTestGateway(t *testing.T, snap *config.Snapshot) *Gateway {
	t.Helper()
	return NewGateway(config.NewStoreWith(snap), Options{
		Dedup:   dedup.NewRegistry(snap.Settings.DeduplicationTTL),
		Results: cache.NewMemoryStore(context.Background()),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

// serveGateway runs the full handler chain on an in-memory listener.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, gw.Handler(nil))
	}()
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func doPost(t *testing.T, client *http.Client, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://relay"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

const messagesBody = `{"model":"claude-3-haiku","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`

const anthropicOK = `{"id":"msg_01","type":"message","role":"assistant","model":"claude-3-haiku","content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":8,"output_tokens":3}}`

func chatCompletionOK(content string) string {
	return fmt.Sprintf(`{"id":"cmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"message":{"role":"assistant","content":"%s"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`, content)
}

func TestMessagesAnthropicPassthrough(t *testing.T) {
	var gotPath, gotKey, gotVersion atomic.Value
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		gotKey.Store(r.Header.Get("x-api-key"))
		gotVersion.Store(r.Header.Get("anthropic-version"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, anthropicOK)
	}))
	defer up.Close()

	gw := newTestGateway(t, testSnapshot(t, twoProviderYAML(up.URL, up.URL)))
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/messages", []byte(messagesBody))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != anthropicOK {
		t.Errorf("body not passed through verbatim:\n%s", body)
	}
	if gotPath.Load() != "/v1/messages" {
		t.Errorf("upstream path = %v", gotPath.Load())
	}
	if gotKey.Load() != "sk-main" {
		t.Errorf("x-api-key = %v", gotKey.Load())
	}
	if gotVersion.Load() != "2023-06-01" {
		t.Errorf("anthropic-version = %v", gotVersion.Load())
	}
}

func TestMessagesNoRouteIs404(t *testing.T) {
	gw := newTestGateway(t, testSnapshot(t, twoProviderYAML("http://main.invalid", "http://backup.invalid")))
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/messages",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "not_found_error") {
		t.Errorf("body = %s", body)
	}
}

func TestMessagesInvalidJSONIs400(t *testing.T) {
	gw := newTestGateway(t, testSnapshot(t, twoProviderYAML("http://main.invalid", "http://backup.invalid")))
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/messages", []byte(`{invalid`))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "invalid_request_error") {
		t.Errorf("body = %s", body)
	}
}

func TestMessagesFailoverToBackup(t *testing.T) {
	main := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"type":"error","error":{"type":"api_error","message":"boom"}}`, http.StatusInternalServerError)
	}))
	defer main.Close()

	var backupModel atomic.Value
	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &req)
		backupModel.Store(req.Model)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, chatCompletionOK("hi from backup"))
	}))
	defer backup.Close()

	gw := newTestGateway(t, testSnapshot(t, twoProviderYAML(main.URL, backup.URL)))
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/messages", []byte(messagesBody))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}

	var out struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
	}
	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode response: %v\n%s", err, raw)
	}
	if out.Model != "claude-3-haiku" {
		t.Errorf("model = %q, want the client model echoed", out.Model)
	}
	if len(out.Content) != 1 || out.Content[0].Text != "hi from backup" {
		t.Errorf("content = %+v", out.Content)
	}
	if out.StopReason != "end_turn" {
		t.Errorf("stop_reason = %q", out.StopReason)
	}
	if backupModel.Load() != "gpt-4o-mini" {
		t.Errorf("backup saw model %v, want the route target model", backupModel.Load())
	}
}

func TestMessagesAuthErrorSurfacedWithoutFailover(t *testing.T) {
	authBody := `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`
	main := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, authBody)
	}))
	defer main.Close()

	var backupHits atomic.Int32
	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupHits.Add(1)
		io.WriteString(w, chatCompletionOK("should not be called"))
	}))
	defer backup.Close()

	gw := newTestGateway(t, testSnapshot(t, twoProviderYAML(main.URL, backup.URL)))
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/messages", []byte(messagesBody))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want the upstream 401 surfaced", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != authBody {
		t.Errorf("body = %s, want the upstream payload verbatim", body)
	}
	if backupHits.Load() != 0 {
		t.Error("auth errors must not fail over")
	}
}

func TestMessagesAllUnhealthyIs503(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer up.Close()

	// Single provider, threshold 1: the first request trips it.
	yamlText := fmt.Sprintf(`
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
  unhealthy_threshold: 1
  failure_cooldown: 60
`, up.URL)

	gw := newTestGateway(t, testSnapshot(t, yamlText))
	client := serveGateway(t, gw)

	first := doPost(t, client, "/v1/messages", []byte(messagesBody))
	io.Copy(io.Discard, first.Body)
	first.Body.Close()
	if first.StatusCode != http.StatusInternalServerError {
		t.Fatalf("first status = %d, want the upstream 500 surfaced", first.StatusCode)
	}

	second := doPost(t, client, "/v1/messages", []byte(messagesBody))
	defer second.Body.Close()
	if second.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("second status = %d, want 503 while cooling down", second.StatusCode)
	}
	body, _ := io.ReadAll(second.Body)
	if !strings.Contains(string(body), "overloaded_error") {
		t.Errorf("body = %s", body)
	}
}

func TestDedupSubscriberSharesOwnerResult(t *testing.T) {
	var hits atomic.Int32
	gate := make(chan struct{})
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-gate
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, anthropicOK)
	}))
	defer up.Close()

	gw := newTestGateway(t, testSnapshot(t, twoProviderYAML(up.URL, up.URL)))
	client := serveGateway(t, gw)

	var wg sync.WaitGroup
	bodies := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := doPost(t, client, "/v1/messages", []byte(messagesBody))
			defer resp.Body.Close()
			raw, _ := io.ReadAll(resp.Body)
			bodies[i] = string(raw)
		}(i)
		// Give the first request time to claim ownership.
		time.Sleep(100 * time.Millisecond)
	}
	close(gate)
	wg.Wait()

	if hits.Load() != 1 {
		t.Errorf("upstream hit %d times, want 1", hits.Load())
	}
	if bodies[0] != anthropicOK || bodies[1] != anthropicOK {
		t.Errorf("bodies = %q / %q", bodies[0], bodies[1])
	}
}

func TestDedupReplaysFromResultWindow(t *testing.T) {
	var hits atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, anthropicOK)
	}))
	defer up.Close()

	gw := newTestGateway(t, testSnapshot(t, twoProviderYAML(up.URL, up.URL)))
	client := serveGateway(t, gw)

	for i := 0; i < 3; i++ {
		resp := doPost(t, client, "/v1/messages", []byte(messagesBody))
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || string(raw) != anthropicOK {
			t.Fatalf("request %d: status %d body %s", i, resp.StatusCode, raw)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("upstream hit %d times, want 1 within the dedup window", hits.Load())
	}
}

func TestRewriteModel(t *testing.T) {
	out := rewriteModel([]byte(`{"model":"a","max_tokens":1}`), "b")
	var got struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
	}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("rewriteModel produced invalid JSON: %v", err)
	}
	if got.Model != "b" || got.MaxTokens != 1 {
		t.Errorf("rewriteModel = %s", out)
	}

	// Unparseable bodies are forwarded unchanged.
	if string(rewriteModel([]byte(`{bad`), "b")) != `{bad` {
		t.Error("broken body should pass through")
	}
}

func TestWriteSelectError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("wrap: %w", upstream.ErrNoRoute), fasthttp.StatusNotFound},
		{fmt.Errorf("wrap: %w", upstream.ErrAllUnhealthy), fasthttp.StatusServiceUnavailable},
		{fmt.Errorf("other"), fasthttp.StatusBadGateway},
	}
	for _, tt := range tests {
		ctx := &fasthttp.RequestCtx{}
		writeSelectError(ctx, tt.err)
		if ctx.Response.StatusCode() != tt.status {
			t.Errorf("writeSelectError(%v) status = %d, want %d", tt.err, ctx.Response.StatusCode(), tt.status)
		}
	}
}

func TestClientCredentialPrecedence(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer bear")
	ctx.Request.Header.Set("x-api-key", "key")
	if got := clientCredential(ctx); got != "key" {
		t.Errorf("clientCredential = %q, want x-api-key to win", got)
	}

	ctx = &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer bear")
	if got := clientCredential(ctx); got != "bear" {
		t.Errorf("clientCredential = %q", got)
	}
}
