package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func sseWrite(w http.ResponseWriter, chunks ...string) {
	f, _ := w.(http.Flusher)
	for _, c := range chunks {
		io.WriteString(w, c)
		if f != nil {
			f.Flush()
		}
	}
}

func openaiChunk(content, finish string) string {
	fin := "null"
	if finish != "" {
		fin = fmt.Sprintf("%q", finish)
	}
	delta := "{}"
	if content != "" {
		delta = fmt.Sprintf(`{"content":%q}`, content)
	}
	return fmt.Sprintf(
		"data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":%s,\"finish_reason\":%s}]}\n\n",
		delta, fin)
}

func openaiOnlyYAML(url string, idleTimeout float64) string {
	return fmt.Sprintf(`
providers:
  - name: backup
    type: openai
    base_url: %s
    auth_type: api_key
    auth_value: sk-backup
model_routes:
  "claude-*":
    - provider: backup
      model: gpt-4o-mini
settings:
  streaming_idle_timeout: %g
  streaming_total_timeout: 10
  request_timeout: 5
`, url, idleTimeout)
}

const streamBody = `{"model":"claude-3-haiku","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"hi"}]}`

func eventNames(sse string) []string {
	var names []string
	for _, line := range strings.Split(sse, "\n") {
		if strings.HasPrefix(line, "event: ") {
			names = append(names, strings.TrimPrefix(line, "event: "))
		}
	}
	return names
}

func TestStreamOpenAITranslation(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseWrite(w,
			openaiChunk("Hel", ""),
			openaiChunk("lo", ""),
			openaiChunk("", "stop"),
			"data: [DONE]\n\n",
		)
	}))
	defer up.Close()

	gw := newTestGateway(t, testSnapshot(t, openaiOnlyYAML(up.URL, 2)))
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/messages", []byte(streamBody))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	raw, _ := io.ReadAll(resp.Body)
	sse := string(raw)

	want := []string{"message_start", "ping", "content_block_start", "content_block_delta",
		"content_block_delta", "content_block_stop", "message_delta", "message_stop"}
	got := eventNames(sse)
	if len(got) != len(want) {
		t.Fatalf("event names = %v, want %v\n%s", got, want, sse)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if !strings.Contains(sse, `"text":"Hel"`) || !strings.Contains(sse, `"text":"lo"`) {
		t.Errorf("text deltas missing:\n%s", sse)
	}
	if !strings.Contains(sse, `"stop_reason":"end_turn"`) {
		t.Errorf("stop reason missing:\n%s", sse)
	}
	if !strings.Contains(sse, `"model":"claude-3-haiku"`) {
		t.Errorf("client model not echoed in message_start:\n%s", sse)
	}
}

func TestStreamAnthropicPassthrough(t *testing.T) {
	upstreamSSE := "event: message_start\ndata: {\"type\":\"message_start\"}\n\n" +
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\"}\n\n" +
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseWrite(w, upstreamSSE)
	}))
	defer up.Close()

	gw := newTestGateway(t, testSnapshot(t, twoProviderYAML(up.URL, up.URL)))
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/messages", []byte(streamBody))
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if string(raw) != upstreamSSE {
		t.Errorf("stream not passed through verbatim:\ngot:\n%s\nwant:\n%s", raw, upstreamSSE)
	}
}

func TestStreamDeliversTailWhenUpstreamCloses(t *testing.T) {
	// The upstream writes the whole stream and closes immediately, so the
	// final events and the connection close race into the producer together.
	// Every run must still deliver the stream verbatim through message_stop.
	upstreamSSE := "event: message_start\ndata: {\"type\":\"message_start\"}\n\n" +
		"event: content_block_start\ndata: {\"type\":\"content_block_start\"}\n\n" +
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\"}\n\n" +
		"event: content_block_stop\ndata: {\"type\":\"content_block_stop\"}\n\n" +
		"event: message_delta\ndata: {\"type\":\"message_delta\"}\n\n" +
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, upstreamSSE)
	}))
	defer up.Close()

	gw := newTestGateway(t, testSnapshot(t, twoProviderYAML(up.URL, up.URL)))
	client := serveGateway(t, gw)

	for i := 0; i < 10; i++ {
		body := fmt.Sprintf(`{"model":"claude-3-haiku","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"hi %d"}]}`, i)
		resp := doPost(t, client, "/v1/messages", []byte(body))
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if string(raw) != upstreamSSE {
			t.Fatalf("run %d dropped part of the stream:\ngot:\n%s\nwant:\n%s", i, raw, upstreamSSE)
		}
	}
}

func TestStreamLookaheadFailsOver(t *testing.T) {
	var mainHits atomic.Int32
	main := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mainHits.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		sseWrite(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"busy\"}}\n\n")
	}))
	defer main.Close()

	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseWrite(w,
			openaiChunk("ok", ""),
			openaiChunk("", "stop"),
			"data: [DONE]\n\n",
		)
	}))
	defer backup.Close()

	gw := newTestGateway(t, testSnapshot(t, twoProviderYAML(main.URL, backup.URL)))
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/messages", []byte(streamBody))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want the backup to serve", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	sse := string(raw)
	if !strings.Contains(sse, "event: message_stop") || !strings.Contains(sse, `"text":"ok"`) {
		t.Errorf("backup stream incomplete:\n%s", sse)
	}
	if mainHits.Load() != 1 {
		t.Errorf("main hit %d times", mainHits.Load())
	}

	// The pre-byte failure counted against the primary.
	for _, st := range gw.health.Status(gw.store.Snapshot()) {
		if st.Name == "main" && st.ErrorCount == 0 {
			t.Error("lookahead failure should count against the provider")
		}
	}
}

func TestStreamSubscriberJoinsInFlight(t *testing.T) {
	var hits atomic.Int32
	gate := make(chan struct{})
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		sseWrite(w, openaiChunk("first", ""))
		<-gate
		sseWrite(w,
			openaiChunk(" second", ""),
			openaiChunk("", "stop"),
			"data: [DONE]\n\n",
		)
	}))
	defer up.Close()

	gw := newTestGateway(t, testSnapshot(t, openaiOnlyYAML(up.URL, 5)))
	client := serveGateway(t, gw)

	var wg sync.WaitGroup
	bodies := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := doPost(t, client, "/v1/messages", []byte(streamBody))
			defer resp.Body.Close()
			raw, _ := io.ReadAll(resp.Body)
			bodies[i] = string(raw)
		}(i)
		time.Sleep(200 * time.Millisecond)
	}
	close(gate)
	wg.Wait()

	if hits.Load() != 1 {
		t.Fatalf("upstream hit %d times, want 1", hits.Load())
	}
	for i, b := range bodies {
		if !strings.Contains(b, `"text":"first"`) || !strings.Contains(b, "event: message_stop") {
			t.Errorf("client %d got an incomplete stream:\n%s", i, b)
		}
	}
	if bodies[0] != bodies[1] {
		t.Error("subscriber should replay the same byte sequence as the owner")
	}
}

func TestStreamIdleTimeoutEmitsErrorEvent(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseWrite(w, openaiChunk("start", ""))
		time.Sleep(2 * time.Second) // exceeds the 0.3s idle budget
	}))
	defer up.Close()

	gw := newTestGateway(t, testSnapshot(t, openaiOnlyYAML(up.URL, 0.3)))
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/messages", []byte(streamBody))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; the stream was already committed", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	deadline := time.After(5 * time.Second)
	found := make(chan string, 1)
	go func() {
		raw, _ := io.ReadAll(reader)
		found <- string(raw)
	}()

	select {
	case sse := <-found:
		if !strings.Contains(sse, "event: error") || !strings.Contains(sse, "timeout_error") {
			t.Errorf("expected an inline error event:\n%s", sse)
		}
		if !strings.Contains(sse, `"text":"start"`) {
			t.Errorf("chunks before the timeout should have been delivered:\n%s", sse)
		}
	case <-deadline:
		t.Fatal("stream did not terminate after the idle timeout")
	}
}
