package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/claude-relay/internal/config"
)

const anthropicVersion = "2023-06-01"

// Request is one outbound upstream call.
type Request struct {
	Provider config.ProviderSpec

	// Path is the endpoint path appended to the provider base URL, e.g.
	// "/v1/messages" or "/chat/completions".
	Path string

	Body []byte

	// Credential is the resolved auth value. How it is sent depends on the
	// provider type and auth_type.
	Credential string

	// BetaHeader forwards the client's anthropic-beta header, if any.
	BetaHeader string

	Stream bool
}

// Caller issues upstream HTTP requests. Clients are pooled per proxy URL;
// per-request deadlines come from the caller's context, never from
// http.Client.Timeout, because a client timeout would cut streaming bodies
// short.
type Caller struct {
	mu      sync.Mutex
	clients map[string]*http.Client
}

func NewCaller() *Caller {
	return &Caller{clients: make(map[string]*http.Client)}
}

// Do sends the request and returns the raw response. The response body is
// the caller's to close. Transport errors come back unwrapped enough for
// the Classifier to inspect.
func (c *Caller) Do(ctx context.Context, req *Request) (*http.Response, error) {
	endpoint := strings.TrimSuffix(req.Provider.BaseURL, "/") + req.Path

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}

	c.setAuth(httpReq, req)

	client, err := c.client(req.Provider.HTTPProxy)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: %s: %w", req.Provider.Name, err)
	}
	return resp, nil
}

func (c *Caller) setAuth(httpReq *http.Request, req *Request) {
	switch req.Provider.Type {
	case config.ProviderTypeAnthropic:
		httpReq.Header.Set("anthropic-version", anthropicVersion)
		if req.BetaHeader != "" {
			httpReq.Header.Set("anthropic-beta", req.BetaHeader)
		}
		switch req.Provider.AuthType {
		case "auth_token", "oauth":
			httpReq.Header.Set("Authorization", "Bearer "+req.Credential)
		default:
			httpReq.Header.Set("x-api-key", req.Credential)
		}
	default:
		httpReq.Header.Set("Authorization", "Bearer "+req.Credential)
	}
}

// client returns the pooled HTTP client for the given proxy URL, creating
// it on first use.
func (c *Caller) client(proxyURL string) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cli, ok := c.clients[proxyURL]; ok {
		return cli, nil
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("upstream: invalid proxy url %q: %w", proxyURL, err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}

	cli := &http.Client{Transport: transport}
	c.clients[proxyURL] = cli
	return cli, nil
}

// CloseIdleConnections drops idle keep-alive connections on every pooled
// client.
func (c *Caller) CloseIdleConnections() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cli := range c.clients {
		cli.CloseIdleConnections()
	}
}

// EndpointPath returns the messages endpoint path for a provider type.
func EndpointPath(providerType string, countTokens bool) string {
	if providerType == config.ProviderTypeAnthropic {
		if countTokens {
			return "/v1/messages/count_tokens"
		}
		return "/v1/messages"
	}
	return "/chat/completions"
}
