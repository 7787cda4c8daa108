package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/claude-relay/internal/config"
	"github.com/nulpointcorp/claude-relay/internal/metrics"
)

var (
	ErrNoTokens      = errors.New("oauth: no accounts configured")
	ErrNoUsableToken = errors.New("oauth: no usable token; all expired or unusable")
	ErrTokenNotFound = errors.New("oauth: account not found")
)

// Some OAuth endpoints reject non-browser user agents.
const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

// Manager owns the token pool, the PKCE exchange and the refresh schedule.
// Safe for concurrent use.
type Manager struct {
	cfg    config.OAuthSettings
	store  SecretStore
	log    *slog.Logger
	reg    *metrics.Registry // optional
	client *http.Client

	// tokenEndpoint is a field so tests can point it at a local server.
	tokenEndpoint string

	mu     sync.Mutex
	tokens []*Token
	index  int
	timers map[string]*time.Timer
	closed bool
}

// New loads persisted tokens and, when auto refresh is enabled, schedules a
// refresh for each.
func New(cfg config.OAuthSettings, store SecretStore, log *slog.Logger, reg *metrics.Registry) (*Manager, error) {
	if store == nil {
		store = NoopStore{}
	}

	client := &http.Client{Timeout: 30 * time.Second}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("oauth: invalid proxy url: %w", err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	m := &Manager{
		cfg:           cfg,
		store:         store,
		log:           log,
		reg:           reg,
		client:        client,
		tokenEndpoint: tokenURL,
		timers:        make(map[string]*time.Timer),
	}

	state, err := store.Load()
	if err != nil {
		return nil, err
	}
	if state != nil {
		m.tokens = state.Tokens
		m.index = state.Metadata.CurrentTokenIndex
		if len(m.tokens) > 0 && m.index >= len(m.tokens) {
			m.index = 0
		}
	}

	if cfg.AutoRefresh {
		m.mu.Lock()
		for _, t := range m.tokens {
			m.scheduleLocked(t)
		}
		m.mu.Unlock()
	}
	m.updateAccountMetrics()

	return m, nil
}

// Close cancels all refresh timers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for email, timer := range m.timers {
		timer.Stop()
		delete(m.timers, email)
	}
}

// AuthorizeURL generates a PKCE pair and returns the browser URL for the
// authorization step. The verifier travels as the state parameter, so the
// exchange needs no server-side session and may even run in a different
// process than the one that produced the URL.
func (m *Manager) AuthorizeURL() (string, error) {
	verifier, err := newVerifier()
	if err != nil {
		return "", err
	}
	return buildAuthorizeURL(verifier), nil
}

// ExchangeCode completes the PKCE flow for an authorization code of the
// form "code" or "code#state" and stores the resulting token under email.
func (m *Manager) ExchangeCode(ctx context.Context, rawCode, email string) error {
	code, state := splitCode(rawCode)

	payload := map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"client_id":     clientID,
		"redirect_uri":  redirectURI,
		"code_verifier": state,
	}
	if state != "" {
		payload["state"] = state
	}

	grant, err := m.postToken(ctx, payload)
	if err != nil {
		return fmt.Errorf("oauth: code exchange for %s: %w", email, err)
	}

	m.mu.Lock()
	t := m.findLocked(email)
	if t == nil {
		t = &Token{Email: email}
		m.tokens = append(m.tokens, t)
	}
	m.applyGrantLocked(t, grant)
	m.scheduleLocked(t)
	m.persistLocked()
	m.mu.Unlock()

	m.updateAccountMetrics()
	m.log.InfoContext(ctx, "oauth token stored", slog.String("account", email))
	return nil
}

// IssueToken returns the next usable access token in round-robin order and
// records the use.
func (m *Manager) IssueToken() (accessToken, email string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.tokens) == 0 {
		return "", "", ErrNoTokens
	}

	for i := 0; i < len(m.tokens); i++ {
		t := m.tokens[(m.index+i)%len(m.tokens)]
		if !t.Usable() {
			continue
		}
		m.index = (m.index + i + 1) % len(m.tokens)
		t.UsageCount++
		t.LastUsed = time.Now().Unix()
		m.persistLocked()
		return t.AccessToken, t.Email, nil
	}
	return "", "", ErrNoUsableToken
}

// Refresh obtains a fresh access token for email. The attempt is retried
// once immediately; after a second failure the next attempt is deferred an
// hour and the token is marked unusable if its access token has expired.
func (m *Manager) Refresh(ctx context.Context, email string) error {
	m.mu.Lock()
	t := m.findLocked(email)
	if t == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTokenNotFound, email)
	}
	refreshToken := t.RefreshToken
	m.mu.Unlock()

	grant, err := m.refreshGrant(ctx, refreshToken)
	if err != nil {
		m.log.WarnContext(ctx, "oauth refresh failed, retrying",
			slog.String("account", email),
			slog.String("error", err.Error()),
		)
		grant, err = m.refreshGrant(ctx, refreshToken)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-find: the token may have been deleted while we were on the wire.
	t = m.findLocked(email)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrTokenNotFound, email)
	}

	if err != nil {
		m.recordRefresh("failure")
		if t.ExpiresWithin(0) {
			t.Unusable = true
		}
		m.rescheduleLocked(t.Email, failedRetryDelay)
		m.persistLocked()
		return fmt.Errorf("oauth: refresh %s: %w", email, err)
	}

	m.applyGrantLocked(t, grant)
	m.scheduleLocked(t)
	m.persistLocked()
	m.recordRefresh("success")
	m.log.InfoContext(ctx, "oauth token refreshed",
		slog.String("account", email),
		slog.Int64("expires_at", t.ExpiresAt),
	)
	return nil
}

// RefreshAll refreshes every account, returning the first error.
func (m *Manager) RefreshAll(ctx context.Context) error {
	m.mu.Lock()
	emails := make([]string, 0, len(m.tokens))
	for _, t := range m.tokens {
		emails = append(emails, t.Email)
	}
	m.mu.Unlock()

	var firstErr error
	for _, email := range emails {
		if err := m.Refresh(ctx, email); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Delete removes one account and cancels its refresh schedule.
func (m *Manager) Delete(email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, t := range m.tokens {
		if t.Email == email {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrTokenNotFound, email)
	}

	if timer, ok := m.timers[email]; ok {
		timer.Stop()
		delete(m.timers, email)
	}
	m.tokens = append(m.tokens[:idx], m.tokens[idx+1:]...)
	if len(m.tokens) == 0 {
		m.index = 0
	} else {
		m.index %= len(m.tokens)
	}
	m.persistLocked()
	return nil
}

// Clear removes all accounts and cancels all schedules.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for email, timer := range m.timers {
		timer.Stop()
		delete(m.timers, email)
	}
	m.tokens = nil
	m.index = 0
	if err := m.store.Clear(); err != nil {
		return err
	}
	return nil
}

// Status reports the account inventory with masked secrets.
func (m *Manager) Status() []AccountStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().Unix()
	out := make([]AccountStatus, 0, len(m.tokens))
	for _, t := range m.tokens {
		out = append(out, AccountStatus{
			Email:               t.Email,
			ExpiresInSeconds:    t.ExpiresAt - now,
			Healthy:             t.Usable(),
			WillExpireSoon:      t.ExpiresWithin(expireSoonWindow),
			AccessTokenPreview:  preview(t.AccessToken),
			RefreshTokenPreview: preview(t.RefreshToken),
			UsageCount:          t.UsageCount,
			LastUsed:            t.LastUsed,
			Scopes:              t.Scopes,
		})
	}
	return out
}

// Len reports the number of accounts.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

// ── internals ────────────────────────────────────────────────────────────────

type grant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

func (m *Manager) refreshGrant(ctx context.Context, refreshToken string) (*grant, error) {
	return m.postToken(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     clientID,
	})
}

func (m *Manager) postToken(ctx context.Context, payload map[string]string) (*grant, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, respBody)
	}

	var g grant
	if err := json.Unmarshal(respBody, &g); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if g.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &g, nil
}

// applyGrantLocked updates a token from a grant. Caller holds m.mu.
func (m *Manager) applyGrantLocked(t *Token, g *grant) {
	t.AccessToken = g.AccessToken
	if g.RefreshToken != "" {
		t.RefreshToken = g.RefreshToken
	}
	expiresIn := g.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	t.ExpiresAt = time.Now().Unix() + expiresIn
	if g.Scope != "" {
		t.Scopes = strings.Fields(g.Scope)
	}
	t.Unusable = false
}

// scheduleLocked (re)arms the refresh timer for a token: refreshLead before
// expiry plus jitter, never sooner than a minute out. Caller holds m.mu.
func (m *Manager) scheduleLocked(t *Token) {
	if !m.cfg.AutoRefresh || m.closed {
		return
	}
	delay := time.Until(time.Unix(t.ExpiresAt, 0)) - refreshLead
	delay += time.Duration(rand.Int64N(int64(refreshJitterMax)))
	if delay < time.Minute {
		delay = time.Minute
	}
	m.rescheduleLocked(t.Email, delay)
}

func (m *Manager) rescheduleLocked(email string, delay time.Duration) {
	if !m.cfg.AutoRefresh || m.closed {
		return
	}
	if timer, ok := m.timers[email]; ok {
		timer.Stop()
	}
	m.timers[email] = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := m.Refresh(ctx, email); err != nil {
			m.log.WarnContext(ctx, "scheduled oauth refresh failed",
				slog.String("account", email),
				slog.String("error", err.Error()),
			)
		}
	})
}

func (m *Manager) findLocked(email string) *Token {
	for _, t := range m.tokens {
		if t.Email == email {
			return t
		}
	}
	return nil
}

// persistLocked writes the pool through the secret store. Persistence
// failures are logged, not fatal; the in-memory pool stays authoritative.
// Caller holds m.mu.
func (m *Manager) persistLocked() {
	if !m.cfg.EnablePersistence {
		return
	}
	state := &persistedState{Tokens: m.tokens}
	state.Metadata.CurrentTokenIndex = m.index
	state.Metadata.LastSaved = time.Now().UTC().Format(time.RFC3339)
	if err := m.store.Save(state); err != nil {
		m.log.Warn("oauth persist failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) recordRefresh(outcome string) {
	if m.reg != nil {
		m.reg.RecordOAuthRefresh(outcome)
	}
}

func (m *Manager) updateAccountMetrics() {
	if m.reg == nil {
		return
	}
	m.mu.Lock()
	var healthy, expiring, expired int
	for _, t := range m.tokens {
		switch {
		case !t.Usable():
			expired++
		case t.ExpiresWithin(expireSoonWindow):
			expiring++
		default:
			healthy++
		}
	}
	m.mu.Unlock()
	m.reg.SetOAuthAccounts(healthy, expiring, expired)
}

