// Package oauth manages the pool of OAuth accounts used to authorize
// upstream calls for providers with auth_value "oauth".
//
// Tokens are created by a PKCE authorization-code exchange, refreshed in the
// background ahead of expiry, handed out round-robin, and persisted to the
// OS credential store or an encrypted file after every mutation.
package oauth

import (
	"time"
)

// Anthropic OAuth endpoints and client identity.
const (
	authorizeURL = "https://claude.ai/oauth/authorize"
	tokenURL     = "https://console.anthropic.com/v1/oauth/token"
	clientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	redirectURI  = "https://console.anthropic.com/oauth/code/callback"
	scopes       = "org:create_api_key user:profile user:inference"
)

const (
	// expiryBuffer: a token this close to expiry is not handed out.
	expiryBuffer = 5 * time.Minute

	// expireSoonWindow flags tokens for the status endpoint.
	expireSoonWindow = 15 * time.Minute

	// refreshLead: scheduled refresh fires this long before expiry.
	refreshLead = 5 * time.Minute

	// refreshJitterMax spreads scheduled refreshes to avoid a storm when
	// many tokens share an expiry.
	refreshJitterMax = 30 * time.Second

	// failedRetryDelay defers further refresh attempts after the
	// immediate retry also failed.
	failedRetryDelay = time.Hour
)

// Token is one account's credential set.
type Token struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresAt    int64    `json:"expires_at"`
	Email        string   `json:"account_email"`
	Scopes       []string `json:"scopes,omitempty"`
	UsageCount   int64    `json:"usage_count"`
	LastUsed     int64    `json:"last_used,omitempty"`

	// Unusable marks a token whose access token is expired and whose
	// refresh has failed; it is skipped until a refresh succeeds.
	Unusable bool `json:"unusable,omitempty"`
}

// ExpiresWithin reports whether the token expires inside the window.
func (t *Token) ExpiresWithin(window time.Duration) bool {
	return time.Now().Add(window).Unix() >= t.ExpiresAt
}

// Usable reports whether the token can authorize a request right now.
func (t *Token) Usable() bool {
	return !t.Unusable && !t.ExpiresWithin(expiryBuffer)
}

// AccountStatus is one row of the /oauth/status inventory.
type AccountStatus struct {
	Email               string   `json:"account_email"`
	ExpiresInSeconds    int64    `json:"expires_in_seconds"`
	Healthy             bool     `json:"healthy"`
	WillExpireSoon      bool     `json:"will_expire_soon"`
	AccessTokenPreview  string   `json:"access_token_preview"`
	RefreshTokenPreview string   `json:"refresh_token_preview"`
	UsageCount          int64    `json:"usage_count"`
	LastUsed            int64    `json:"last_used,omitempty"`
	Scopes              []string `json:"scopes,omitempty"`
}

// preview masks a secret down to its first and last few characters.
func preview(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 12 {
		return secret[:2] + "..."
	}
	return secret[:8] + "..." + secret[len(secret)-4:]
}

// persistedState is the JSON document written to the secret store.
type persistedState struct {
	Tokens   []*Token `json:"tokens"`
	Metadata struct {
		CurrentTokenIndex int    `json:"current_token_index"`
		LastSaved         string `json:"last_saved"`
	} `json:"metadata"`
}
