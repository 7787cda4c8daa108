package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Sentinel values understood by the snapshot loader and the selector.
const (
	// AuthValueOAuth marks a provider whose credential is issued by the
	// OAuth manager at call time.
	AuthValueOAuth = "oauth"

	// AuthValuePassthrough marks a provider that forwards the inbound
	// client credential unchanged.
	AuthValuePassthrough = "passthrough"

	// ModelPassthrough in a route target forwards the client's original
	// model name unchanged.
	ModelPassthrough = "passthrough"
)

// Provider types.
const (
	ProviderTypeAnthropic = "anthropic"
	ProviderTypeOpenAI    = "openai"
)

// Selection strategies.
const (
	StrategyPriority   = "priority"
	StrategyRoundRobin = "round_robin"
	StrategyRandom     = "random"
)

// ProviderSpec is the immutable identity of one upstream provider.
type ProviderSpec struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	BaseURL   string `yaml:"base_url"`
	AuthType  string `yaml:"auth_type"`
	AuthValue string `yaml:"auth_value"`
	HTTPProxy string `yaml:"http_proxy"`
	Enabled   bool   `yaml:"-"`
}

// RouteTarget is one (provider, upstream model, priority) candidate.
type RouteTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Priority int    `yaml:"priority"`
}

// ModelRoute maps a glob pattern to an ordered list of targets.
// Route matching is first-match over the routes in file order.
type ModelRoute struct {
	Pattern string
	Targets []RouteTarget
}

// AuthSettings controls the inbound auth gate.
type AuthSettings struct {
	Enabled     bool     `yaml:"enabled"`
	APIKey      string   `yaml:"api_key"`
	ExemptPaths []string `yaml:"exempt_paths"`
}

// OAuthSettings controls the OAuth token manager.
type OAuthSettings struct {
	EnablePersistence bool   `yaml:"enable_persistence"`
	ServiceName       string `yaml:"service_name"`
	Proxy             string `yaml:"proxy"`
	TokenFile         string `yaml:"token_file"`
	AutoRefresh       bool   `yaml:"auto_refresh"`
}

// Settings holds the global tunables of one snapshot.
// Durations are expressed in seconds in the YAML file.
type Settings struct {
	SelectionStrategy             string
	FailureCooldown               time.Duration
	StickyProviderDuration        time.Duration
	UnhealthyThreshold            int
	UnhealthyResetTimeout         time.Duration
	UnhealthyErrorTypes           []string
	UnhealthyHTTPCodes            []int
	UnhealthyResponseBodyPatterns []string
	RequestTimeout                time.Duration
	StreamingTotalTimeout         time.Duration
	StreamingIdleTimeout          time.Duration
	DeduplicationEnabled          bool
	DeduplicationTTL              time.Duration
	IncludeMaxTokensInSignature   bool
	SubscriberBacklogMax          int
	MaxConcurrentPerProvider      int
	Auth                          AuthSettings
	OAuth                         OAuthSettings
}

// Snapshot is one parsed, validated provider configuration. Snapshots are
// immutable after publication: reload builds a fresh snapshot and swaps the
// store pointer, never mutating a published one.
type Snapshot struct {
	Providers []ProviderSpec
	Routes    []ModelRoute
	Settings  Settings
}

// Provider returns the spec for name, or nil when absent.
func (s *Snapshot) Provider(name string) *ProviderSpec {
	for i := range s.Providers {
		if s.Providers[i].Name == name {
			return &s.Providers[i]
		}
	}
	return nil
}

// ── Raw YAML shapes ──────────────────────────────────────────────────────────

type rawProvider struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	BaseURL   string `yaml:"base_url"`
	AuthType  string `yaml:"auth_type"`
	AuthValue string `yaml:"auth_value"`
	HTTPProxy string `yaml:"http_proxy"`
	Enabled   *bool  `yaml:"enabled"`
}

// rawRoutes preserves the mapping order of model_routes, which plain map
// decoding would lose. First-match semantics depend on file order.
type rawRoutes []ModelRoute

func (r *rawRoutes) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("model_routes must be a mapping of pattern to targets")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		var pattern string
		if err := node.Content[i].Decode(&pattern); err != nil {
			return fmt.Errorf("model_routes key: %w", err)
		}
		var targets []RouteTarget
		if err := node.Content[i+1].Decode(&targets); err != nil {
			return fmt.Errorf("model_routes[%s]: %w", pattern, err)
		}
		*r = append(*r, ModelRoute{Pattern: pattern, Targets: targets})
	}
	return nil
}

type rawSettings struct {
	SelectionStrategy             string        `yaml:"selection_strategy"`
	FailureCooldown               *float64      `yaml:"failure_cooldown"`
	StickyProviderDuration        *float64      `yaml:"sticky_provider_duration"`
	UnhealthyThreshold            *int          `yaml:"unhealthy_threshold"`
	UnhealthyResetTimeout         *float64      `yaml:"unhealthy_reset_timeout"`
	UnhealthyErrorTypes           []string      `yaml:"unhealthy_error_types"`
	UnhealthyHTTPCodes            []int         `yaml:"unhealthy_http_codes"`
	UnhealthyResponseBodyPatterns []string      `yaml:"unhealthy_response_body_patterns"`
	RequestTimeout                *float64      `yaml:"request_timeout"`
	StreamingTotalTimeout         *float64      `yaml:"streaming_total_timeout"`
	StreamingIdleTimeout          *float64      `yaml:"streaming_idle_timeout"`
	DeduplicationEnabled          *bool         `yaml:"deduplication_enabled"`
	DeduplicationTTL              *float64      `yaml:"deduplication_ttl"`
	IncludeMaxTokensInSignature   *bool         `yaml:"include_max_tokens_in_signature"`
	SubscriberBacklogMax          *int          `yaml:"subscriber_backlog_max"`
	MaxConcurrentPerProvider      *int          `yaml:"max_concurrent_per_provider"`
	Auth                          AuthSettings  `yaml:"auth"`
	OAuth                         *OAuthSettings `yaml:"oauth"`
}

type rawSnapshot struct {
	Providers []rawProvider `yaml:"providers"`
	Routes    rawRoutes     `yaml:"model_routes"`
	Settings  rawSettings   `yaml:"settings"`
}

// DefaultUnhealthyHTTPCodes is applied when the file does not list its own.
var DefaultUnhealthyHTTPCodes = []int{
	402, 404, 408, 429, 500, 502, 503, 504, 520, 521, 522, 523, 524,
}

// DefaultUnhealthyErrorTypes is applied when the file does not list its own.
// Substrings matched case-insensitively against error text and body previews.
var DefaultUnhealthyErrorTypes = []string{
	"connection", "timeout", "ssl", "refused", "reset", "unavailable", "overloaded",
}

// ParseSnapshot parses and validates a snapshot from raw YAML bytes.
// ${VAR} references in auth_value, http_proxy and string settings are
// substituted from the process environment; unset variables are left as-is.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var raw rawSnapshot
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse snapshot: %w", err)
	}

	snap := &Snapshot{
		Providers: make([]ProviderSpec, 0, len(raw.Providers)),
		Routes:    []ModelRoute(raw.Routes),
		Settings:  buildSettings(raw.Settings),
	}

	for _, rp := range raw.Providers {
		enabled := true
		if rp.Enabled != nil {
			enabled = *rp.Enabled
		}
		snap.Providers = append(snap.Providers, ProviderSpec{
			Name:      rp.Name,
			Type:      rp.Type,
			BaseURL:   expandVars(rp.BaseURL),
			AuthType:  rp.AuthType,
			AuthValue: expandVars(rp.AuthValue),
			HTTPProxy: expandVars(rp.HTTPProxy),
			Enabled:   enabled,
		})
	}

	if err := snap.validate(); err != nil {
		return nil, err
	}

	return snap, nil
}

// LoadSnapshot reads and parses the snapshot file at path.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read snapshot: %w", err)
	}
	return ParseSnapshot(data)
}

func buildSettings(raw rawSettings) Settings {
	s := Settings{
		SelectionStrategy:             StrategyPriority,
		FailureCooldown:               180 * time.Second,
		StickyProviderDuration:        300 * time.Second,
		UnhealthyThreshold:            2,
		UnhealthyErrorTypes:           append([]string(nil), DefaultUnhealthyErrorTypes...),
		UnhealthyHTTPCodes:            append([]int(nil), DefaultUnhealthyHTTPCodes...),
		UnhealthyResponseBodyPatterns: nil,
		RequestTimeout:                120 * time.Second,
		StreamingTotalTimeout:         600 * time.Second,
		StreamingIdleTimeout:          60 * time.Second,
		DeduplicationEnabled:          true,
		DeduplicationTTL:              60 * time.Second,
		SubscriberBacklogMax:          1024,
		Auth:                          raw.Auth,
		OAuth: OAuthSettings{
			EnablePersistence: true,
			ServiceName:       "claude-relay",
			AutoRefresh:       true,
		},
	}

	if raw.SelectionStrategy != "" {
		s.SelectionStrategy = raw.SelectionStrategy
	}
	if raw.FailureCooldown != nil {
		s.FailureCooldown = seconds(*raw.FailureCooldown)
	}
	if raw.StickyProviderDuration != nil {
		s.StickyProviderDuration = seconds(*raw.StickyProviderDuration)
	}
	if raw.UnhealthyThreshold != nil {
		s.UnhealthyThreshold = *raw.UnhealthyThreshold
	}
	if raw.UnhealthyResetTimeout != nil {
		s.UnhealthyResetTimeout = seconds(*raw.UnhealthyResetTimeout)
	}
	if raw.UnhealthyErrorTypes != nil {
		s.UnhealthyErrorTypes = expandAll(raw.UnhealthyErrorTypes)
	}
	if raw.UnhealthyHTTPCodes != nil {
		s.UnhealthyHTTPCodes = raw.UnhealthyHTTPCodes
	}
	if raw.UnhealthyResponseBodyPatterns != nil {
		s.UnhealthyResponseBodyPatterns = expandAll(raw.UnhealthyResponseBodyPatterns)
	}
	if raw.RequestTimeout != nil {
		s.RequestTimeout = seconds(*raw.RequestTimeout)
	}
	if raw.StreamingTotalTimeout != nil {
		s.StreamingTotalTimeout = seconds(*raw.StreamingTotalTimeout)
	}
	if raw.StreamingIdleTimeout != nil {
		s.StreamingIdleTimeout = seconds(*raw.StreamingIdleTimeout)
	}
	if raw.DeduplicationEnabled != nil {
		s.DeduplicationEnabled = *raw.DeduplicationEnabled
	}
	if raw.DeduplicationTTL != nil {
		s.DeduplicationTTL = seconds(*raw.DeduplicationTTL)
	}
	if raw.IncludeMaxTokensInSignature != nil {
		s.IncludeMaxTokensInSignature = *raw.IncludeMaxTokensInSignature
	}
	if raw.SubscriberBacklogMax != nil {
		s.SubscriberBacklogMax = *raw.SubscriberBacklogMax
	}
	if raw.MaxConcurrentPerProvider != nil {
		s.MaxConcurrentPerProvider = *raw.MaxConcurrentPerProvider
	}

	s.Auth.APIKey = expandVars(s.Auth.APIKey)
	if len(s.Auth.ExemptPaths) == 0 {
		s.Auth.ExemptPaths = []string{"/health", "/metrics"}
	}

	if raw.OAuth != nil {
		s.OAuth = *raw.OAuth
		if s.OAuth.ServiceName == "" {
			s.OAuth.ServiceName = "claude-relay"
		}
		s.OAuth.Proxy = expandVars(s.OAuth.Proxy)
		s.OAuth.TokenFile = expandVars(s.OAuth.TokenFile)
	}

	return s
}

func (s *Snapshot) validate() error {
	if len(s.Providers) == 0 {
		return fmt.Errorf("config: at least one provider is required")
	}

	seen := make(map[string]bool, len(s.Providers))
	for _, p := range s.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true

		switch p.Type {
		case ProviderTypeAnthropic, ProviderTypeOpenAI:
		default:
			return fmt.Errorf("config: provider %q: invalid type %q; must be one of: anthropic, openai", p.Name, p.Type)
		}

		if p.BaseURL == "" {
			return fmt.Errorf("config: provider %q: base_url is required", p.Name)
		}
		if _, err := url.Parse(p.BaseURL); err != nil {
			return fmt.Errorf("config: provider %q: invalid base_url: %w", p.Name, err)
		}

		switch p.AuthType {
		case "api_key", "auth_token", "oauth", "":
		default:
			return fmt.Errorf("config: provider %q: invalid auth_type %q; must be one of: api_key, auth_token, oauth", p.Name, p.AuthType)
		}
	}

	if len(s.Routes) == 0 {
		return fmt.Errorf("config: at least one model route is required")
	}
	for _, r := range s.Routes {
		if r.Pattern == "" {
			return fmt.Errorf("config: model route with empty pattern")
		}
		if len(r.Targets) == 0 {
			return fmt.Errorf("config: model route %q has no targets", r.Pattern)
		}
		for _, t := range r.Targets {
			if t.Provider == "" {
				return fmt.Errorf("config: model route %q: target with empty provider", r.Pattern)
			}
		}
	}

	switch s.Settings.SelectionStrategy {
	case StrategyPriority, StrategyRoundRobin, StrategyRandom:
	default:
		return fmt.Errorf(
			"config: invalid selection_strategy %q; must be one of: priority, round_robin, random",
			s.Settings.SelectionStrategy,
		)
	}

	if s.Settings.UnhealthyThreshold < 1 {
		return fmt.Errorf("config: unhealthy_threshold must be ≥ 1, got %d", s.Settings.UnhealthyThreshold)
	}
	if s.Settings.FailureCooldown <= 0 {
		return fmt.Errorf("config: failure_cooldown must be a positive duration")
	}
	if s.Settings.Auth.Enabled && s.Settings.Auth.APIKey == "" {
		return fmt.Errorf("config: auth.api_key is required when auth.enabled is true")
	}

	return nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandVars substitutes ${VAR} references from the process environment.
// Unset variables are left untouched so typos surface in validation errors
// instead of silently becoming empty strings.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return m
	})
}

func expandAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = expandVars(s)
	}
	return out
}
