package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Listen != ":3456" {
		t.Errorf("Listen = %q, want %q", cfg.Listen, ":3456")
	}
	if cfg.ConfigPath != "config.yaml" {
		t.Errorf("ConfigPath = %q, want %q", cfg.ConfigPath, "config.yaml")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoadFlagsWinOverEnv(t *testing.T) {
	t.Setenv("LISTEN", ":9999")
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := Load([]string{"--listen", ":4000"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Listen != ":4000" {
		t.Errorf("Listen = %q, want flag value %q", cfg.Listen, ":4000")
	}
	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want env value %q", cfg.LogLevel, "error")
	}
}

func TestLoadInvalidLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose")
	if _, err := Load(nil); err == nil {
		t.Fatal("Load() expected error for invalid LOG_LEVEL, got nil")
	}
}

const validSnapshot = `
providers:
  - name: main
    type: anthropic
    base_url: https://api.anthropic.com
    auth_type: api_key
    auth_value: "${RELAY_TEST_KEY}"
  - name: backup
    type: openai
    base_url: https://openrouter.example/v1
    auth_type: api_key
    auth_value: sk-fallback
    enabled: false
model_routes:
  "*sonnet*":
    - provider: main
      model: passthrough
      priority: 1
    - provider: backup
      model: gpt-4o
      priority: 2
  "*":
    - provider: main
      model: passthrough
      priority: 1
settings:
  failure_cooldown: 60
  unhealthy_threshold: 3
`

func TestParseSnapshot(t *testing.T) {
	t.Setenv("RELAY_TEST_KEY", "sk-live-secret")

	snap, err := ParseSnapshot([]byte(validSnapshot))
	if err != nil {
		t.Fatalf("ParseSnapshot() error = %v", err)
	}

	if len(snap.Providers) != 2 {
		t.Fatalf("len(Providers) = %d, want 2", len(snap.Providers))
	}
	if got := snap.Providers[0].AuthValue; got != "sk-live-secret" {
		t.Errorf("AuthValue = %q, want env-expanded %q", got, "sk-live-secret")
	}
	if snap.Providers[0].Enabled != true {
		t.Error("Enabled should default to true when omitted")
	}
	if snap.Providers[1].Enabled != false {
		t.Error("Enabled = true, want explicit false")
	}

	if len(snap.Routes) != 2 {
		t.Fatalf("len(Routes) = %d, want 2", len(snap.Routes))
	}
	if snap.Routes[0].Pattern != "*sonnet*" || snap.Routes[1].Pattern != "*" {
		t.Errorf("route order = [%q, %q], want file order [*sonnet*, *]",
			snap.Routes[0].Pattern, snap.Routes[1].Pattern)
	}
	if len(snap.Routes[0].Targets) != 2 {
		t.Errorf("len(Routes[0].Targets) = %d, want 2", len(snap.Routes[0].Targets))
	}

	if snap.Settings.FailureCooldown != 60*time.Second {
		t.Errorf("FailureCooldown = %v, want 60s", snap.Settings.FailureCooldown)
	}
	if snap.Settings.UnhealthyThreshold != 3 {
		t.Errorf("UnhealthyThreshold = %d, want 3", snap.Settings.UnhealthyThreshold)
	}
}

func TestParseSnapshotDefaults(t *testing.T) {
	minimal := `
providers:
  - name: main
    type: anthropic
    base_url: https://api.anthropic.com
    auth_type: api_key
    auth_value: sk-x
model_routes:
  "*":
    - provider: main
      model: passthrough
      priority: 1
`
	snap, err := ParseSnapshot([]byte(minimal))
	if err != nil {
		t.Fatalf("ParseSnapshot() error = %v", err)
	}

	s := snap.Settings
	if s.SelectionStrategy != StrategyPriority {
		t.Errorf("SelectionStrategy = %q, want priority", s.SelectionStrategy)
	}
	if s.FailureCooldown != 180*time.Second {
		t.Errorf("FailureCooldown = %v, want 180s", s.FailureCooldown)
	}
	if s.StickyProviderDuration != 300*time.Second {
		t.Errorf("StickyProviderDuration = %v, want 300s", s.StickyProviderDuration)
	}
	if s.UnhealthyThreshold != 2 {
		t.Errorf("UnhealthyThreshold = %d, want 2", s.UnhealthyThreshold)
	}
	if s.RequestTimeout != 120*time.Second {
		t.Errorf("RequestTimeout = %v, want 120s", s.RequestTimeout)
	}
	if s.StreamingTotalTimeout != 600*time.Second {
		t.Errorf("StreamingTotalTimeout = %v, want 600s", s.StreamingTotalTimeout)
	}
	if s.StreamingIdleTimeout != 60*time.Second {
		t.Errorf("StreamingIdleTimeout = %v, want 60s", s.StreamingIdleTimeout)
	}
	if !s.DeduplicationEnabled {
		t.Error("DeduplicationEnabled should default to true")
	}
	if s.DeduplicationTTL != 60*time.Second {
		t.Errorf("DeduplicationTTL = %v, want 60s", s.DeduplicationTTL)
	}
	if s.IncludeMaxTokensInSignature {
		t.Error("IncludeMaxTokensInSignature should default to false")
	}
	if len(s.UnhealthyHTTPCodes) == 0 {
		t.Error("UnhealthyHTTPCodes should have defaults")
	}
	if s.OAuth.ServiceName != "claude-relay" {
		t.Errorf("OAuth.ServiceName = %q, want claude-relay", s.OAuth.ServiceName)
	}
	if len(s.Auth.ExemptPaths) != 2 {
		t.Errorf("Auth.ExemptPaths = %v, want [/health /metrics]", s.Auth.ExemptPaths)
	}
}

func TestParseSnapshotValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no providers",
			yaml:    "providers: []\nmodel_routes:\n  \"*\":\n    - provider: a\n",
			wantErr: "at least one provider",
		},
		{
			name: "invalid provider type",
			yaml: `
providers:
  - name: main
    type: gemini
    base_url: https://example.com
model_routes:
  "*":
    - provider: main
`,
			wantErr: "invalid type",
		},
		{
			name: "duplicate provider name",
			yaml: `
providers:
  - name: main
    type: anthropic
    base_url: https://a.example.com
  - name: main
    type: openai
    base_url: https://b.example.com
model_routes:
  "*":
    - provider: main
`,
			wantErr: "duplicate provider name",
		},
		{
			name: "missing base_url",
			yaml: `
providers:
  - name: main
    type: anthropic
model_routes:
  "*":
    - provider: main
`,
			wantErr: "base_url is required",
		},
		{
			name: "no routes",
			yaml: `
providers:
  - name: main
    type: anthropic
    base_url: https://example.com
model_routes: {}
`,
			wantErr: "at least one model route",
		},
		{
			name: "route without targets",
			yaml: `
providers:
  - name: main
    type: anthropic
    base_url: https://example.com
model_routes:
  "*": []
`,
			wantErr: "no targets",
		},
		{
			name: "invalid strategy",
			yaml: `
providers:
  - name: main
    type: anthropic
    base_url: https://example.com
model_routes:
  "*":
    - provider: main
settings:
  selection_strategy: weighted
`,
			wantErr: "invalid selection_strategy",
		},
		{
			name: "auth enabled without key",
			yaml: `
providers:
  - name: main
    type: anthropic
    base_url: https://example.com
model_routes:
  "*":
    - provider: main
settings:
  auth:
    enabled: true
`,
			wantErr: "auth.api_key is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSnapshot([]byte(tt.yaml))
			if err == nil {
				t.Fatal("ParseSnapshot() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestExpandVarsLeavesUnsetUntouched(t *testing.T) {
	got := expandVars("prefix-${DEFINITELY_NOT_SET_XYZ}-suffix")
	if got != "prefix-${DEFINITELY_NOT_SET_XYZ}-suffix" {
		t.Errorf("expandVars() = %q, want unset reference preserved", got)
	}
}

func TestStoreReloadKeepsSnapshotOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte(validSnapshot), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	before := store.Snapshot()

	if err := os.WriteFile(path, []byte("providers: [broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Reload(); err == nil {
		t.Fatal("Reload() expected error for broken YAML, got nil")
	}
	if store.Snapshot() != before {
		t.Error("Reload() with broken file should keep the previous snapshot")
	}

	valid := strings.ReplaceAll(validSnapshot, "unhealthy_threshold: 3", "unhealthy_threshold: 5")
	if err := os.WriteFile(path, []byte(valid), 0o644); err != nil {
		t.Fatal(err)
	}
	after, err := store.Reload()
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if after.Settings.UnhealthyThreshold != 5 {
		t.Errorf("UnhealthyThreshold after reload = %d, want 5", after.Settings.UnhealthyThreshold)
	}
	if store.Snapshot() != after {
		t.Error("Snapshot() should return the reloaded snapshot")
	}
}
