// Package upstream tracks provider health, selects candidates for a model
// and issues the outbound HTTP calls.
//
// Health is passive: there is no probe loop. Every completed request reports
// its outcome, qualifying failures increment a per-provider counter, and a
// provider that crosses the threshold is skipped by the selector until its
// cooldown elapses. Cooldown expiry is lazy; selectability is recomputed on
// each selection, so no timer is needed.
package upstream

import (
	"sync"
	"time"

	"github.com/nulpointcorp/claude-relay/internal/config"
)

// providerHealth holds the mutable health state of one provider.
type providerHealth struct {
	mu sync.Mutex

	errorCount     int
	lastErrorTime  time.Time
	unhealthySince time.Time
	lastSuccess    time.Time
}

// Health manages per-provider health state. State survives config reloads:
// a reload only adds entries for providers it has not seen before.
type Health struct {
	mu        sync.RWMutex
	providers map[string]*providerHealth
}

func NewHealth() *Health {
	return &Health{providers: make(map[string]*providerHealth)}
}

// Sync ensures every provider in the snapshot has a health entry. Existing
// entries keep their state so a reload does not reset error counters.
func (h *Health) Sync(snap *config.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range snap.Providers {
		if _, ok := h.providers[p.Name]; !ok {
			h.providers[p.Name] = &providerHealth{}
		}
	}
}

func (h *Health) get(name string) *providerHealth {
	h.mu.RLock()
	ph := h.providers[name]
	h.mu.RUnlock()
	if ph != nil {
		return ph
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ph = h.providers[name]; ph == nil {
		ph = &providerHealth{}
		h.providers[name] = ph
	}
	return ph
}

// IsSelectable reports whether the provider may receive traffic: it is
// healthy, or its failure cooldown has elapsed.
func (h *Health) IsSelectable(name string, s *config.Settings) bool {
	ph := h.get(name)
	ph.mu.Lock()
	defer ph.mu.Unlock()

	if ph.unhealthySince.IsZero() {
		return true
	}
	return time.Since(ph.unhealthySince) > s.FailureCooldown
}

// RecordSuccess clears the error counter and the unhealthy mark.
func (h *Health) RecordSuccess(name string) {
	ph := h.get(name)
	ph.mu.Lock()
	defer ph.mu.Unlock()

	ph.errorCount = 0
	ph.unhealthySince = time.Time{}
	ph.lastSuccess = time.Now()
}

// RecordFailure counts one qualifying failure and reports whether the
// provider is now unhealthy (at or past the threshold), which is the signal
// that failover to the next candidate is warranted.
//
// Non-qualifying failures must not be reported here; the caller screens them
// with a Classifier first.
func (h *Health) RecordFailure(name string, s *config.Settings) (unhealthy bool) {
	ph := h.get(name)
	ph.mu.Lock()
	defer ph.mu.Unlock()

	now := time.Now()

	// A long-quiet counter is stale; start over instead of tripping on
	// failures separated by hours.
	if s.UnhealthyResetTimeout > 0 &&
		!ph.lastErrorTime.IsZero() &&
		now.Sub(ph.lastErrorTime) > s.UnhealthyResetTimeout {
		ph.errorCount = 0
	}

	ph.errorCount++
	ph.lastErrorTime = now

	if ph.errorCount >= s.UnhealthyThreshold {
		ph.unhealthySince = now
		return true
	}
	return false
}

// ProviderStatus is one row of the /providers inventory.
type ProviderStatus struct {
	Name           string     `json:"name"`
	Type           string     `json:"type"`
	Enabled        bool       `json:"enabled"`
	Healthy        bool       `json:"healthy"`
	ErrorCount     int        `json:"error_count"`
	UnhealthySince *time.Time `json:"unhealthy_since,omitempty"`
	LastSuccess    *time.Time `json:"last_success,omitempty"`
}

// Status reports the health of every provider in the snapshot.
func (h *Health) Status(snap *config.Snapshot) []ProviderStatus {
	out := make([]ProviderStatus, 0, len(snap.Providers))
	for _, p := range snap.Providers {
		ph := h.get(p.Name)
		ph.mu.Lock()
		st := ProviderStatus{
			Name:       p.Name,
			Type:       p.Type,
			Enabled:    p.Enabled,
			Healthy:    ph.unhealthySince.IsZero(),
			ErrorCount: ph.errorCount,
		}
		if !ph.unhealthySince.IsZero() {
			ts := ph.unhealthySince
			st.UnhealthySince = &ts
		}
		if !ph.lastSuccess.IsZero() {
			ts := ph.lastSuccess
			st.LastSuccess = &ts
		}
		ph.mu.Unlock()
		out = append(out, st)
	}
	return out
}
