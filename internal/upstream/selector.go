package upstream

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/nulpointcorp/claude-relay/internal/config"
)

var (
	// ErrNoRoute means no route pattern matched the requested model.
	ErrNoRoute = errors.New("upstream: no route matches model")

	// ErrAllUnhealthy means a route matched but every candidate is
	// disabled or cooling down.
	ErrAllUnhealthy = errors.New("upstream: all candidates unhealthy")
)

// Candidate is one resolved (provider, upstream model) pair, in the order
// the orchestrator should try them.
type Candidate struct {
	Provider config.ProviderSpec
	Model    string
	Priority int
}

// Selector resolves a requested model to an ordered candidate list. It owns
// the sticky pointer and the round-robin counters; health screening is
// delegated to Health.
type Selector struct {
	health *Health

	mu         sync.Mutex
	stickyName string
	stickyAt   time.Time
	rrCounters map[string]int
}

func NewSelector(health *Health) *Selector {
	return &Selector{
		health:     health,
		rrCounters: make(map[string]int),
	}
}

// Select returns the candidates for model under the given snapshot.
// Returns ErrNoRoute when no pattern matches and ErrAllUnhealthy when a
// route matched but nothing is selectable.
func (s *Selector) Select(model string, snap *config.Snapshot) ([]Candidate, error) {
	route := matchRoute(model, snap.Routes)
	if route == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, model)
	}

	candidates := s.resolve(model, route, snap)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: route %s", ErrAllUnhealthy, route.Pattern)
	}

	// Stable sort keeps file order for equal priorities.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})

	switch snap.Settings.SelectionStrategy {
	case config.StrategyRoundRobin:
		candidates = s.rotate(model, candidates)
	case config.StrategyRandom:
		candidates = shuffleHead(candidates)
	}

	candidates = s.promoteSticky(candidates, snap.Settings.StickyProviderDuration)
	return candidates, nil
}

// MarkSuccess records the provider that served the last successful request;
// while the sticky window is active it is promoted to the head of any
// candidate list it appears in.
func (s *Selector) MarkSuccess(provider string) {
	s.mu.Lock()
	s.stickyName = provider
	s.stickyAt = time.Now()
	s.mu.Unlock()
}

func matchRoute(model string, routes []config.ModelRoute) *config.ModelRoute {
	for i := range routes {
		pattern := routes[i].Pattern
		if pattern == model {
			return &routes[i]
		}
		if ok, err := path.Match(pattern, model); err == nil && ok {
			return &routes[i]
		}
	}
	return nil
}

func (s *Selector) resolve(model string, route *config.ModelRoute, snap *config.Snapshot) []Candidate {
	out := make([]Candidate, 0, len(route.Targets))
	for _, t := range route.Targets {
		spec := snap.Provider(t.Provider)
		if spec == nil || !spec.Enabled {
			continue
		}
		if !s.health.IsSelectable(spec.Name, &snap.Settings) {
			continue
		}
		upstreamModel := t.Model
		if upstreamModel == "" || upstreamModel == config.ModelPassthrough {
			upstreamModel = model
		}
		out = append(out, Candidate{Provider: *spec, Model: upstreamModel, Priority: t.Priority})
	}
	return out
}

// rotate advances a per-(model, list-size) counter so consecutive requests
// walk the candidate list round-robin. Keying by size restarts the rotation
// when providers drop in or out.
func (s *Selector) rotate(model string, candidates []Candidate) []Candidate {
	s.mu.Lock()
	key := fmt.Sprintf("%s_%d", model, len(candidates))
	offset := s.rrCounters[key] % len(candidates)
	s.rrCounters[key]++
	s.mu.Unlock()

	if offset == 0 {
		return candidates
	}
	rotated := make([]Candidate, 0, len(candidates))
	rotated = append(rotated, candidates[offset:]...)
	rotated = append(rotated, candidates[:offset]...)
	return rotated
}

// shuffleHead promotes one of the top three candidates at random, keeping
// low-priority backups at the back.
func shuffleHead(candidates []Candidate) []Candidate {
	top := len(candidates)
	if top > 3 {
		top = 3
	}
	pick := rand.IntN(top)
	if pick == 0 {
		return candidates
	}
	out := make([]Candidate, 0, len(candidates))
	out = append(out, candidates[pick])
	out = append(out, candidates[:pick]...)
	out = append(out, candidates[pick+1:]...)
	return out
}

func (s *Selector) promoteSticky(candidates []Candidate, window time.Duration) []Candidate {
	s.mu.Lock()
	name, at := s.stickyName, s.stickyAt
	s.mu.Unlock()

	if name == "" || time.Since(at) > window {
		return candidates
	}
	for i, c := range candidates {
		if c.Provider.Name == name {
			if i == 0 {
				return candidates
			}
			out := make([]Candidate, 0, len(candidates))
			out = append(out, c)
			out = append(out, candidates[:i]...)
			out = append(out, candidates[i+1:]...)
			return out
		}
	}
	return candidates
}
