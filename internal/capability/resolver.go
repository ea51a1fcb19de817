// Package capability resolves and caches actor capabilities from a static
// role-to-capability policy.
package capability

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/docroute/model"
)

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver implements model.CapabilityResolver with an in-memory cache.
type Resolver struct {
	evaluator  model.PolicyEvaluator
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	mu         sync.RWMutex
	cache      map[string]cacheEntry
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
// A maxEntries of zero leaves the cache unbounded.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration, maxEntries int) *Resolver {
	return &Resolver{
		evaluator:  evaluator,
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		cache:      make(map[string]cacheEntry),
	}
}

// cacheKey includes the roles so a token carrying new roles is never served
// a stale set.
func cacheKey(actor model.Actor) string {
	roles := append([]string(nil), actor.Roles...)
	sort.Strings(roles)
	return actor.ID + ":" + strings.Join(roles, ",")
}

// Resolve returns the full capability set for the given actor. Results are
// cached for the configured TTL.
func (r *Resolver) Resolve(actor model.Actor) (model.CapabilitySet, error) {
	key := cacheKey(actor)

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && r.now().Before(entry.expires) {
		r.mu.RUnlock()
		return entry.caps, nil
	}
	r.mu.RUnlock()

	caps, err := r.evaluator.ResolveCapabilities(actor)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.maxEntries > 0 && len(r.cache) >= r.maxEntries {
		r.evictLocked()
	}
	r.cache[key] = cacheEntry{caps: caps, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// Can reports whether the actor holds capability.
func (r *Resolver) Can(actor model.Actor, capability string) (bool, error) {
	caps, err := r.Resolve(actor)
	if err != nil {
		return false, err
	}
	return caps.Has(capability), nil
}

// Invalidate clears cached capabilities for the given actor.
func (r *Resolver) Invalidate(actorID string) {
	prefix := actorID + ":"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

// evictLocked drops expired entries, and everything when none had expired.
func (r *Resolver) evictLocked() {
	now := r.now()
	for key, entry := range r.cache {
		if !now.Before(entry.expires) {
			delete(r.cache, key)
		}
	}
	if len(r.cache) >= r.maxEntries {
		r.cache = make(map[string]cacheEntry)
	}
}
