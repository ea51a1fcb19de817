package model

import "strings"

// Capabilities the engine checks.
const (
	CapabilityCancelAnyRun   = "workflows:cancel"
	CapabilityAssignWorkflow = "workflows:assign"
	CapabilityViewAnyRun     = "workflows:view"
	CapabilityFailRun        = "workflows:fail"
)

// CapabilitySet is a set of capabilities granted to a user. Each key is a
// capability string (e.g. "workflows:cancel") and may include wildcards
// (e.g. "workflows:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if the set matches all given capabilities.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

// HasAny returns true if the set matches at least one of the given
// capabilities.
func (cs CapabilitySet) HasAny(caps ...string) bool {
	for _, cap := range caps {
		if cs.Has(cap) {
			return true
		}
	}
	return false
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
//
//	"*"             matches anything
//	"workflows:*"   matches "workflows:cancel"
//	"workflows"     does NOT match "workflows:cancel"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := pattern[:len(pattern)-1]
	return strings.HasPrefix(cap, prefix)
}

// CapabilityResolver resolves the full capability set for an actor.
type CapabilityResolver interface {
	// Resolve returns all capabilities granted to the actor.
	Resolve(actor Actor) (CapabilitySet, error)

	// Invalidate clears cached capabilities for the given actor ID.
	Invalidate(actorID string)
}

// PolicyEvaluator is the backend that maps an actor's roles to capabilities.
type PolicyEvaluator interface {
	// ResolveCapabilities returns the full capability set for the actor.
	ResolveCapabilities(actor Actor) (CapabilitySet, error)

	// Sync refreshes policy data from the external source.
	Sync() error
}
