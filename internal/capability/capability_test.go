package capability

import (
	"errors"
	"testing"
	"time"

	"github.com/pitabwire/docroute/model"
)

func testActor(roles ...string) model.Actor {
	return model.Actor{ID: "user-1", Roles: roles}
}

// --- StaticPolicyEvaluator tests ---

func TestStaticPolicyEvaluator_ResolveCapabilities(t *testing.T) {
	e, err := NewStaticPolicyEvaluator("testdata/policies.yaml")
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator() error = %v", err)
	}

	caps, err := e.ResolveCapabilities(testActor("clerk"))
	if err != nil {
		t.Fatalf("ResolveCapabilities() error = %v", err)
	}

	if !caps.Has(model.CapabilityAssignWorkflow) {
		t.Error("clerk should have workflows:assign")
	}
	if caps.Has(model.CapabilityCancelAnyRun) {
		t.Error("clerk should not have workflows:cancel")
	}
}

func TestStaticPolicyEvaluator_MultipleRoles(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	caps, _ := e.ResolveCapabilities(testActor("clerk", "staff"))

	if !caps.HasAll(model.CapabilityAssignWorkflow, model.CapabilityCancelAnyRun) {
		t.Errorf("combined roles = %v, want assign and cancel", caps)
	}
}

func TestStaticPolicyEvaluator_Wildcard(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	caps, _ := e.ResolveCapabilities(testActor("admin"))

	if !caps.Has(model.CapabilityCancelAnyRun) {
		t.Error("admin with workflows:* should match workflows:cancel")
	}
	if !caps.Has("documents:delete") {
		t.Error("admin with documents:* should match documents:delete")
	}
}

func TestStaticPolicyEvaluator_UnknownRole(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	caps, _ := e.ResolveCapabilities(testActor("nonexistent"))

	if len(caps) != 0 {
		t.Errorf("unknown role should return empty capabilities, got %v", caps)
	}
}

func TestStaticPolicyEvaluator_BadFile(t *testing.T) {
	_, err := NewStaticPolicyEvaluator("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("expected error for missing policy file")
	}
}

func TestNewStaticPolicy_inMemory(t *testing.T) {
	e := NewStaticPolicy(map[string][]string{"staff": {model.CapabilityCancelAnyRun}})
	if err := e.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	caps, _ := e.ResolveCapabilities(testActor("staff"))
	if !caps.Has(model.CapabilityCancelAnyRun) {
		t.Error("staff should have workflows:cancel")
	}
}

// --- Resolver tests ---

func TestResolver_Resolve_and_Cache(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	r := NewResolver(e, 5*time.Minute, 0)

	actor := testActor("staff")

	caps1, err := r.Resolve(actor)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !caps1.Has(model.CapabilityCancelAnyRun) {
		t.Error("should have workflows:cancel")
	}

	caps2, err := r.Resolve(actor)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !caps2.Has(model.CapabilityCancelAnyRun) {
		t.Error("cached result should have workflows:cancel")
	}
}

func TestResolver_Can(t *testing.T) {
	r := NewResolver(NewStaticPolicy(map[string][]string{"staff": {model.CapabilityCancelAnyRun}}), time.Minute, 0)

	ok, err := r.Can(testActor("staff"), model.CapabilityCancelAnyRun)
	if err != nil || !ok {
		t.Errorf("Can(staff, cancel) = %v, %v; want true, nil", ok, err)
	}
	ok, err = r.Can(testActor("viewer"), model.CapabilityCancelAnyRun)
	if err != nil || ok {
		t.Errorf("Can(viewer, cancel) = %v, %v; want false, nil", ok, err)
	}
}

func TestResolver_rolesChangeCacheKey(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(actor model.Actor) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{}, nil
		},
	}
	r := NewResolver(mock, 5*time.Minute, 0)

	r.Resolve(testActor("a", "b"))
	r.Resolve(testActor("b", "a"))
	if callCount != 1 {
		t.Fatalf("callCount = %d, want 1 (role order does not matter)", callCount)
	}
	r.Resolve(testActor("a"))
	if callCount != 2 {
		t.Fatalf("callCount = %d, want 2 (different roles)", callCount)
	}
}

func TestResolver_Invalidate(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(actor model.Actor) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{model.CapabilityViewAnyRun: true}, nil
		},
	}
	r := NewResolver(mock, 5*time.Minute, 0)
	actor := testActor()

	r.Resolve(actor)
	if callCount != 1 {
		t.Fatalf("callCount = %d, want 1", callCount)
	}

	r.Resolve(actor)
	if callCount != 1 {
		t.Fatalf("callCount = %d after cache hit, want 1", callCount)
	}

	r.Invalidate("user-1")

	r.Resolve(actor)
	if callCount != 2 {
		t.Fatalf("callCount = %d after invalidate, want 2", callCount)
	}
}

func TestResolver_TTLExpiry(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(actor model.Actor) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{}, nil
		},
	}
	r := NewResolver(mock, time.Minute, 0)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.Resolve(testActor())
	now = now.Add(2 * time.Minute)
	r.Resolve(testActor())

	if callCount != 2 {
		t.Fatalf("callCount = %d, want 2 (TTL expired)", callCount)
	}
}

func TestResolver_MaxEntries(t *testing.T) {
	mock := &mockEvaluator{
		resolveFunc: func(actor model.Actor) (model.CapabilitySet, error) {
			return model.CapabilitySet{}, nil
		},
	}
	r := NewResolver(mock, time.Hour, 2)

	for _, id := range []string{"a", "b", "c", "d"} {
		r.Resolve(model.Actor{ID: id})
	}

	r.mu.RLock()
	size := len(r.cache)
	r.mu.RUnlock()
	if size > 2 {
		t.Errorf("cache size = %d, want <= 2", size)
	}
}

func TestResolver_evaluatorError(t *testing.T) {
	mock := &mockEvaluator{
		resolveFunc: func(actor model.Actor) (model.CapabilitySet, error) {
			return nil, errors.New("policy backend down")
		},
	}
	r := NewResolver(mock, time.Minute, 0)
	if _, err := r.Resolve(testActor()); err == nil {
		t.Fatal("Resolve() should surface evaluator errors")
	}
	if _, err := r.Can(testActor(), model.CapabilityCancelAnyRun); err == nil {
		t.Fatal("Can() should surface evaluator errors")
	}
}

// --- Mock PolicyEvaluator ---

type mockEvaluator struct {
	resolveFunc func(actor model.Actor) (model.CapabilitySet, error)
}

func (m *mockEvaluator) ResolveCapabilities(actor model.Actor) (model.CapabilitySet, error) {
	return m.resolveFunc(actor)
}

func (m *mockEvaluator) Sync() error { return nil }
