package model

import (
	"context"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	if err := (&RequestContext{SubjectID: "user-1"}).Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
	if err := (&RequestContext{}).Validate(); err == nil {
		t.Error("Validate() on empty context = nil, want error")
	}
}

func TestRequestContext_HasRole(t *testing.T) {
	rc := &RequestContext{Roles: []string{"admin", "staff"}}
	if !rc.HasRole("admin") {
		t.Error("HasRole(admin) = false, want true")
	}
	if rc.HasRole("viewer") {
		t.Error("HasRole(viewer) = true, want false")
	}
}

func TestRequestContext_Claim(t *testing.T) {
	rc := &RequestContext{Claims: map[string]any{"email": "user@example.com"}}
	if got := rc.Claim("email"); got != "user@example.com" {
		t.Errorf("Claim(email) = %v, want user@example.com", got)
	}
	if got := rc.Claim("missing"); got != nil {
		t.Errorf("Claim(missing) = %v, want nil", got)
	}
	if got := (&RequestContext{}).Claim("any"); got != nil {
		t.Errorf("Claim(any) on nil claims = %v, want nil", got)
	}
}

func TestRequestContext_Actor(t *testing.T) {
	rc := &RequestContext{SubjectID: "user-1", Roles: []string{"staff"}}
	actor := rc.Actor()
	if actor.ID != "user-1" {
		t.Errorf("Actor().ID = %q, want user-1", actor.ID)
	}
	if len(actor.Roles) != 1 || actor.Roles[0] != "staff" {
		t.Errorf("Actor().Roles = %v, want [staff]", actor.Roles)
	}
}

func TestWithRequestContext_and_RequestContextFrom(t *testing.T) {
	rctx := &RequestContext{SubjectID: "user-1"}
	ctx := WithRequestContext(context.Background(), rctx)
	if got := RequestContextFrom(ctx); got != rctx {
		t.Errorf("RequestContextFrom() = %v, want %v", got, rctx)
	}
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty context) = %v, want nil", got)
	}
}
