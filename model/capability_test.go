package model

import "testing"

func TestCapabilitySet_Has_exact(t *testing.T) {
	cs := CapabilitySet{
		"workflows:cancel": true,
	}
	if !cs.Has("workflows:cancel") {
		t.Error("Has(workflows:cancel) = false, want true")
	}
	if cs.Has("workflows:assign") {
		t.Error("Has(workflows:assign) = true, want false")
	}
}

func TestCapabilitySet_Has_wildcards(t *testing.T) {
	tests := []struct {
		pattern string
		cap     string
		want    bool
	}{
		{"*", "workflows:cancel", true},
		{"workflows:*", "workflows:cancel", true},
		{"workflows:*", "documents:view", false},
		{"workflows", "workflows:cancel", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.cap, func(t *testing.T) {
			cs := CapabilitySet{tt.pattern: true}
			if got := cs.Has(tt.cap); got != tt.want {
				t.Errorf("Has(%q) = %v, want %v", tt.cap, got, tt.want)
			}
		})
	}
}

func TestCapabilitySet_Has_nil(t *testing.T) {
	var cs CapabilitySet
	if cs.Has("workflows:cancel") {
		t.Error("nil set should not have any capability")
	}
}

func TestCapabilitySet_HasAll_HasAny(t *testing.T) {
	cs := CapabilitySet{"workflows:cancel": true, "workflows:view": true}
	if !cs.HasAll("workflows:cancel", "workflows:view") {
		t.Error("HasAll() = false, want true")
	}
	if cs.HasAll("workflows:cancel", "workflows:assign") {
		t.Error("HasAll() with missing capability = true, want false")
	}
	if !cs.HasAny("workflows:assign", "workflows:view") {
		t.Error("HasAny() = false, want true")
	}
	if cs.HasAny() {
		t.Error("HasAny() with no arguments = true, want false")
	}
}
