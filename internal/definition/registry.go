package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/docroute/model"
)

// snapshot is an immutable collection of all templates indexed by ID.
type snapshot struct {
	templates map[string]model.WorkflowTemplate
	ordered   []string
	checksum  string
}

// Registry is a read-optimized, thread-safe store of all loaded templates.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given template files.
func NewRegistry(files []model.TemplateFile) *Registry {
	r := &Registry{}
	r.Replace(files)
	return r
}

// NewRegistryFromTemplates builds a Registry directly from templates.
func NewRegistryFromTemplates(templates ...model.WorkflowTemplate) *Registry {
	return NewRegistry([]model.TemplateFile{{Templates: templates}})
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given files. Later files win on duplicate template IDs.
func (r *Registry) Replace(files []model.TemplateFile) {
	s := &snapshot{
		templates: make(map[string]model.WorkflowTemplate),
	}

	var checksumParts []string
	for _, f := range files {
		checksumParts = append(checksumParts, f.Checksum)
		for _, t := range f.Templates {
			s.templates[t.ID] = t
		}
	}

	s.ordered = make([]string, 0, len(s.templates))
	for id := range s.templates {
		s.ordered = append(s.ordered, id)
	}
	sort.Strings(s.ordered)

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Template returns the template with the given ID regardless of its active flag.
func (r *Registry) Template(id string) (model.WorkflowTemplate, bool) {
	t, ok := r.current().templates[id]
	return t, ok
}

// ActiveTemplate returns the template with the given ID only when it is active.
func (r *Registry) ActiveTemplate(id string) (model.WorkflowTemplate, bool) {
	t, ok := r.current().templates[id]
	if !ok || !t.IsActive {
		return model.WorkflowTemplate{}, false
	}
	return t, true
}

// MatchClassification returns the first active classification-triggered
// template, ordered by ID, whose trigger value equals classification.
func (r *Registry) MatchClassification(classification string) (model.WorkflowTemplate, bool) {
	s := r.current()
	for _, id := range s.ordered {
		t := s.templates[id]
		if t.MatchesClassification(classification) {
			return t, true
		}
	}
	return model.WorkflowTemplate{}, false
}

// AllTemplates returns every template ordered by ID.
func (r *Registry) AllTemplates() []model.WorkflowTemplate {
	s := r.current()
	out := make([]model.WorkflowTemplate, 0, len(s.ordered))
	for _, id := range s.ordered {
		out = append(out, s.templates[id])
	}
	return out
}

// Len returns the number of loaded templates.
func (r *Registry) Len() int {
	return len(r.current().ordered)
}

// Checksum returns the combined checksum of all loaded template files.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
