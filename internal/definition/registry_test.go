package definition

import (
	"sync"
	"testing"

	"github.com/pitabwire/docroute/model"
)

func classificationTemplate(id, value string, active bool) model.WorkflowTemplate {
	return model.WorkflowTemplate{
		ID:           id,
		Name:         id,
		IsActive:     active,
		TriggerType:  model.TriggerClassification,
		TriggerValue: value,
		Steps:        []model.StepTemplate{{StepOrder: 1, Name: "Review", StepType: model.StepTypeReview}},
	}
}

func TestRegistry_ActiveTemplate(t *testing.T) {
	r := NewRegistryFromTemplates(
		classificationTemplate("active", "contract", true),
		classificationTemplate("inactive", "contract", false),
	)

	if _, ok := r.ActiveTemplate("active"); !ok {
		t.Error("ActiveTemplate(active) not found")
	}
	if _, ok := r.ActiveTemplate("inactive"); ok {
		t.Error("ActiveTemplate(inactive) should not be returned")
	}
	if _, ok := r.Template("inactive"); !ok {
		t.Error("Template(inactive) should be returned regardless of active flag")
	}
	if _, ok := r.ActiveTemplate("missing"); ok {
		t.Error("ActiveTemplate(missing) should not be found")
	}
}

func TestRegistry_MatchClassification_orderedByID(t *testing.T) {
	r := NewRegistryFromTemplates(
		classificationTemplate("zz-contract", "contract", true),
		classificationTemplate("aa-contract", "contract", true),
		classificationTemplate("00-contract", "contract", false),
	)

	tpl, ok := r.MatchClassification("contract")
	if !ok {
		t.Fatal("MatchClassification(contract) found nothing")
	}
	if tpl.ID != "aa-contract" {
		t.Errorf("MatchClassification(contract).ID = %q, want aa-contract", tpl.ID)
	}

	if _, ok := r.MatchClassification("invoice"); ok {
		t.Error("MatchClassification(invoice) should find nothing")
	}
	if _, ok := r.MatchClassification(""); ok {
		t.Error("MatchClassification(\"\") should find nothing")
	}
}

func TestRegistry_MatchClassification_ignoresManual(t *testing.T) {
	manual := classificationTemplate("manual", "contract", true)
	manual.TriggerType = model.TriggerManual
	r := NewRegistryFromTemplates(manual)

	if _, ok := r.MatchClassification("contract"); ok {
		t.Error("manual templates must not match a classification")
	}
}

func TestRegistry_Replace(t *testing.T) {
	r := NewRegistryFromTemplates(classificationTemplate("a", "contract", true))
	before := r.Checksum()

	r.Replace([]model.TemplateFile{{
		Checksum:  "other",
		Templates: []model.WorkflowTemplate{classificationTemplate("b", "invoice", true)},
	}})

	if _, ok := r.Template("a"); ok {
		t.Error("Template(a) should be gone after Replace")
	}
	if _, ok := r.Template("b"); !ok {
		t.Error("Template(b) should exist after Replace")
	}
	if r.Checksum() == before {
		t.Error("Checksum should change after Replace")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_AllTemplates_sorted(t *testing.T) {
	r := NewRegistryFromTemplates(
		classificationTemplate("c", "x", true),
		classificationTemplate("a", "y", true),
		classificationTemplate("b", "z", true),
	)
	all := r.AllTemplates()
	if len(all) != 3 {
		t.Fatalf("AllTemplates() = %d, want 3", len(all))
	}
	for i, want := range []string{"a", "b", "c"} {
		if all[i].ID != want {
			t.Errorf("AllTemplates()[%d].ID = %q, want %q", i, all[i].ID, want)
		}
	}
}

func TestRegistry_concurrent_reads(t *testing.T) {
	r := NewRegistryFromTemplates(classificationTemplate("a", "contract", true))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.MatchClassification("contract")
		}()
		go func() {
			defer wg.Done()
			r.Replace([]model.TemplateFile{{Templates: []model.WorkflowTemplate{classificationTemplate("a", "contract", true)}}})
		}()
	}
	wg.Wait()

	if _, ok := r.ActiveTemplate("a"); !ok {
		t.Error("ActiveTemplate(a) not found after concurrent replaces")
	}
}

func TestRegistry_loadedFromDisk(t *testing.T) {
	files, err := NewLoader().LoadAll([]string{"testdata/templates"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if errs := NewValidator().Validate(files); len(errs) > 0 {
		t.Fatalf("Validate() = %v, want no errors", errs)
	}

	r := NewRegistry(files)
	tpl, ok := r.MatchClassification("invoice")
	if !ok || tpl.ID != "invoice-approval" {
		t.Errorf("MatchClassification(invoice) = %q, %v; want invoice-approval", tpl.ID, ok)
	}
	if _, ok := r.MatchClassification("escalation"); ok {
		t.Error("manual template matched a classification")
	}
}
