package definition

import (
	"fmt"

	"github.com/pitabwire/docroute/model"
)

// VError describes a single validation error in a template file.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks templates structurally before they reach the registry.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all template files and reports duplicate template IDs
// across files.
func (v *Validator) Validate(files []model.TemplateFile) []VError {
	var errs []VError
	seen := make(map[string]string)

	for i, f := range files {
		for j, t := range f.Templates {
			prefix := fmt.Sprintf("files[%d].templates[%d]", i, j)
			errs = append(errs, v.validateTemplate(prefix, t)...)

			if t.ID == "" {
				continue
			}
			if other, dup := seen[t.ID]; dup {
				errs = append(errs, VError{
					Path:    prefix + ".id",
					Code:    "DUPLICATE_ID",
					Message: fmt.Sprintf("template %q already declared in %s", t.ID, other),
				})
				continue
			}
			seen[t.ID] = f.SourceFile
		}
	}
	return errs
}

func (v *Validator) validateTemplate(prefix string, t model.WorkflowTemplate) []VError {
	var errs []VError

	if t.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if t.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}

	switch t.TriggerType {
	case model.TriggerClassification:
		if t.TriggerValue == "" {
			errs = append(errs, VError{Path: prefix + ".trigger_value", Code: "REQUIRED",
				Message: "trigger_value is required for classification triggers"})
		}
	case model.TriggerManual:
	default:
		errs = append(errs, VError{Path: prefix + ".trigger_type", Code: "INVALID_VALUE",
			Message: fmt.Sprintf("trigger_type %q must be classification or manual", t.TriggerType)})
	}

	if len(t.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
	}

	orders := make(map[int]bool, len(t.Steps))
	for i, s := range t.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if orders[s.StepOrder] {
			errs = append(errs, VError{Path: sp + ".step_order", Code: "DUPLICATE_ORDER",
				Message: fmt.Sprintf("step_order %d is not unique", s.StepOrder)})
		}
		orders[s.StepOrder] = true
		errs = append(errs, v.validateStep(sp, s)...)
	}

	return errs
}

func (v *Validator) validateStep(prefix string, s model.StepTemplate) []VError {
	var errs []VError

	if s.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	switch s.StepType {
	case model.StepTypeApproval, model.StepTypeReview, model.StepTypeProcessing:
	default:
		errs = append(errs, VError{Path: prefix + ".step_type", Code: "INVALID_VALUE",
			Message: fmt.Sprintf("step_type %q must be approval, review or processing", s.StepType)})
	}
	if s.TimeoutHours != nil && *s.TimeoutHours <= 0 {
		errs = append(errs, VError{Path: prefix + ".timeout_hours", Code: "INVALID_VALUE",
			Message: "timeout_hours must be positive"})
	}

	for i, a := range s.Assignees {
		errs = append(errs, validateAssignee(fmt.Sprintf("%s.assignees[%d]", prefix, i), a)...)
	}
	return errs
}

func validateAssignee(prefix string, a model.AssigneeSpec) []VError {
	var errs []VError

	switch a.Kind {
	case model.AssigneeUser:
		if a.UserID == "" {
			errs = append(errs, VError{Path: prefix + ".user_id", Code: "REQUIRED", Message: "user_id is required for user assignees"})
		}
	case model.AssigneeRole:
		if a.Role == "" {
			errs = append(errs, VError{Path: prefix + ".role", Code: "REQUIRED", Message: "role is required for role assignees"})
		}
	case model.AssigneeDynamic:
		switch a.Rule {
		case model.RuleDepartmentHead, model.RuleSubmitter:
		case model.RuleDepartment, model.RulePosition:
			if a.Value == "" {
				errs = append(errs, VError{Path: prefix + ".value", Code: "REQUIRED",
					Message: fmt.Sprintf("value is required for the %s rule", a.Rule)})
			}
		default:
			errs = append(errs, VError{Path: prefix + ".rule", Code: "INVALID_VALUE",
				Message: fmt.Sprintf("unknown dynamic rule %q", a.Rule)})
		}
	default:
		errs = append(errs, VError{Path: prefix + ".kind", Code: "INVALID_VALUE",
			Message: fmt.Sprintf("assignee kind %q must be user, role or dynamic", a.Kind)})
	}
	return errs
}
