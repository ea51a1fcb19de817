package model

import (
	"sort"
	"time"
)

// Assignee spec kinds.
const (
	AssigneeUser    = "user"
	AssigneeRole    = "role"
	AssigneeDynamic = "dynamic"
)

// Dynamic assignee rules.
const (
	RuleDepartmentHead = "department_head"
	RuleDepartment     = "department"
	RulePosition       = "position"
	RuleSubmitter      = "submitter"
)

// TemplateFile is the root structure of a template definition file. A file
// may declare any number of templates.
type TemplateFile struct {
	Templates []WorkflowTemplate `yaml:"templates" json:"templates"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// WorkflowTemplate is a reusable ordered definition of approval steps.
type WorkflowTemplate struct {
	ID           string         `yaml:"id"            json:"id"`
	Name         string         `yaml:"name"          json:"name"`
	Description  string         `yaml:"description"   json:"description,omitempty"`
	IsActive     bool           `yaml:"is_active"     json:"is_active"`
	TriggerType  string         `yaml:"trigger_type"  json:"trigger_type"`
	TriggerValue string         `yaml:"trigger_value" json:"trigger_value,omitempty"`
	Steps        []StepTemplate `yaml:"steps"         json:"steps"`
}

// StepTemplate is one ordered stage of a template.
type StepTemplate struct {
	StepOrder            int            `yaml:"step_order"             json:"step_order"`
	Name                 string         `yaml:"name"                   json:"name"`
	StepType             string         `yaml:"step_type"              json:"step_type"`
	IsRequired           bool           `yaml:"is_required"            json:"is_required"`
	RequiresAllAssignees bool           `yaml:"requires_all_assignees" json:"requires_all_assignees"`
	TimeoutHours         *int           `yaml:"timeout_hours"          json:"timeout_hours,omitempty"`
	Assignees            []AssigneeSpec `yaml:"assignees"              json:"assignees"`
}

// DueAt returns the due time for an execution started at the given time, or
// nil when the step has no timeout.
func (s StepTemplate) DueAt(startedAt time.Time) *time.Time {
	if s.TimeoutHours == nil || *s.TimeoutHours <= 0 {
		return nil
	}
	due := startedAt.Add(time.Duration(*s.TimeoutHours) * time.Hour)
	return &due
}

// AssigneeSpec selects who must act on a step. Exactly one of the variants
// is meaningful, selected by Kind:
//
//	user:    UserID
//	role:    Role
//	dynamic: Rule + Value
type AssigneeSpec struct {
	Kind   string `yaml:"kind"    json:"kind"`
	UserID string `yaml:"user_id" json:"user_id,omitempty"`
	Role   string `yaml:"role"    json:"role,omitempty"`
	Rule   string `yaml:"rule"    json:"rule,omitempty"`
	Value  string `yaml:"value"   json:"value,omitempty"`
}

// ExplicitAssignee returns a spec naming a single user.
func ExplicitAssignee(userID string) AssigneeSpec {
	return AssigneeSpec{Kind: AssigneeUser, UserID: userID}
}

// RoleAssignee returns a spec matching every active user holding role.
func RoleAssignee(role string) AssigneeSpec {
	return AssigneeSpec{Kind: AssigneeRole, Role: role}
}

// DynamicAssignee returns a spec evaluated by a dynamic rule.
func DynamicAssignee(rule, value string) AssigneeSpec {
	return AssigneeSpec{Kind: AssigneeDynamic, Rule: rule, Value: value}
}

// OrderedSteps returns the template's steps sorted by step_order.
func (t WorkflowTemplate) OrderedSteps() []StepTemplate {
	steps := make([]StepTemplate, len(t.Steps))
	copy(steps, t.Steps)
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].StepOrder < steps[j].StepOrder
	})
	return steps
}

// Step returns the step with the given order.
func (t WorkflowTemplate) Step(order int) (StepTemplate, bool) {
	for _, s := range t.Steps {
		if s.StepOrder == order {
			return s, true
		}
	}
	return StepTemplate{}, false
}

// NextStep returns the first step whose order is strictly greater than
// after, or the first step overall when after is nil.
func (t WorkflowTemplate) NextStep(after *int) (StepTemplate, bool) {
	for _, s := range t.OrderedSteps() {
		if after == nil || s.StepOrder > *after {
			return s, true
		}
	}
	return StepTemplate{}, false
}

// MatchesClassification reports whether the template is triggered by the
// given document classification.
func (t WorkflowTemplate) MatchesClassification(classification string) bool {
	return t.IsActive &&
		t.TriggerType == TriggerClassification &&
		classification != "" &&
		t.TriggerValue == classification
}
