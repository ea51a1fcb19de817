package model

import "time"

// Document overall status constants. Only the values the engine writes are
// listed; the document service may use others.
const (
	DocumentStatusSubmitted = "submitted"
	DocumentStatusInReview  = "in_review"
)

// Document is the engine's view of a document record: its identity,
// classification tag, submitter, and the status fields the engine mirrors.
type Document struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Classification string    `json:"classification"`
	SubmittedBy    string    `json:"submitted_by"`
	Status         string    `json:"status"`
	WorkflowStatus string    `json:"workflow_status,omitempty"`
	WorkflowRunID  string    `json:"workflow_run_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// User is a directory entry.
type User struct {
	ID               string   `yaml:"id"                 json:"id"`
	Name             string   `yaml:"name"               json:"name"`
	Email            string   `yaml:"email"              json:"email"`
	Roles            []string `yaml:"roles"              json:"roles"`
	Department       string   `yaml:"department"         json:"department,omitempty"`
	Position         string   `yaml:"position"           json:"position,omitempty"`
	IsDepartmentHead bool     `yaml:"is_department_head" json:"is_department_head"`
	Active           bool     `yaml:"active"             json:"active"`
}

// HasRole reports whether the user holds role.
func (u User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Summary returns the display subset of the user.
func (u User) Summary() UserSummary {
	return UserSummary{ID: u.ID, Name: u.Name, Email: u.Email}
}

// UserSummary is the display subset of a User.
type UserSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}
