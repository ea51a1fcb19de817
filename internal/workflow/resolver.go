package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/docroute/internal/directory"
	"github.com/pitabwire/docroute/model"
)

// AssigneeResolver expands a step's assignee specs into user ids. Sets are
// evaluated against the directory each time a step opens.
type AssigneeResolver struct {
	dir    directory.Directory
	logger *zap.Logger
}

// NewAssigneeResolver creates a resolver over dir. A nil logger discards
// output.
func NewAssigneeResolver(dir directory.Directory, logger *zap.Logger) *AssigneeResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssigneeResolver{dir: dir, logger: logger}
}

// Resolve returns the deduplicated ids of the active users selected by specs,
// in first-seen order. Unknown and inactive users are dropped. An empty
// result is valid.
func (r *AssigneeResolver) Resolve(ctx context.Context, doc model.Document, specs []model.AssigneeSpec) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	add := func(users ...model.User) {
		for _, u := range users {
			if !u.Active || seen[u.ID] {
				continue
			}
			seen[u.ID] = true
			ids = append(ids, u.ID)
		}
	}

	for _, spec := range specs {
		users, err := r.expand(ctx, doc, spec)
		if err != nil {
			return nil, err
		}
		add(users...)
	}

	r.logger.Debug("assignees resolved",
		zap.String("document_id", doc.ID),
		zap.Int("specs", len(specs)),
		zap.Strings("assignees", ids),
	)
	return ids, nil
}

func (r *AssigneeResolver) expand(ctx context.Context, doc model.Document, spec model.AssigneeSpec) ([]model.User, error) {
	switch spec.Kind {
	case model.AssigneeUser:
		return r.user(ctx, spec.UserID)
	case model.AssigneeRole:
		users, err := r.dir.UsersWithRole(ctx, spec.Role)
		if err != nil {
			return nil, fmt.Errorf("resolve role %q: %w", spec.Role, err)
		}
		return users, nil
	case model.AssigneeDynamic:
		return r.dynamic(ctx, doc, spec)
	default:
		return nil, fmt.Errorf("unknown assignee kind %q", spec.Kind)
	}
}

func (r *AssigneeResolver) dynamic(ctx context.Context, doc model.Document, spec model.AssigneeSpec) ([]model.User, error) {
	var (
		users []model.User
		err   error
	)
	switch spec.Rule {
	case model.RuleSubmitter:
		return r.user(ctx, doc.SubmittedBy)
	case model.RuleDepartment:
		users, err = r.dir.UsersInDepartment(ctx, spec.Value)
	case model.RulePosition:
		users, err = r.dir.UsersWithPosition(ctx, spec.Value)
	case model.RuleDepartmentHead:
		dept := spec.Value
		if dept == "" {
			submitter, ok, lookupErr := r.dir.User(ctx, doc.SubmittedBy)
			if lookupErr != nil {
				return nil, fmt.Errorf("resolve submitter %q: %w", doc.SubmittedBy, lookupErr)
			}
			if !ok || submitter.Department == "" {
				return nil, nil
			}
			dept = submitter.Department
		}
		users, err = r.dir.DepartmentHeads(ctx, dept)
	default:
		return nil, fmt.Errorf("unknown dynamic assignee rule %q", spec.Rule)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s %q: %w", spec.Rule, spec.Value, err)
	}
	return users, nil
}

func (r *AssigneeResolver) user(ctx context.Context, id string) ([]model.User, error) {
	if id == "" {
		return nil, nil
	}
	u, ok, err := r.dir.User(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve user %q: %w", id, err)
	}
	if !ok {
		return nil, nil
	}
	return []model.User{u}, nil
}
