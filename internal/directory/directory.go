// Package directory looks up users by id, role, department and position for
// assignee resolution and display.
package directory

import (
	"context"
	"sort"

	"github.com/pitabwire/docroute/model"
)

// Directory is the user and role directory the engine consults. List
// lookups return active users only, ordered by id. User returns inactive
// users too so callers can tell "unknown" from "deactivated".
type Directory interface {
	User(ctx context.Context, id string) (model.User, bool, error)
	UsersWithRole(ctx context.Context, role string) ([]model.User, error)
	UsersInDepartment(ctx context.Context, department string) ([]model.User, error)
	DepartmentHeads(ctx context.Context, department string) ([]model.User, error)
	UsersWithPosition(ctx context.Context, position string) ([]model.User, error)
}

// Summaries looks up display details for ids. Unknown ids get a summary
// carrying only the id.
func Summaries(ctx context.Context, dir Directory, ids []string) (map[string]model.UserSummary, error) {
	out := make(map[string]model.UserSummary, len(ids))
	for _, id := range ids {
		if _, done := out[id]; done {
			continue
		}
		u, ok, err := dir.User(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			out[id] = model.UserSummary{ID: id}
			continue
		}
		out[id] = u.Summary()
	}
	return out, nil
}

func sortByID(users []model.User) []model.User {
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}
