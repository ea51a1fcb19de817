package directory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/pitabwire/docroute/model"
	"gopkg.in/yaml.v3"
)

type directoryFile struct {
	Users []model.User `yaml:"users"`
}

// StaticDirectory serves users from a YAML file held in memory.
type StaticDirectory struct {
	path  string
	mu    sync.RWMutex
	users map[string]model.User
}

// NewStaticDirectory loads the directory file at path.
func NewStaticDirectory(path string) (*StaticDirectory, error) {
	d := &StaticDirectory{path: path}
	if err := d.Sync(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewStaticDirectoryFromUsers builds a directory from in-memory users.
func NewStaticDirectoryFromUsers(users ...model.User) *StaticDirectory {
	d := &StaticDirectory{}
	d.replace(users)
	return d
}

// Sync reloads the directory file from disk.
func (d *StaticDirectory) Sync() error {
	if d.path == "" {
		return nil
	}
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("directory: reading %s: %w", d.path, err)
	}
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("directory: parsing %s: %w", d.path, err)
	}
	d.replace(f.Users)
	return nil
}

func (d *StaticDirectory) replace(users []model.User) {
	m := make(map[string]model.User, len(users))
	for _, u := range users {
		m[u.ID] = u
	}
	d.mu.Lock()
	d.users = m
	d.mu.Unlock()
}

// Put adds or replaces a user.
func (d *StaticDirectory) Put(u model.User) {
	d.mu.Lock()
	d.users[u.ID] = u
	d.mu.Unlock()
}

// User returns the user with the given id.
func (d *StaticDirectory) User(_ context.Context, id string) (model.User, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	return u, ok, nil
}

// UsersWithRole returns active users holding role.
func (d *StaticDirectory) UsersWithRole(_ context.Context, role string) ([]model.User, error) {
	return d.filter(func(u model.User) bool { return u.HasRole(role) }), nil
}

// UsersInDepartment returns active members of department.
func (d *StaticDirectory) UsersInDepartment(_ context.Context, department string) ([]model.User, error) {
	return d.filter(func(u model.User) bool { return u.Department == department }), nil
}

// DepartmentHeads returns active heads of department.
func (d *StaticDirectory) DepartmentHeads(_ context.Context, department string) ([]model.User, error) {
	return d.filter(func(u model.User) bool {
		return u.IsDepartmentHead && u.Department == department
	}), nil
}

// UsersWithPosition returns active users holding position.
func (d *StaticDirectory) UsersWithPosition(_ context.Context, position string) ([]model.User, error) {
	return d.filter(func(u model.User) bool { return u.Position == position }), nil
}

func (d *StaticDirectory) filter(match func(model.User) bool) []model.User {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []model.User
	for _, u := range d.users {
		if u.Active && match(u) {
			out = append(out, u)
		}
	}
	return sortByID(out)
}
