package directory

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/docroute/model"
)

//go:embed schema.sql
var schemaSQL string

const userColumns = `id, name, email, roles, department, position, is_department_head, active`

// PgDirectory reads users from the directory_users table.
type PgDirectory struct {
	pool *pgxpool.Pool
}

// NewPgDirectory creates a PostgreSQL-backed directory.
func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

// Migrate creates the directory table when missing.
func (d *PgDirectory) Migrate(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("directory: migrate: %w", err)
	}
	return nil
}

// Upsert inserts or replaces a user.
func (d *PgDirectory) Upsert(ctx context.Context, u model.User) error {
	roles := u.Roles
	if roles == nil {
		roles = []string{}
	}
	_, err := d.pool.Exec(ctx, `
		INSERT INTO directory_users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			roles = EXCLUDED.roles,
			department = EXCLUDED.department,
			position = EXCLUDED.position,
			is_department_head = EXCLUDED.is_department_head,
			active = EXCLUDED.active`,
		u.ID, u.Name, u.Email, roles, u.Department, u.Position, u.IsDepartmentHead, u.Active,
	)
	if err != nil {
		return fmt.Errorf("upsert directory user: %w", err)
	}
	return nil
}

// User returns the user with the given id.
func (d *PgDirectory) User(ctx context.Context, id string) (model.User, bool, error) {
	row := d.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM directory_users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, false, nil
	}
	if err != nil {
		return model.User{}, false, fmt.Errorf("query directory user: %w", err)
	}
	return u, true, nil
}

// UsersWithRole returns active users holding role.
func (d *PgDirectory) UsersWithRole(ctx context.Context, role string) ([]model.User, error) {
	return d.query(ctx, `$1 = ANY(roles)`, role)
}

// UsersInDepartment returns active members of department.
func (d *PgDirectory) UsersInDepartment(ctx context.Context, department string) ([]model.User, error) {
	return d.query(ctx, `department = $1`, department)
}

// DepartmentHeads returns active heads of department.
func (d *PgDirectory) DepartmentHeads(ctx context.Context, department string) ([]model.User, error) {
	return d.query(ctx, `department = $1 AND is_department_head`, department)
}

// UsersWithPosition returns active users holding position.
func (d *PgDirectory) UsersWithPosition(ctx context.Context, position string) ([]model.User, error) {
	return d.query(ctx, `position = $1`, position)
}

func (d *PgDirectory) query(ctx context.Context, where string, arg any) ([]model.User, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT `+userColumns+` FROM directory_users WHERE active AND `+where+` ORDER BY id`, arg)
	if err != nil {
		return nil, fmt.Errorf("query directory users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan directory user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func scanUser(row pgx.Row) (model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Roles, &u.Department, &u.Position, &u.IsDepartmentHead, &u.Active)
	return u, err
}
