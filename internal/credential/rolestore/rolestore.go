// Package rolestore resolves role names to permission strings, adapted
// from the teacher's role/permission Postgres repositories down to the
// single lookup the credential validator's pluggable role resolver
// needs (spec.md §9 leaves the role store's shape an open question —
// resolved here as a three-table Postgres join: roles, permissions,
// role_permissions).
package rolestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrRoleNotFound is returned when name has no matching row in roles.
var ErrRoleNotFound = errors.New("rolestore: role not found")

// Resolver looks up the permission set granted to a role by name.
type Resolver struct {
	db *pgxpool.Pool
}

// New wraps an already-configured pgx pool.
func New(db *pgxpool.Pool) *Resolver {
	return &Resolver{db: db}
}

// GetPermissionsForRole returns the "resource:action" strings granted to
// roleName, satisfying the pluggable role→permission lookup spec.md
// §4.6's permission check consults.
func (r *Resolver) GetPermissionsForRole(ctx context.Context, roleName string) ([]string, error) {
	const query = `
		SELECT p.resource, p.action
		FROM permissions p
		INNER JOIN role_permissions rp ON rp.permission_id = p.id
		INNER JOIN roles ro ON ro.id = rp.role_id
		WHERE ro.name = $1
		ORDER BY p.resource, p.action
	`

	rows, err := r.db.Query(ctx, query, roleName)
	if err != nil {
		return nil, fmt.Errorf("rolestore: query permissions for role %q: %w", roleName, err)
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var resource, action string
		if err := rows.Scan(&resource, &action); err != nil {
			return nil, fmt.Errorf("rolestore: scan permission row: %w", err)
		}
		perms = append(perms, resource+":"+action)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// RoleExists reports whether roleName has a row in roles, distinguishing
// "role has no permissions" from "role is unknown".
func (r *Resolver) RoleExists(ctx context.Context, roleName string) (bool, error) {
	const query = `SELECT 1 FROM roles WHERE name = $1`

	var ignored int
	err := r.db.QueryRow(ctx, query, roleName).Scan(&ignored)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
