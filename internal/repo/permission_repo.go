package repo

import (
	"context"
	"database/sql"
	"fmt"
)

// PermissionRepo reads the permission catalogue
type PermissionRepo interface {
	AllIDs(ctx context.Context) ([]int, error)
}

type permissionRepo struct {
	db *sql.DB
}

// NewPermissionRepo creates a new PermissionRepo instance
func NewPermissionRepo(db *sql.DB) PermissionRepo {
	return &permissionRepo{db: db}
}

// AllIDs returns the ids of every permission that exists in the system.
func (r *permissionRepo) AllIDs(ctx context.Context) ([]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM permissions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permissions: %w", err)
	}
	return ids, nil
}
