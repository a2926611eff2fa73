package registry

import (
	"context"
	"fmt"

	"txgate/internal/db"
)

// PostgresLoader reads grants and methods with one query each.
type PostgresLoader struct {
	db db.DBTX
}

func NewPostgresLoader(database db.DBTX) *PostgresLoader {
	return &PostgresLoader{db: database}
}

func (l *PostgresLoader) LoadGrants(ctx context.Context) ([]Grant, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT g.profile_id, o.name, m.name
		FROM permission_grants g
		JOIN methods m ON m.id = g.method_id
		JOIN objects o ON o.id = m.object_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
	defer rows.Close()

	grants := make([]Grant, 0)
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.ProfileID, &g.Object, &g.Method); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grants: %w", err)
	}

	return grants, nil
}

func (l *PostgresLoader) LoadMethods(ctx context.Context) ([]Method, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT m.tx, o.name, m.name
		FROM methods m
		JOIN objects o ON o.id = m.object_id
		ORDER BY m.tx ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query methods: %w", err)
	}
	defer rows.Close()

	methods := make([]Method, 0)
	for rows.Next() {
		var m Method
		if err := rows.Scan(&m.Tx, &m.Object, &m.Name); err != nil {
			return nil, fmt.Errorf("scan method: %w", err)
		}
		methods = append(methods, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate methods: %w", err)
	}

	return methods, nil
}
