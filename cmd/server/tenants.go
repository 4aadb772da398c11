package main

import (
	"context"
	"database/sql"
	"fmt"
)

// TenantStore manages the tenants table.
type TenantStore interface {
	ListTenants(ctx context.Context) ([]Tenant, error)
	CreateTenant(ctx context.Context, name string) (Tenant, error)
}

type sqlTenantStore struct {
	db *sql.DB
}

func (s *sqlTenantStore) ListTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, created_at, updated_at FROM tenants ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	tenants := []Tenant{}
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (s *sqlTenantStore) CreateTenant(ctx context.Context, name string) (Tenant, error) {
	t := Tenant{Name: name}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tenants (name, created_at, updated_at)
		VALUES ($1, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`, name).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Tenant{}, fmt.Errorf("failed to create tenant: %w", err)
	}
	return t, nil
}
