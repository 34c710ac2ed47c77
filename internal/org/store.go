package org

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nirmitee/ehr-rbac/internal/platform/database"
	"github.com/nirmitee/ehr-rbac/internal/rbac"
)

// PostgresDirectory is the Directory backed by the organizations,
// locations and departments tables.
type PostgresDirectory struct {
	db database.Querier
}

var _ Directory = (*PostgresDirectory)(nil)

func NewPostgresDirectory(db database.Querier) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

const lookupSQL = `
SELECT id::text, 'organization', id::text, '' FROM organizations WHERE id = $1
UNION ALL
SELECT id::text, 'location', org_id::text, '' FROM locations WHERE id = $1
UNION ALL
SELECT id::text, 'department', org_id::text, location_id::text FROM departments WHERE id = $1
LIMIT 1`

func (d *PostgresDirectory) Lookup(ctx context.Context, id string) (rbac.ScopeRef, error) {
	// Ids are UUIDs; anything else cannot exist.
	if uuid.Validate(id) != nil {
		return rbac.ScopeRef{}, fmt.Errorf("%w: scope ref %q", rbac.ErrNotFound, id)
	}

	var ref rbac.ScopeRef
	var level string
	err := d.db.QueryRow(ctx, lookupSQL, id).Scan(&ref.ID, &level, &ref.OrgID, &ref.LocationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rbac.ScopeRef{}, fmt.Errorf("%w: scope ref %q", rbac.ErrNotFound, id)
		}
		return rbac.ScopeRef{}, fmt.Errorf("looking up scope ref: %w", err)
	}
	ref.Level = rbac.ScopeLevel(level)
	return ref, nil
}

func (d *PostgresDirectory) CreateOrganization(ctx context.Context, name string) (*Organization, error) {
	name, err := validateName("organization", name)
	if err != nil {
		return nil, err
	}

	var o Organization
	err = d.db.QueryRow(ctx,
		`INSERT INTO organizations (name) VALUES ($1)
		 RETURNING id::text, name, created_at`,
		name,
	).Scan(&o.ID, &o.Name, &o.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating organization: %w", err)
	}
	return &o, nil
}

func (d *PostgresDirectory) CreateLocation(ctx context.Context, orgID, name string) (*Location, error) {
	name, err := validateName("location", name)
	if err != nil {
		return nil, err
	}
	if uuid.Validate(orgID) != nil {
		return nil, fmt.Errorf("%w: organization %q", rbac.ErrNotFound, orgID)
	}

	var l Location
	err = d.db.QueryRow(ctx,
		`INSERT INTO locations (org_id, name)
		 SELECT id, $2 FROM organizations WHERE id = $1
		 RETURNING id::text, org_id::text, name, created_at`,
		orgID, name,
	).Scan(&l.ID, &l.OrgID, &l.Name, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: organization %q", rbac.ErrNotFound, orgID)
		}
		return nil, fmt.Errorf("creating location: %w", err)
	}
	return &l, nil
}

func (d *PostgresDirectory) CreateDepartment(ctx context.Context, locationID, name string) (*Department, error) {
	name, err := validateName("department", name)
	if err != nil {
		return nil, err
	}
	if uuid.Validate(locationID) != nil {
		return nil, fmt.Errorf("%w: location %q", rbac.ErrNotFound, locationID)
	}

	var dept Department
	err = d.db.QueryRow(ctx,
		`INSERT INTO departments (location_id, org_id, name)
		 SELECT id, org_id, $2 FROM locations WHERE id = $1
		 RETURNING id::text, location_id::text, org_id::text, name, created_at`,
		locationID, name,
	).Scan(&dept.ID, &dept.LocationID, &dept.OrgID, &dept.Name, &dept.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: location %q", rbac.ErrNotFound, locationID)
		}
		return nil, fmt.Errorf("creating department: %w", err)
	}
	return &dept, nil
}
