// Package org is the organization hierarchy directory: organizations
// contain locations, locations contain departments. Role assignments bind
// to one of these entities and resolution walks their path.
package org

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nirmitee/ehr-rbac/internal/rbac"
)

type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Location struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Department struct {
	ID         string    `json:"id"`
	LocationID string    `json:"location_id"`
	OrgID      string    `json:"org_id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
}

// Directory resolves scope-ref ids to their hierarchy path. Unknown ids
// yield rbac.ErrNotFound.
type Directory interface {
	Lookup(ctx context.Context, id string) (rbac.ScopeRef, error)
	CreateOrganization(ctx context.Context, name string) (*Organization, error)
	CreateLocation(ctx context.Context, orgID, name string) (*Location, error)
	CreateDepartment(ctx context.Context, locationID, name string) (*Department, error)
}

func validateName(kind, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: %s name is required", rbac.ErrValidation, kind)
	}
	if len(name) > 255 {
		return "", fmt.Errorf("%w: %s name exceeds 255 characters", rbac.ErrValidation, kind)
	}
	return name, nil
}
