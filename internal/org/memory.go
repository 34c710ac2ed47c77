package org

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nirmitee/ehr-rbac/internal/rbac"
)

// MemoryDirectory is an in-process Directory for tests and single-node
// development runs.
type MemoryDirectory struct {
	mu   sync.RWMutex
	refs map[string]rbac.ScopeRef
}

var _ Directory = (*MemoryDirectory)(nil)

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{refs: make(map[string]rbac.ScopeRef)}
}

func (d *MemoryDirectory) Lookup(_ context.Context, id string) (rbac.ScopeRef, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ref, ok := d.refs[id]
	if !ok {
		return rbac.ScopeRef{}, fmt.Errorf("%w: scope ref %q", rbac.ErrNotFound, id)
	}
	return ref, nil
}

func (d *MemoryDirectory) CreateOrganization(_ context.Context, name string) (*Organization, error) {
	name, err := validateName("organization", name)
	if err != nil {
		return nil, err
	}
	o := &Organization{ID: uuid.NewString(), Name: name, CreatedAt: time.Now()}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.refs[o.ID] = rbac.ScopeRef{ID: o.ID, Level: rbac.ScopeOrganization, OrgID: o.ID}
	return o, nil
}

func (d *MemoryDirectory) CreateLocation(_ context.Context, orgID, name string) (*Location, error) {
	name, err := validateName("location", name)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	parent, ok := d.refs[orgID]
	if !ok || parent.Level != rbac.ScopeOrganization {
		return nil, fmt.Errorf("%w: organization %q", rbac.ErrNotFound, orgID)
	}
	l := &Location{ID: uuid.NewString(), OrgID: orgID, Name: name, CreatedAt: time.Now()}
	d.refs[l.ID] = rbac.ScopeRef{ID: l.ID, Level: rbac.ScopeLocation, OrgID: orgID}
	return l, nil
}

func (d *MemoryDirectory) CreateDepartment(_ context.Context, locationID, name string) (*Department, error) {
	name, err := validateName("department", name)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	parent, ok := d.refs[locationID]
	if !ok || parent.Level != rbac.ScopeLocation {
		return nil, fmt.Errorf("%w: location %q", rbac.ErrNotFound, locationID)
	}
	dept := &Department{ID: uuid.NewString(), LocationID: locationID, OrgID: parent.OrgID, Name: name, CreatedAt: time.Now()}
	d.refs[dept.ID] = rbac.ScopeRef{ID: dept.ID, Level: rbac.ScopeDepartment, OrgID: parent.OrgID, LocationID: locationID}
	return dept, nil
}

// Remove deletes an entity without cascading, leaving any assignments that
// reference it orphaned. Used to exercise reconciliation.
func (d *MemoryDirectory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.refs, id)
}
