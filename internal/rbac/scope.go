package rbac

import "fmt"

// ScopeLevel is the breadth at which a role applies.
type ScopeLevel string

const (
	ScopePlatform     ScopeLevel = "platform"
	ScopeOrganization ScopeLevel = "organization"
	ScopeLocation     ScopeLevel = "location"
	ScopeDepartment   ScopeLevel = "department"
)

func (l ScopeLevel) Valid() bool {
	switch l {
	case ScopePlatform, ScopeOrganization, ScopeLocation, ScopeDepartment:
		return true
	}
	return false
}

// ParseScopeLevel accepts the canonical names plus the short forms used by
// older clients ("org", "dept").
func ParseScopeLevel(s string) (ScopeLevel, error) {
	switch s {
	case "org":
		return ScopeOrganization, nil
	case "dept":
		return ScopeDepartment, nil
	}
	l := ScopeLevel(s)
	if !l.Valid() {
		return "", fmt.Errorf("%w: invalid scope level %q", ErrValidation, s)
	}
	return l, nil
}

// ScopeContext is the request-time position of the caller, taken from the
// authenticated session. It is never persisted.
type ScopeContext struct {
	OrgID        string `json:"org_id"`
	LocationID   string `json:"location_id,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
}

// ScopeRef is the resolved hierarchy path of a scope-ref id. For an
// organization OrgID equals ID; for a location LocationID is empty; for a
// department both parents are set.
type ScopeRef struct {
	ID         string     `json:"id"`
	Level      ScopeLevel `json:"level"`
	OrgID      string     `json:"org_id"`
	LocationID string     `json:"location_id,omitempty"`
}

// WithinOrg reports whether ref lies in orgID's hierarchy.
func (r ScopeRef) WithinOrg(orgID string) bool {
	return r.ID != "" && orgID != "" && r.OrgID == orgID
}

// Contains reports whether a role of the given level, bound at ref, applies
// in c. Platform roles always apply.
func (c ScopeContext) Contains(level ScopeLevel, ref ScopeRef) bool {
	switch level {
	case ScopePlatform:
		return true
	case ScopeOrganization:
		return ref.Level == ScopeOrganization && ref.ID != "" && ref.ID == c.OrgID
	case ScopeLocation:
		return ref.Level == ScopeLocation &&
			c.LocationID != "" &&
			ref.ID == c.LocationID &&
			ref.OrgID == c.OrgID
	case ScopeDepartment:
		return ref.Level == ScopeDepartment &&
			c.DepartmentID != "" &&
			ref.ID == c.DepartmentID &&
			ref.LocationID == c.LocationID &&
			ref.OrgID == c.OrgID
	}
	return false
}
