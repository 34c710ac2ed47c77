package rbac

import (
	"fmt"
	"regexp"
	"strings"
)

// Wildcard matches every resource or every action in a permission key.
const Wildcard = "*"

var keyPart = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Permission is an immutable resource:action key. Valid forms are
// "resource:action", "resource:*" and "*:*". The zero value is not a
// valid permission.
type Permission struct {
	resource string
	action   string
}

// AllPermissions is the "*:*" key.
var AllPermissions = Permission{resource: Wildcard, action: Wildcard}

// ParsePermission checks the syntax of a key without consulting a catalog.
// It is used to rehydrate permissions that were validated when stored; new
// role input must go through Catalog.Parse.
func ParsePermission(s string) (Permission, error) {
	resource, action, ok := strings.Cut(s, ":")
	if !ok {
		return Permission{}, fmt.Errorf("%w: malformed permission %q", ErrValidation, s)
	}
	if resource == Wildcard {
		if action != Wildcard {
			return Permission{}, fmt.Errorf("%w: malformed permission %q: resource wildcard requires action wildcard", ErrValidation, s)
		}
		return AllPermissions, nil
	}
	if !keyPart.MatchString(resource) {
		return Permission{}, fmt.Errorf("%w: malformed permission %q", ErrValidation, s)
	}
	if action != Wildcard && !keyPart.MatchString(action) {
		return Permission{}, fmt.Errorf("%w: malformed permission %q", ErrValidation, s)
	}
	return Permission{resource: resource, action: action}, nil
}

// MustParsePermission is ParsePermission for package-level constants.
func MustParsePermission(s string) Permission {
	p, err := ParsePermission(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Permission) Resource() string { return p.resource }
func (p Permission) Action() string   { return p.action }

// IsZero reports whether p is the zero (invalid) permission.
func (p Permission) IsZero() bool { return p.resource == "" }

// IsWildcard reports whether p is "resource:*" or "*:*".
func (p Permission) IsWildcard() bool { return p.action == Wildcard }

func (p Permission) String() string {
	if p.IsZero() {
		return ""
	}
	return p.resource + ":" + p.action
}

func (p Permission) MarshalText() ([]byte, error) {
	if p.IsZero() {
		return nil, fmt.Errorf("%w: empty permission", ErrValidation)
	}
	return []byte(p.String()), nil
}

func (p *Permission) UnmarshalText(b []byte) error {
	parsed, err := ParsePermission(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// resourceWildcard returns "resource:*" for p's resource.
func (p Permission) resourceWildcard() Permission {
	return Permission{resource: p.resource, action: Wildcard}
}

// HasPermission reports whether set grants key: key itself, its resource
// wildcard or "*:*". A wildcard key is held only by the same wildcard or a
// broader one. Pure; safe for concurrent use on a set that is not being
// mutated.
func HasPermission(set PermissionSet, key Permission) bool {
	if key.IsZero() {
		return false
	}
	if set.Contains(key) {
		return true
	}
	if set.Contains(key.resourceWildcard()) {
		return true
	}
	return set.Contains(AllPermissions)
}

// HasAnyPermission reports whether set grants at least one of keys.
func HasAnyPermission(set PermissionSet, keys ...Permission) bool {
	for _, key := range keys {
		if HasPermission(set, key) {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether set grants every one of keys. It is
// true for no keys.
func HasAllPermissions(set PermissionSet, keys ...Permission) bool {
	for _, key := range keys {
		if !HasPermission(set, key) {
			return false
		}
	}
	return true
}
