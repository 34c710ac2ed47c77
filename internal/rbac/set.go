package rbac

import (
	"encoding/json"
	"slices"
)

// PermissionSet is an effective permission set. Wildcard entries are kept in
// wildcard form. Sets returned by the Resolver are shared with the cache and
// must be treated as read-only.
type PermissionSet map[Permission]struct{}

func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	s.Add(perms...)
	return s
}

func (s PermissionSet) Add(perms ...Permission) {
	for _, p := range perms {
		if !p.IsZero() {
			s[p] = struct{}{}
		}
	}
}

func (s PermissionSet) AddAll(other PermissionSet) {
	for p := range other {
		s[p] = struct{}{}
	}
}

func (s PermissionSet) Contains(p Permission) bool {
	_, ok := s[p]
	return ok
}

func (s PermissionSet) Len() int { return len(s) }

// IsSupersetOf reports whether every entry of other is also in s.
func (s PermissionSet) IsSupersetOf(other PermissionSet) bool {
	for p := range other {
		if !s.Contains(p) {
			return false
		}
	}
	return true
}

func (s PermissionSet) Clone() PermissionSet {
	c := make(PermissionSet, len(s))
	c.AddAll(s)
	return c
}

// Slice returns the entries in canonical (sorted) order.
func (s PermissionSet) Slice() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	slices.SortFunc(out, comparePermissions)
	return out
}

func (s PermissionSet) Strings() []string {
	perms := s.Slice()
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = p.String()
	}
	return out
}

func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

func (s *PermissionSet) UnmarshalJSON(b []byte) error {
	var keys []string
	if err := json.Unmarshal(b, &keys); err != nil {
		return err
	}
	set := make(PermissionSet, len(keys))
	for _, k := range keys {
		p, err := ParsePermission(k)
		if err != nil {
			return err
		}
		set.Add(p)
	}
	*s = set
	return nil
}

// Canonicalize de-duplicates perms and sorts them.
func Canonicalize(perms []Permission) []Permission {
	return NewPermissionSet(perms...).Slice()
}

func comparePermissions(a, b Permission) int {
	if a.resource != b.resource {
		if a.resource < b.resource {
			return -1
		}
		return 1
	}
	switch {
	case a.action < b.action:
		return -1
	case a.action > b.action:
		return 1
	}
	return 0
}
