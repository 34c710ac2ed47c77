package rbac

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Catalog is the closed, versioned vocabulary of valid permission keys.
// It is immutable after construction.
type Catalog struct {
	version string
	actions map[string]map[string]struct{} // resource → actions
}

// NewCatalog builds a catalog from resource → actions entries.
func NewCatalog(version string, entries map[string][]string) (*Catalog, error) {
	if strings.TrimSpace(version) == "" {
		return nil, fmt.Errorf("%w: catalog version is required", ErrValidation)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: catalog has no resources", ErrValidation)
	}

	c := &Catalog{version: version, actions: make(map[string]map[string]struct{}, len(entries))}
	for resource, actions := range entries {
		if !keyPart.MatchString(resource) {
			return nil, fmt.Errorf("%w: invalid catalog resource %q", ErrValidation, resource)
		}
		if len(actions) == 0 {
			return nil, fmt.Errorf("%w: catalog resource %q has no actions", ErrValidation, resource)
		}
		set := make(map[string]struct{}, len(actions))
		for _, a := range actions {
			if !keyPart.MatchString(a) {
				return nil, fmt.Errorf("%w: invalid catalog action %q for %q", ErrValidation, a, resource)
			}
			set[a] = struct{}{}
		}
		c.actions[resource] = set
	}
	return c, nil
}

type catalogFile struct {
	Version   string              `koanf:"version"`
	Resources map[string][]string `koanf:"resources"`
}

// LoadCatalog reads an externally supplied catalog from a YAML file:
//
//	version: "2025-01"
//	resources:
//	  patients: [read, create, edit]
func LoadCatalog(path string) (*Catalog, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	var cf catalogFile
	if err := k.Unmarshal("", &cf); err != nil {
		return nil, fmt.Errorf("decoding catalog %s: %w", path, err)
	}
	return NewCatalog(cf.Version, cf.Resources)
}

func (c *Catalog) Version() string { return c.version }

// Contains reports whether p is a valid key in this catalog.
func (c *Catalog) Contains(p Permission) bool {
	if p == AllPermissions {
		return true
	}
	actions, ok := c.actions[p.resource]
	if !ok {
		return false
	}
	if p.IsWildcard() {
		return true
	}
	_, ok = actions[p.action]
	return ok
}

// Parse validates s against the catalog. Wildcard forms are accepted for
// known resources.
func (c *Catalog) Parse(s string) (Permission, error) {
	p, err := ParsePermission(s)
	if err != nil {
		return Permission{}, err
	}
	if !c.Contains(p) {
		return Permission{}, fmt.Errorf("%w: unknown permission %q", ErrValidation, s)
	}
	return p, nil
}

// ParseAll validates every key and returns the canonical (sorted,
// de-duplicated) list. All invalid keys are reported together.
func (c *Catalog) ParseAll(keys []string) ([]Permission, error) {
	perms := make([]Permission, 0, len(keys))
	var errs []error
	for _, k := range keys {
		p, err := c.Parse(k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		perms = append(perms, p)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return Canonicalize(perms), nil
}

// ParseRequired validates a key used in an authorization check. It must be
// well-formed and known to the catalog; "resource:*" and "*:*" are allowed.
func (c *Catalog) ParseRequired(s string) (Permission, error) {
	p, err := c.Parse(s)
	if err != nil {
		return Permission{}, fmt.Errorf("required permission: %w", err)
	}
	return p, nil
}

func (c *Catalog) Resources() []string {
	out := make([]string, 0, len(c.actions))
	for r := range c.actions {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

// MatrixRow is one resource line of the permission matrix.
type MatrixRow struct {
	Resource string   `json:"resource"`
	Label    string   `json:"label"`
	Actions  []string `json:"actions"`
}

// Matrix returns the resource × action grid, ordered by resource.
func (c *Catalog) Matrix() []MatrixRow {
	rows := make([]MatrixRow, 0, len(c.actions))
	for _, r := range c.Resources() {
		actions := make([]string, 0, len(c.actions[r]))
		for a := range c.actions[r] {
			actions = append(actions, a)
		}
		slices.Sort(actions)
		rows = append(rows, MatrixRow{Resource: r, Label: label(r), Actions: actions})
	}
	return rows
}

func label(resource string) string {
	words := strings.Split(resource, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
