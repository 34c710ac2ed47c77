package rbac

import (
	"context"
	"errors"
	"slices"
)

// Invalidation names the users whose resolved permissions are stale. All
// drops every cached resolution.
type Invalidation struct {
	UserIDs []string `json:"user_ids,omitempty"`
	All     bool     `json:"all,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

// ForUsers builds an invalidation for the given users, de-duplicated.
func ForUsers(reason string, userIDs ...string) Invalidation {
	ids := slices.Clone(userIDs)
	slices.Sort(ids)
	return Invalidation{UserIDs: slices.Compact(ids), Reason: reason}
}

func (inv Invalidation) Empty() bool {
	return !inv.All && len(inv.UserIDs) == 0
}

// Invalidator receives invalidation signals. Every role or assignment
// mutation publishes one after its transaction commits.
type Invalidator interface {
	Invalidate(ctx context.Context, inv Invalidation) error
}

// InvalidatorFunc adapts a function to Invalidator.
type InvalidatorFunc func(ctx context.Context, inv Invalidation) error

func (f InvalidatorFunc) Invalidate(ctx context.Context, inv Invalidation) error {
	return f(ctx, inv)
}

// Invalidators fans a signal out to every sink; one failing sink does not
// stop the others.
type Invalidators []Invalidator

func (is Invalidators) Invalidate(ctx context.Context, inv Invalidation) error {
	var errs []error
	for _, i := range is {
		if i == nil {
			continue
		}
		if err := i.Invalidate(ctx, inv); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
