package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/liamcoop/automations/rules"
)

// Fanout delivers every firing to all of its executors in order. Every
// executor is attempted; failures are joined.
type Fanout []rules.Executor

// Execute runs each executor.
func (f Fanout) Execute(ctx context.Context, firing rules.Firing) error {
	var errs []error
	for _, e := range f {
		if err := e.Execute(ctx, firing); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Router picks an executor by action kind, falling back to a default.
type Router struct {
	routes   map[rules.ActionKind]rules.Executor
	fallback rules.Executor
}

// NewRouter creates a router. fallback may be nil, in which case an
// unrouted kind is an error.
func NewRouter(fallback rules.Executor) *Router {
	return &Router{routes: map[rules.ActionKind]rules.Executor{}, fallback: fallback}
}

// Route sends actions of kind to e.
func (r *Router) Route(kind rules.ActionKind, e rules.Executor) *Router {
	r.routes[kind] = e
	return r
}

// Execute dispatches firing to the executor registered for its kind.
func (r *Router) Execute(ctx context.Context, firing rules.Firing) error {
	if e, ok := r.routes[firing.Action.Kind()]; ok {
		return e.Execute(ctx, firing)
	}
	if r.fallback == nil {
		return fmt.Errorf("no executor for action %q", firing.Action.Kind())
	}
	return r.fallback.Execute(ctx, firing)
}
