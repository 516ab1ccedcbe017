// Package hooks provides the named event registry bracketing state
// transitions. The registry is populated at startup and sealed before
// serving; after that it is safe for concurrent readers.
package hooks

import (
	"context"
	"fmt"
	"log"

	"buildhub/internal/models"
)

// Event names raised by the core.
const (
	PreTaskStateChange  = "preTaskStateChange"
	PostTaskStateChange = "postTaskStateChange"
	PostRepoDone        = "postRepoDone"
)

// Event is the mutable DTO passed to hooks. Pre-hooks receive the
// snapshot taken before mutation and may rewrite Info (notably the
// result payload of a closing task); the rewritten value is what gets
// committed. Post-hooks receive the re-fetched committed row.
type Event struct {
	Type      string
	Attribute string
	Old       any
	New       any
	Info      *models.Task
	Repo      *models.Repo
}

// Func is a registered hook callback.
type Func func(ctx context.Context, ev *Event) error

type registration struct {
	name     string
	fn       Func
	failSafe bool
}

// Registry maps event names to their hooks.
type Registry struct {
	sealed bool
	hooks  map[string][]registration
}

func NewRegistry() *Registry {
	return &Registry{hooks: map[string][]registration{}}
}

// Register adds a hook for an event. failSafe hooks have their errors
// logged and swallowed; errors from other hooks abort the enclosing
// operation. Registration after Seal is a programming error.
func (r *Registry) Register(event, name string, fn Func, failSafe bool) {
	if r.sealed {
		panic("hooks: Register after Seal")
	}
	r.hooks[event] = append(r.hooks[event], registration{name: name, fn: fn, failSafe: failSafe})
}

// Seal marks the registry read-only. Call once startup wiring is done.
func (r *Registry) Seal() {
	r.sealed = true
}

// Run invokes all hooks for the event in registration order.
func (r *Registry) Run(ctx context.Context, event string, ev *Event) error {
	ev.Type = event
	for _, reg := range r.hooks[event] {
		if err := reg.fn(ctx, ev); err != nil {
			if reg.failSafe {
				log.Printf("hook %s failed on %s: %v", reg.name, event, err)
				continue
			}
			return fmt.Errorf("hook %s failed on %s: %w", reg.name, event, err)
		}
	}
	return nil
}
