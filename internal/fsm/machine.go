// Package fsm provides a small persisted state machine. The machine owns a
// table mapping ordered state pairs to transition handlers plus the
// after-transition hooks; reading and writing the state column stays with the
// caller through the Store interface, so a transition can run inside whatever
// transaction the caller already holds.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrUnknownState is returned when the stored state is not part of the
	// transition table.
	ErrUnknownState = errors.New("fsm: unknown state")
	// ErrTransitionNotAllowed is returned when no handler exists for the
	// requested edge.
	ErrTransitionNotAllowed = errors.New("fsm: transition not allowed")
)

// Store reads and writes the persisted state for one subject. When lock is
// true the read must take a row lock so the state cannot move under the
// transition; implementations back this with SELECT ... FOR UPDATE.
type Store interface {
	State(ctx context.Context, subjectID string, lock bool) (string, error)
	SetState(ctx context.Context, subjectID, state string) error
}

// Transition identifies one edge of the table by its ordered state pair.
type Transition struct {
	From string
	To   string
}

// Handler carries the side effects of one edge. It runs before the new state
// is written, inside the caller's transaction; an error aborts the
// transition. A nil handler marks an edge that is legal but has no side
// effects of its own.
type Handler func(ctx context.Context, subjectID string) error

// Hook runs after the state has been written, still inside the caller's
// transaction. A hook error aborts the transition unless IgnoreError is set.
type Hook func(ctx context.Context, subjectID, from, to string) error

// Config declares a machine. Handlers is the full transition table: an edge
// is legal exactly when it has an entry; states appearing only as targets are
// terminal.
type Config struct {
	Name     string
	Handlers map[Transition]Handler
	Store    Store
}

// Machine applies transitions against a Store.
type Machine struct {
	name     string
	handlers map[Transition]Handler
	outgoing map[string][]string
	known    map[string]bool
	after    map[string][]Hook
	store    Store
}

// New validates the transition table and builds a machine.
func New(cfg Config) (*Machine, error) {
	if cfg.Store == nil {
		return nil, errors.New("fsm: store is required")
	}
	if len(cfg.Handlers) == 0 {
		return nil, errors.New("fsm: transition table is empty")
	}

	outgoing := make(map[string][]string)
	known := make(map[string]bool, len(cfg.Handlers))
	for edge := range cfg.Handlers {
		if edge.From == "" || edge.To == "" {
			return nil, fmt.Errorf("fsm %s: transition %q -> %q has an empty state", cfg.Name, edge.From, edge.To)
		}
		known[edge.From] = true
		known[edge.To] = true
		outgoing[edge.From] = append(outgoing[edge.From], edge.To)
	}
	for _, targets := range outgoing {
		sort.Strings(targets)
	}

	handlers := make(map[Transition]Handler, len(cfg.Handlers))
	for edge, handler := range cfg.Handlers {
		handlers[edge] = handler
	}

	return &Machine{
		name:     cfg.Name,
		handlers: handlers,
		outgoing: outgoing,
		known:    known,
		after:    make(map[string][]Hook),
		store:    cfg.Store,
	}, nil
}

// After registers a hook to run whenever the machine lands on state.
func (m *Machine) After(state string, hook Hook) {
	m.after[state] = append(m.after[state], hook)
}

// TransitionsFrom lists the states reachable from the given state, computed
// by filtering the handler table.
func (m *Machine) TransitionsFrom(state string) []string {
	targets := m.outgoing[state]
	out := make([]string, len(targets))
	copy(out, targets)
	return out
}

// CanTransition reports whether a handler is registered for from -> to.
func (m *Machine) CanTransition(from, to string) bool {
	_, ok := m.handlers[Transition{From: from, To: to}]
	return ok
}

type transitionOptions struct {
	allowNoop        bool
	ignoreNotAllowed bool
	ignoreError      bool
}

// Option adjusts a single Transition call.
type Option func(*transitionOptions)

// AllowNoop makes a transition to the current state succeed without touching
// the store or running handlers.
func AllowNoop() Option { return func(o *transitionOptions) { o.allowNoop = true } }

// IgnoreNotAllowed turns a disallowed transition into a silent no-op. Out of
// order webhook deliveries rely on this.
func IgnoreNotAllowed() Option { return func(o *transitionOptions) { o.ignoreNotAllowed = true } }

// IgnoreError swallows any error from the transition, handlers and hooks
// included.
func IgnoreError() Option { return func(o *transitionOptions) { o.ignoreError = true } }

// Transition moves the subject to the target state. The current state is read
// under a row lock, the edge handler resolved and run, the new state written,
// and the hooks registered for the target run before returning. The caller is
// expected to wrap the call in a transaction so the lock holds until commit.
func (m *Machine) Transition(ctx context.Context, subjectID, to string, opts ...Option) error {
	var options transitionOptions
	for _, opt := range opts {
		opt(&options)
	}

	err := m.transition(ctx, subjectID, to, options)
	if err != nil && options.ignoreError {
		return nil
	}
	return err
}

func (m *Machine) transition(ctx context.Context, subjectID, to string, options transitionOptions) error {
	from, err := m.store.State(ctx, subjectID, true)
	if err != nil {
		return fmt.Errorf("fsm %s: read state: %w", m.name, err)
	}
	if from == to {
		if options.allowNoop {
			return nil
		}
		if options.ignoreNotAllowed {
			return nil
		}
		return fmt.Errorf("%w: %s: %s -> %s", ErrTransitionNotAllowed, m.name, from, to)
	}
	if !m.known[from] {
		return fmt.Errorf("%w: %s: %q", ErrUnknownState, m.name, from)
	}

	handler, ok := m.handlers[Transition{From: from, To: to}]
	if !ok {
		if options.ignoreNotAllowed {
			return nil
		}
		return fmt.Errorf("%w: %s: %s -> %s", ErrTransitionNotAllowed, m.name, from, to)
	}
	if handler != nil {
		if err := handler(ctx, subjectID); err != nil {
			return fmt.Errorf("fsm %s: %s -> %s: %w", m.name, from, to, err)
		}
	}

	if err := m.store.SetState(ctx, subjectID, to); err != nil {
		return fmt.Errorf("fsm %s: write state: %w", m.name, err)
	}
	for _, hook := range m.after[to] {
		if err := hook(ctx, subjectID, from, to); err != nil {
			return fmt.Errorf("fsm %s: after %s: %w", m.name, to, err)
		}
	}
	return nil
}
