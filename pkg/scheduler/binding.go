// Package scheduler implements the dependency / promise scheduler:
// given a request's binding graph, it drives resolution in a correct,
// maximally-parallel order, detecting cycles before anything executes
// and composing "promise of promise" bindings transparently.
package scheduler

import (
	"fmt"
	"sync"

	"github.com/kristofer/loaf/pkg/value"
)

// State is a Binding's position in its resolution lifecycle:
// Pending -> Running -> Resolved|Failed, never mutated after terminal.
type State int

const (
	Pending State = iota
	Running
	Resolved
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Kind distinguishes a pure VM computation from an external HTTP fetch —
// the two ways a ready Binding actually gets resolved.
type Kind int

const (
	KindPure Kind = iota
	KindFetch
)

// Binding is one named right-hand side of a loaf document, together
// with the dependency set the compiler extracted statically from its
// AST (direct references, member/index access, string-template
// interpolation all count as a dependency edge).
type Binding struct {
	Name  string
	Deps  []string
	Kind  Kind
	Order int // declaration order, used only as a same-tick tie-break

	mu    sync.Mutex
	state State
	val   value.Value
	err   *value.Exception
}

func (b *Binding) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Binding) run() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Pending {
		b.state = Running
	}
}

func (b *Binding) resolve(v value.Value) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Resolved
	b.val = v
}

func (b *Binding) fail(exc *value.Exception) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Failed
	b.err = exc
}

// Result returns the terminal value/exception pair for a Resolved or
// Failed binding. Calling it before a terminal state is a caller bug.
func (b *Binding) Result() (value.Value, *value.Exception) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.val, b.err
}

// CircularDependencyError lists every binding participating in a cycle,
// in declaration order.
type CircularDependencyError struct {
	Names []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("CircularDependency: %v", e.Names)
}

// UnresolvedReferenceError is raised when a binding's dependency set
// names a binding that does not exist in the document.
type UnresolvedReferenceError struct {
	From, Missing string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("UnresolvedReference: %q references unknown binding %q", e.From, e.Missing)
}
