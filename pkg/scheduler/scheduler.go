package scheduler

import (
	"context"
	"sort"
	"sync"

	"github.com/kristofer/loaf/pkg/value"
	"golang.org/x/sync/errgroup"
)

// Evaluator supplies the two ways a ready Binding actually resolves.
// EvalPure dispatches the VM against the request's arena; Fetch
// dispatches an external HTTP call through the fetch client. Both
// run with ctx so the request's deadline reaches them.
type Evaluator interface {
	EvalPure(ctx context.Context, b *Binding) (value.Value, error)
	Fetch(ctx context.Context, b *Binding) (value.Value, error)
}

type completion struct {
	name string
	val  value.Value
	exc  *value.Exception
}

// Observer is notified once per binding the moment it reaches a
// terminal state, in settlement order (not declaration order). The
// response streamer (pkg/stream) uses this to flush a fragment as soon
// as each key is ready, independent of the scheduler's internal
// dispatch bookkeeping.
type Observer func(name string, v value.Value, exc *value.Exception)

// Run resolves every binding in g against ev, in Kahn-ready order with
// declaration-order tie-breaks among bindings that become ready in the
// same tick. Pure bindings run sequentially on the calling
// goroutine — one request's VM work is single-threaded — while
// fetch bindings are dispatched concurrently as soon as they are ready,
// so two independent fetches are observably in flight at once.
//
// Run returns a *CircularDependencyError or *UnresolvedReferenceError
// from validation before anything executes, or nil once every binding
// has reached a terminal state (individual binding failures are not
// returned as a Go error — they are recorded on the Binding itself and
// cascaded to dependents).
// Any observers passed in are called synchronously, under the
// scheduler's own lock, each time a binding settles.
func Run(ctx context.Context, g *Graph, ev Evaluator, observers ...Observer) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if err := g.DetectCycles(); err != nil {
		return err
	}

	n := len(g.bindings)
	dependents := make(map[string][]string, n)
	remaining := make(map[string]int, n)

	for _, b := range g.bindings {
		remaining[b.Name] = len(b.Deps)
		for _, dep := range b.Deps {
			dependents[dep] = append(dependents[dep], b.Name)
		}
	}

	var mu sync.Mutex
	completions := make(chan completion, n)
	grp, gctx := errgroup.WithContext(ctx)
	dispatched := make(map[string]bool, n)

	byName := make(map[string]*Binding, n)
	for _, b := range g.bindings {
		byName[b.Name] = b
	}

	// propagate fails every transitive dependent of a just-failed or
	// just-cascaded binding, decrementing remaining exactly once per
	// edge — mirroring the decrement a successful resolution performs —
	// so a dependent whose failed ancestor(s) account for all of its
	// edges becomes terminal (Failed) without ever being evaluated —
	// dependents fail with the same exception.
	notify := func(name string, v value.Value, exc *value.Exception) {
		for _, obs := range observers {
			obs(name, v, exc)
		}
	}

	propagate := func(start string, exc *value.Exception) {
		queue := []string{start}
		for len(queue) > 0 {
			name := queue[0]
			queue = queue[1:]
			for _, d := range dependents[name] {
				remaining[d]--
				if remaining[d] == 0 && byName[d].State() == Pending {
					byName[d].fail(exc)
					notify(d, value.Value{}, exc)
					queue = append(queue, d)
				}
			}
		}
	}

	// dispatchReady dispatches every currently-ready, not-yet-dispatched
	// binding. Pure bindings run inline (blocking); fetches are spawned
	// concurrently. Must be called with mu held.
	dispatchReady := func() {
		var ready []*Binding
		for _, b := range g.bindings {
			if dispatched[b.Name] || remaining[b.Name] > 0 || b.State() != Pending {
				continue
			}
			ready = append(ready, b)
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i].Order < ready[j].Order })

		for _, b := range ready {
			dispatched[b.Name] = true
			b.run()
			switch b.Kind {
			case KindFetch:
				bb := b
				grp.Go(func() error {
					v, err := ev.Fetch(gctx, bb)
					completions <- completion{name: bb.Name, val: v, exc: toExc(err)}
					return nil
				})
			default:
				v, err := ev.EvalPure(gctx, b)
				completions <- completion{name: b.Name, val: v, exc: toExc(err)}
			}
		}
	}

	terminal := func() bool {
		for _, b := range g.bindings {
			if b.State() == Pending || b.State() == Running {
				return false
			}
		}
		return true
	}

	mu.Lock()
	dispatchReady()
	allDone := terminal()
	mu.Unlock()

	for !allDone {
		var c completion
		select {
		case c = <-completions:
		case <-ctx.Done():
			// Deadline or caller cancellation: every binding not yet
			// terminal fails here and now. In-flight fetches see
			// the same cancellation through gctx and drain into the
			// buffered completions channel, where their results are
			// discarded.
			exc := cancellationExc(ctx)
			mu.Lock()
			for _, b := range g.bindings {
				if b.State() == Pending || b.State() == Running {
					b.fail(exc)
					notify(b.Name, value.Value{}, exc)
				}
			}
			mu.Unlock()
			return grp.Wait()
		}
		mu.Lock()
		b := byName[c.name]
		if c.exc != nil {
			if s := b.State(); s == Pending || s == Running {
				b.fail(c.exc)
				notify(c.name, value.Value{}, c.exc)
				propagate(c.name, c.exc)
			}
		} else {
			b.resolve(c.val)
			notify(c.name, c.val, nil)
			for _, dep := range dependents[c.name] {
				remaining[dep]--
			}
		}
		dispatchReady()
		allDone = terminal()
		mu.Unlock()
	}

	return grp.Wait()
}

// cancellationExc distinguishes a request that ran out of deadline from
// one its caller abandoned — the error taxonomy keeps TimeoutError and
// CancelledError as separate kinds.
func cancellationExc(ctx context.Context) *value.Exception {
	if ctx.Err() == context.DeadlineExceeded {
		return &value.Exception{TypeTag: "TimeoutError", Message: "request deadline exceeded"}
	}
	return &value.Exception{TypeTag: "CancelledError", Message: "request cancelled"}
}

func toExc(err error) *value.Exception {
	if err == nil {
		return nil
	}
	if exc, ok := err.(*value.Exception); ok {
		return exc
	}
	return &value.Exception{TypeTag: "InternalError", Message: err.Error()}
}
