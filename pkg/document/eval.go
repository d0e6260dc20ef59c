package document

import (
	"context"
	"fmt"
	"strings"

	"github.com/kristofer/loaf/pkg/fetch"
	"github.com/kristofer/loaf/pkg/heap"
	"github.com/kristofer/loaf/pkg/scheduler"
	"github.com/kristofer/loaf/pkg/value"
	"github.com/kristofer/loaf/pkg/vm"
)

// Evaluator implements scheduler.Evaluator for one request: it compiles
// and runs a binding's Expr on the VM when the opcode set can express
// it, falls back to a direct tree-walk for the forms the opcode set
// cannot (object/member/template, per compiler.go's ErrNotCompilable),
// and resolves FetchExpr bindings through the HTTP fetch client.
type Evaluator struct {
	byName map[string]Expr
	graph  *scheduler.Graph
	heaps  *heap.Manager
	arena  *heap.Arena
	client *fetch.Client
	vmOpts vm.Options
}

// NewEvaluator builds an Evaluator for one request. arena is the
// request's single per-request arena — every VM dispatched by
// this Evaluator allocates against it.
func NewEvaluator(doc *Document, graph *scheduler.Graph, heaps *heap.Manager, arena *heap.Arena, client *fetch.Client, vmOpts vm.Options) *Evaluator {
	byName := make(map[string]Expr, len(doc.Bindings))
	for _, b := range doc.Bindings {
		byName[b.Name] = b.Expr
	}
	return &Evaluator{byName: byName, graph: graph, heaps: heaps, arena: arena, client: client, vmOpts: vmOpts}
}

// EvalPure implements scheduler.Evaluator.
func (e *Evaluator) EvalPure(ctx context.Context, b *scheduler.Binding) (value.Value, error) {
	expr, ok := e.byName[b.Name]
	if !ok {
		return value.Value{}, fmt.Errorf("document: unknown binding %q", b.Name)
	}
	if Compilable(expr) {
		return e.evalCompiled(b.Name, expr)
	}
	return e.evalExpr(expr)
}

// Fetch implements scheduler.Evaluator: it evaluates a FetchExpr's
// method/url/body/headers sub-expressions against already-resolved
// dependency values, then dispatches the call through the shared
// client.
func (e *Evaluator) Fetch(ctx context.Context, b *scheduler.Binding) (value.Value, error) {
	expr, ok := e.byName[b.Name]
	if !ok {
		return value.Value{}, fmt.Errorf("document: unknown binding %q", b.Name)
	}
	fe, ok := expr.(FetchExpr)
	if !ok {
		return value.Value{}, fmt.Errorf("document: binding %q is not a fetch", b.Name)
	}
	urlV, err := e.evalExpr(fe.URL)
	if err != nil {
		return value.Value{}, err
	}
	body := value.Null()
	if fe.Body != nil {
		body, err = e.evalExpr(fe.Body)
		if err != nil {
			return value.Value{}, err
		}
	}
	headers := make(map[string]string, len(fe.Headers))
	for k, hExpr := range fe.Headers {
		hv, err := e.evalExpr(hExpr)
		if err != nil {
			return value.Value{}, err
		}
		headers[k] = hv.String()
	}
	return e.client.Fetch(ctx, fe.Method, urlV.Str, body, headers)
}

// evalCompiled compiles expr to crouton bytecode, seeds each referenced
// dependency's resolved value into its assigned local slot, and runs it
// on a fresh VM against the request's arena.
func (e *Evaluator) evalCompiled(name string, expr Expr) (value.Value, error) {
	mod, slots, err := Compile(name, expr)
	if err != nil {
		return value.Value{}, err
	}
	m, err := vm.New(mod, e.heaps, e.arena, e.vmOpts)
	if err != nil {
		return value.Value{}, err
	}
	for depName, slot := range slots {
		v, err := e.depValue(depName)
		if err != nil {
			return value.Value{}, err
		}
		m.PresetLocal(int(slot), v)
	}
	return m.Run()
}

// depValue reads an already-resolved dependency's value out of the
// request's scheduler graph. The scheduler never dispatches a binding
// until every dependency it declared has reached a terminal state, so
// by the time evalExpr/evalCompiled runs, every RefExpr it can reach is
// either Resolved or Failed. A binding is still dispatched when one
// dependency failed and another resolved after it; depValue then
// returns the failed dependency's own exception.
func (e *Evaluator) depValue(name string) (value.Value, error) {
	b, ok := e.graph.Lookup(name)
	if !ok {
		return value.Value{}, fmt.Errorf("document: unresolved reference %q", name)
	}
	v, exc := b.Result()
	if exc != nil {
		return value.Value{}, exc
	}
	return v, nil
}

// evalExpr is the tree-walking fallback for expressions the fixed
// opcode set cannot compile (object construction, member access, string
// templates) and the entry point for evaluating a FetchExpr's argument
// sub-expressions. It still reuses the exact operator semantics
// (value.Add/Sub/Mul/Div/Compare/Equal) the VM's opcodes dispatch to,
// so "+"/"-"/"×" behave identically whether a sub-expression happened
// to compile to bytecode or not.
func (e *Evaluator) evalExpr(expr Expr) (value.Value, error) {
	switch n := expr.(type) {
	case ConstExpr:
		return n.Value, nil
	case RefExpr:
		return e.depValue(n.Name)
	case UnaryExpr:
		v, err := e.evalExpr(n.Operand)
		if err != nil {
			return value.Value{}, err
		}
		switch n.Op {
		case OpNeg:
			return value.Neg(v)
		case OpNot:
			return value.Bool(!v.Truthy()), nil
		default:
			return value.Value{}, fmt.Errorf("document: unknown unary operator")
		}
	case BinExpr:
		lhs, err := e.evalExpr(n.Lhs)
		if err != nil {
			return value.Value{}, err
		}
		rhs, err := e.evalExpr(n.Rhs)
		if err != nil {
			return value.Value{}, err
		}
		return e.applyBin(n.Op, lhs, rhs)
	case IndexExpr:
		base, err := e.evalExpr(n.Base)
		if err != nil {
			return value.Value{}, err
		}
		idx, err := e.evalExpr(n.Index)
		if err != nil {
			return value.Value{}, err
		}
		return e.index(base, idx)
	case ArrayExpr:
		items := make([]value.Value, len(n.Items))
		for i, it := range n.Items {
			v, err := e.evalExpr(it)
			if err != nil {
				return value.Value{}, err
			}
			items[i] = v
		}
		return e.heaps.Alloc(e.arena, value.Arr(items))
	case MemberExpr:
		base, err := e.evalExpr(n.Base)
		if err != nil {
			return value.Value{}, err
		}
		v, ok := base.Get(value.Str(n.Key))
		if !ok {
			return value.Null(), nil
		}
		return v, nil
	case ObjectExpr:
		entries := make([]value.ObjectEntry, len(n.Keys))
		for i, k := range n.Keys {
			v, err := e.evalExpr(n.Values[i])
			if err != nil {
				return value.Value{}, err
			}
			entries[i] = value.ObjectEntry{Key: value.Str(k), Val: v}
		}
		return e.heaps.Alloc(e.arena, value.NewObject(entries...))
	case TemplateExpr:
		var sb strings.Builder
		for _, p := range n.Parts {
			if p.Expr == nil {
				sb.WriteString(p.Literal)
				continue
			}
			v, err := e.evalExpr(p.Expr)
			if err != nil {
				return value.Value{}, err
			}
			sb.WriteString(v.String())
		}
		return value.Str(sb.String()), nil
	case FetchExpr:
		return value.Value{}, fmt.Errorf("document: fetch expression must be resolved via Fetch, not as a sub-expression")
	default:
		return value.Value{}, fmt.Errorf("document: unknown expression node %T", expr)
	}
}

func (e *Evaluator) applyBin(op Op, lhs, rhs value.Value) (value.Value, error) {
	switch op {
	case OpAdd:
		return value.Add(lhs, rhs)
	case OpSub:
		return value.Sub(lhs, rhs)
	case OpMul:
		return value.Mul(lhs, rhs)
	case OpDiv:
		return value.Div(lhs, rhs)
	case OpEq:
		return value.Bool(value.Equal(lhs, rhs)), nil
	case OpNeq:
		return value.Bool(!value.Equal(lhs, rhs)), nil
	case OpLt, OpLte, OpGt, OpGte:
		cmp, err := value.Compare(lhs, rhs)
		if err != nil {
			return value.Value{}, err
		}
		switch op {
		case OpLt:
			return value.Bool(cmp < 0), nil
		case OpLte:
			return value.Bool(cmp <= 0), nil
		case OpGt:
			return value.Bool(cmp > 0), nil
		default:
			return value.Bool(cmp >= 0), nil
		}
	case OpAnd:
		return value.Bool(lhs.Truthy() && rhs.Truthy()), nil
	case OpOr:
		return value.Bool(lhs.Truthy() || rhs.Truthy()), nil
	default:
		return value.Value{}, fmt.Errorf("document: unknown binary operator")
	}
}

func (e *Evaluator) index(base, idx value.Value) (value.Value, error) {
	switch base.Kind {
	case value.KindArray:
		if idx.Kind != value.KindInteger {
			return value.Value{}, fmt.Errorf("document: array index must be an integer")
		}
		if idx.Int < 0 || int(idx.Int) >= len(base.Arr) {
			return value.Value{}, fmt.Errorf("document: index %d out of bounds for array of length %d", idx.Int, len(base.Arr))
		}
		return base.Arr[idx.Int], nil
	case value.KindObject:
		v, ok := base.Get(idx)
		if !ok {
			return value.Null(), nil
		}
		return v, nil
	default:
		return value.Value{}, fmt.Errorf("document: cannot index a %s", base.TypeName())
	}
}

// Graph builds the scheduler.Graph for doc: one Binding per entry, with
// its dependency set and Kind (Pure vs. Fetch) determined from its Expr.
func Graph(doc *Document) *scheduler.Graph {
	bindings := make([]*scheduler.Binding, len(doc.Bindings))
	for i, b := range doc.Bindings {
		kind := scheduler.KindPure
		if _, ok := b.Expr.(FetchExpr); ok {
			kind = scheduler.KindFetch
		}
		bindings[i] = &scheduler.Binding{
			Name: b.Name,
			Deps: Dependencies(b.Expr),
			Kind: kind,
		}
	}
	return scheduler.NewGraph(bindings)
}
