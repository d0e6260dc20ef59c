// Package document implements the binding-expression front end. It does
// not parse loaf source text — it gives the runtime a structured
// Document (already an AST) together with the two things the dependency
// scheduler and the stack VM need from it: a per-binding dependency set
// and, for every binding expressible in the fixed opcode set, a
// compiled crouton.Module.
package document

import "github.com/kristofer/loaf/pkg/value"

// Op identifies an operator in an Expr tree. The arithmetic and
// comparison cases map directly onto bytecode opcodes; And/Or/Not
// map onto AND/OR/NOT.
type Op int

const (
	OpAdd Op = iota
	OpSub
	OpMul
	OpDiv
	OpNeg
	OpEq
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
	OpAnd
	OpOr
	OpNot
)

// Expr is one node of a binding's right-hand side.
type Expr interface{ isExpr() }

// ConstExpr is a literal value baked into the constant pool.
type ConstExpr struct{ Value value.Value }

// RefExpr names another binding in the same document. The compiler
// resolves it to a local slot; the scheduler resolves it to a
// dependency edge.
type RefExpr struct{ Name string }

// BinExpr is a binary operator application, overloaded per operand type
// (numeric, string, array, object).
type BinExpr struct {
	Op       Op
	Lhs, Rhs Expr
}

// UnaryExpr is NEG or NOT applied to one operand.
type UnaryExpr struct {
	Op      Op
	Operand Expr
}

// IndexExpr is array[Index] — compiles to GETELEMENT.
type IndexExpr struct{ Base, Index Expr }

// ArrayExpr is an array literal — compiles to NEWARRAY.
type ArrayExpr struct{ Items []Expr }

// MemberExpr is object.Key — object construction and member access have
// no opcode (NEWARRAY/GETELEMENT/SETELEMENT/ARRAYLENGTH are array
// ops only), so this and ObjectExpr/TemplateExpr are evaluated directly
// by the document-level tree walker (eval.go) rather than compiled to
// crouton.
type MemberExpr struct {
	Base Expr
	Key  string
}

// ObjectExpr is an object literal.
type ObjectExpr struct {
	Keys   []string
	Values []Expr
}

// TemplatePart is one piece of a string template: either a literal or an
// embedded Expr to interpolate.
type TemplatePart struct {
	Literal string
	Expr    Expr
}

// TemplateExpr is a string built from interpolated parts — a dependency
// edge per referenced binding.
type TemplateExpr struct{ Parts []TemplatePart }

// FetchExpr invokes the HTTP fetch client on behalf of a binding.
// It may only appear as a binding's root Expr — the scheduler marks
// such a binding Kind=Fetch rather than dispatching it to the VM.
type FetchExpr struct {
	Method  string
	URL     Expr
	Body    Expr // nil for GET
	Headers map[string]Expr
}

func (ConstExpr) isExpr()    {}
func (RefExpr) isExpr()      {}
func (BinExpr) isExpr()      {}
func (UnaryExpr) isExpr()    {}
func (IndexExpr) isExpr()    {}
func (ArrayExpr) isExpr()    {}
func (MemberExpr) isExpr()   {}
func (ObjectExpr) isExpr()   {}
func (TemplateExpr) isExpr() {}
func (FetchExpr) isExpr()    {}

// Endpoint records an `@endpoint:METHOD:/path` declaration binding a
// document to an HTTP route. A `:name` segment of Path (or chi's own
// `{name}` form) becomes a binding of the same name, populated by the
// server before the document's scheduler graph runs.
type Endpoint struct {
	Method string
	Path   string
}

// Binding is one named entry of a Document: a right-hand-side Expr,
// plus optionally the HTTP route it answers.
type Binding struct {
	Name     string
	Expr     Expr
	Endpoint *Endpoint
}

// Document is the compiler's input: an already-structured set of named
// bindings (what a real lexer/parser would have produced from loaf
// source text).
type Document struct {
	Bindings []Binding
}

// Dependencies returns the set of binding names expr references,
// directly or through member/index access or string-template
// interpolation, in first-occurrence order.
func Dependencies(expr Expr) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(e Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case ConstExpr:
		case RefExpr:
			if !seen[n.Name] {
				seen[n.Name] = true
				out = append(out, n.Name)
			}
		case BinExpr:
			walk(n.Lhs)
			walk(n.Rhs)
		case UnaryExpr:
			walk(n.Operand)
		case IndexExpr:
			walk(n.Base)
			walk(n.Index)
		case ArrayExpr:
			for _, it := range n.Items {
				walk(it)
			}
		case MemberExpr:
			walk(n.Base)
		case ObjectExpr:
			for _, v := range n.Values {
				walk(v)
			}
		case TemplateExpr:
			for _, p := range n.Parts {
				if p.Expr != nil {
					walk(p.Expr)
				}
			}
		case FetchExpr:
			walk(n.URL)
			if n.Body != nil {
				walk(n.Body)
			}
			for _, h := range n.Headers {
				walk(h)
			}
		}
	}
	walk(expr)
	return out
}
