package document

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"

	"github.com/kristofer/loaf/pkg/value"
)

// wireDoc/wireBinding/wireExpr mirror Document/Binding/Expr as a JSON
// wire format: the serialized shape of a compiled document's AST.
// Exactly one field of wireExpr (besides Null, which is a bool) is set
// per node; Parse walks it into the Expr interface.
type wireDoc struct {
	Bindings []wireBinding `json:"bindings"`
}

type wireBinding struct {
	Name     string        `json:"name"`
	Expr     wireExpr      `json:"expr"`
	Endpoint *wireEndpoint `json:"endpoint,omitempty"`
}

type wireEndpoint struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

type wireExpr struct {
	Null     bool               `json:"null,omitempty"`
	Int      *int64             `json:"int,omitempty"`
	Decimal  *string            `json:"decimal,omitempty"`
	Bool     *bool              `json:"bool,omitempty"`
	String   *string            `json:"string,omitempty"`
	Ref      *string            `json:"ref,omitempty"`
	Op       string             `json:"op,omitempty"`
	Lhs      *wireExpr          `json:"lhs,omitempty"`
	Rhs      *wireExpr          `json:"rhs,omitempty"`
	Operand  *wireExpr          `json:"operand,omitempty"`
	Base     *wireExpr          `json:"base,omitempty"`
	Index    *wireExpr          `json:"index,omitempty"`
	Key      string             `json:"key,omitempty"`
	Items    []wireExpr         `json:"items,omitempty"`
	Keys     []string           `json:"keys,omitempty"`
	Values   []wireExpr         `json:"values,omitempty"`
	Template []wireTemplatePart `json:"template,omitempty"`
	Fetch    *wireFetch         `json:"fetch,omitempty"`
}

type wireTemplatePart struct {
	Literal string    `json:"literal,omitempty"`
	Expr    *wireExpr `json:"expr,omitempty"`
}

type wireFetch struct {
	Method  string              `json:"method"`
	URL     wireExpr            `json:"url"`
	Body    *wireExpr           `json:"body,omitempty"`
	Headers map[string]wireExpr `json:"headers,omitempty"`
}

var opNames = map[string]Op{
	"+": OpAdd, "-": OpSub, "*": OpMul, "/": OpDiv,
	"==": OpEq, "!=": OpNeq, "<": OpLt, "<=": OpLte, ">": OpGt, ">=": OpGte,
	"&&": OpAnd, "||": OpOr, "neg": OpNeg, "!": OpNot,
}

// LoadFile reads a JSON-encoded Document from path.
func LoadFile(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes a JSON-encoded Document.
func Parse(b []byte) (*Document, error) {
	var w wireDoc
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("document: invalid document JSON: %w", err)
	}
	doc := &Document{Bindings: make([]Binding, len(w.Bindings))}
	for i, wb := range w.Bindings {
		expr, err := toExpr(wb.Expr)
		if err != nil {
			return nil, fmt.Errorf("document: binding %q: %w", wb.Name, err)
		}
		b := Binding{Name: wb.Name, Expr: expr}
		if wb.Endpoint != nil {
			b.Endpoint = &Endpoint{Method: wb.Endpoint.Method, Path: wb.Endpoint.Path}
		}
		doc.Bindings[i] = b
	}
	return doc, nil
}

func toExpr(w wireExpr) (Expr, error) {
	switch {
	case w.Null:
		return ConstExpr{Value: value.Null()}, nil
	case w.Int != nil:
		return ConstExpr{Value: value.Int(*w.Int)}, nil
	case w.Decimal != nil:
		v, err := value.DecimalFromString(*w.Decimal)
		if err != nil {
			return nil, err
		}
		return ConstExpr{Value: v}, nil
	case w.Bool != nil:
		return ConstExpr{Value: value.Bool(*w.Bool)}, nil
	case w.String != nil:
		return ConstExpr{Value: value.Str(*w.String)}, nil
	case w.Ref != nil:
		return RefExpr{Name: *w.Ref}, nil
	case w.Fetch != nil:
		return toFetchExpr(*w.Fetch)
	case len(w.Template) > 0:
		parts := make([]TemplatePart, len(w.Template))
		for i, p := range w.Template {
			part := TemplatePart{Literal: p.Literal}
			if p.Expr != nil {
				e, err := toExpr(*p.Expr)
				if err != nil {
					return nil, err
				}
				part.Expr = e
			}
			parts[i] = part
		}
		return TemplateExpr{Parts: parts}, nil
	case len(w.Keys) > 0 || len(w.Values) > 0:
		if len(w.Keys) != len(w.Values) {
			return nil, fmt.Errorf("object expression: %d keys but %d values", len(w.Keys), len(w.Values))
		}
		values := make([]Expr, len(w.Values))
		for i, v := range w.Values {
			e, err := toExpr(v)
			if err != nil {
				return nil, err
			}
			values[i] = e
		}
		return ObjectExpr{Keys: w.Keys, Values: values}, nil
	case w.Base != nil && w.Key != "":
		base, err := toExpr(*w.Base)
		if err != nil {
			return nil, err
		}
		return MemberExpr{Base: base, Key: w.Key}, nil
	case w.Base != nil && w.Index != nil:
		base, err := toExpr(*w.Base)
		if err != nil {
			return nil, err
		}
		idx, err := toExpr(*w.Index)
		if err != nil {
			return nil, err
		}
		return IndexExpr{Base: base, Index: idx}, nil
	case len(w.Items) > 0:
		items := make([]Expr, len(w.Items))
		for i, it := range w.Items {
			e, err := toExpr(it)
			if err != nil {
				return nil, err
			}
			items[i] = e
		}
		return ArrayExpr{Items: items}, nil
	case w.Operand != nil:
		op, ok := opNames[w.Op]
		if !ok {
			return nil, fmt.Errorf("unknown unary operator %q", w.Op)
		}
		operand, err := toExpr(*w.Operand)
		if err != nil {
			return nil, err
		}
		return UnaryExpr{Op: op, Operand: operand}, nil
	case w.Lhs != nil && w.Rhs != nil:
		op, ok := opNames[w.Op]
		if !ok {
			return nil, fmt.Errorf("unknown binary operator %q", w.Op)
		}
		lhs, err := toExpr(*w.Lhs)
		if err != nil {
			return nil, err
		}
		rhs, err := toExpr(*w.Rhs)
		if err != nil {
			return nil, err
		}
		return BinExpr{Op: op, Lhs: lhs, Rhs: rhs}, nil
	default:
		return nil, fmt.Errorf("document: empty or unrecognized expression node")
	}
}

func toFetchExpr(w wireFetch) (Expr, error) {
	url, err := toExpr(w.URL)
	if err != nil {
		return nil, err
	}
	fe := FetchExpr{Method: w.Method, URL: url}
	if w.Body != nil {
		body, err := toExpr(*w.Body)
		if err != nil {
			return nil, err
		}
		fe.Body = body
	}
	if len(w.Headers) > 0 {
		fe.Headers = make(map[string]Expr, len(w.Headers))
		for k, v := range w.Headers {
			e, err := toExpr(v)
			if err != nil {
				return nil, err
			}
			fe.Headers[k] = e
		}
	}
	return fe, nil
}
