package document

import (
	"testing"

	"github.com/kristofer/loaf/pkg/value"
)

func TestParseSimpleArithmeticBinding(t *testing.T) {
	src := `{
		"bindings": [
			{"name": "a", "expr": {"int": 2}},
			{"name": "b", "expr": {"int": 3}},
			{"name": "total", "expr": {"op": "+", "lhs": {"ref": "a"}, "rhs": {"ref": "b"}}}
		]
	}`
	doc, err := Parse([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Bindings) != 3 {
		t.Fatalf("got %d bindings, want 3", len(doc.Bindings))
	}
	total := doc.Bindings[2]
	bin, ok := total.Expr.(BinExpr)
	if !ok {
		t.Fatalf("total.Expr = %T, want BinExpr", total.Expr)
	}
	if bin.Op != OpAdd {
		t.Errorf("op = %v, want OpAdd", bin.Op)
	}
	if ref, ok := bin.Lhs.(RefExpr); !ok || ref.Name != "a" {
		t.Errorf("lhs = %#v, want RefExpr{a}", bin.Lhs)
	}
}

func TestParseEndpointBinding(t *testing.T) {
	src := `{"bindings": [
		{"name": "user", "expr": {"string": "unused"}, "endpoint": {"method": "GET", "path": "/users/:id"}}
	]}`
	doc, err := Parse([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	ep := doc.Bindings[0].Endpoint
	if ep == nil || ep.Method != "GET" || ep.Path != "/users/:id" {
		t.Fatalf("endpoint = %#v", ep)
	}
}

func TestParseObjectLiteral(t *testing.T) {
	src := `{"bindings": [
		{"name": "o", "expr": {"keys": ["x", "y"], "values": [{"int": 1}, {"int": 2}]}}
	]}`
	doc, err := Parse([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	obj, ok := doc.Bindings[0].Expr.(ObjectExpr)
	if !ok {
		t.Fatalf("expr = %T, want ObjectExpr", doc.Bindings[0].Expr)
	}
	if len(obj.Keys) != 2 || obj.Keys[0] != "x" || obj.Keys[1] != "y" {
		t.Errorf("keys = %v", obj.Keys)
	}
}

func TestParseMemberAccessPrefersMemberOverIndex(t *testing.T) {
	src := `{"bindings": [
		{"name": "m", "expr": {"base": {"ref": "obj"}, "key": "field"}}
	]}`
	doc, err := Parse([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	m, ok := doc.Bindings[0].Expr.(MemberExpr)
	if !ok {
		t.Fatalf("expr = %T, want MemberExpr", doc.Bindings[0].Expr)
	}
	if m.Key != "field" {
		t.Errorf("key = %q", m.Key)
	}
}

func TestParseIndexExpr(t *testing.T) {
	src := `{"bindings": [
		{"name": "i", "expr": {"base": {"ref": "arr"}, "index": {"int": 0}}}
	]}`
	doc, err := Parse([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := doc.Bindings[0].Expr.(IndexExpr); !ok {
		t.Fatalf("expr = %T, want IndexExpr", doc.Bindings[0].Expr)
	}
}

func TestParseTemplateExpr(t *testing.T) {
	src := `{"bindings": [
		{"name": "greeting", "expr": {"template": [
			{"literal": "hello, "},
			{"expr": {"ref": "name"}}
		]}}
	]}`
	doc, err := Parse([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	tmpl, ok := doc.Bindings[0].Expr.(TemplateExpr)
	if !ok {
		t.Fatalf("expr = %T, want TemplateExpr", doc.Bindings[0].Expr)
	}
	if len(tmpl.Parts) != 2 || tmpl.Parts[0].Literal != "hello, " {
		t.Errorf("parts = %#v", tmpl.Parts)
	}
}

func TestParseFetchExpr(t *testing.T) {
	src := `{"bindings": [
		{"name": "remote", "expr": {"fetch": {
			"method": "GET",
			"url": {"string": "https://example.com"},
			"headers": {"Authorization": {"ref": "token"}}
		}}}
	]}`
	doc, err := Parse([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	fe, ok := doc.Bindings[0].Expr.(FetchExpr)
	if !ok {
		t.Fatalf("expr = %T, want FetchExpr", doc.Bindings[0].Expr)
	}
	if fe.Method != "GET" {
		t.Errorf("method = %q", fe.Method)
	}
	if _, ok := fe.Headers["Authorization"]; !ok {
		t.Error("expected an Authorization header expression")
	}
}

func TestParseDecimalPreservesTrailingZeros(t *testing.T) {
	src := `{"bindings": [{"name": "d", "expr": {"decimal": "1.50"}}]}`
	doc, err := Parse([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	c, ok := doc.Bindings[0].Expr.(ConstExpr)
	if !ok {
		t.Fatalf("expr = %T, want ConstExpr", doc.Bindings[0].Expr)
	}
	if c.Value.Kind != value.KindDecimal {
		t.Fatalf("kind = %v, want decimal", c.Value.Kind)
	}
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	if _, err := Parse([]byte(`{not json`)); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

func TestParseUnaryNot(t *testing.T) {
	src := `{"bindings": [{"name": "n", "expr": {"op": "!", "operand": {"bool": true}}}]}`
	doc, err := Parse([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	u, ok := doc.Bindings[0].Expr.(UnaryExpr)
	if !ok || u.Op != OpNot {
		t.Fatalf("expr = %#v, want UnaryExpr{OpNot}", doc.Bindings[0].Expr)
	}
}
