package document

import (
	"reflect"
	"testing"

	"github.com/kristofer/loaf/pkg/value"
)

func TestDependenciesWalksEveryNodeKind(t *testing.T) {
	expr := BinExpr{
		Op:  OpAdd,
		Lhs: RefExpr{Name: "a"},
		Rhs: TemplateExpr{Parts: []TemplatePart{
			{Literal: "x="},
			{Expr: IndexExpr{Base: RefExpr{Name: "b"}, Index: ConstExpr{Value: value.Int(0)}}},
		}},
	}
	got := Dependencies(expr)
	want := []string{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Dependencies() = %v, want %v", got, want)
	}
}

func TestDependenciesDedupesAndPreservesFirstOccurrence(t *testing.T) {
	expr := ArrayExpr{Items: []Expr{
		RefExpr{Name: "b"},
		RefExpr{Name: "a"},
		RefExpr{Name: "b"},
	}}
	got := Dependencies(expr)
	want := []string{"b", "a"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Dependencies() = %v, want %v", got, want)
	}
}

func TestDependenciesOfFetchExprCoversURLBodyAndHeaders(t *testing.T) {
	expr := FetchExpr{
		Method: "GET",
		URL:    RefExpr{Name: "base"},
		Body:   RefExpr{Name: "payload"},
		Headers: map[string]Expr{
			"Authorization": RefExpr{Name: "token"},
		},
	}
	got := Dependencies(expr)
	want := map[string]bool{"base": true, "payload": true, "token": true}
	if len(got) != len(want) {
		t.Fatalf("Dependencies() = %v, want 3 entries", got)
	}
	for _, name := range got {
		if !want[name] {
			t.Errorf("unexpected dependency %q", name)
		}
	}
}

func TestDependenciesOfConstExprIsEmpty(t *testing.T) {
	if got := Dependencies(ConstExpr{Value: value.Int(1)}); len(got) != 0 {
		t.Errorf("Dependencies(const) = %v, want empty", got)
	}
}
