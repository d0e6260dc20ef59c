// Package test provides end-to-end integration tests exercising the
// full Graph -> Evaluator -> scheduler.Run -> stream path against the
// key end-to-end behaviors of the runtime.
package test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kristofer/loaf/pkg/cache"
	"github.com/kristofer/loaf/pkg/document"
	"github.com/kristofer/loaf/pkg/fetch"
	"github.com/kristofer/loaf/pkg/heap"
	"github.com/kristofer/loaf/pkg/scheduler"
	"github.com/kristofer/loaf/pkg/stream"
	"github.com/kristofer/loaf/pkg/vm"
)

func resolve(t *testing.T, docJSON string) (*scheduler.Graph, *document.Evaluator) {
	t.Helper()
	doc, err := document.Parse([]byte(docJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	graph := document.Graph(doc)
	c, err := cache.New(64, 1<<20, 1<<19)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	heaps := heap.NewManager(100000, 1000000)
	arena := heaps.CreateArena("integration")
	ev := document.NewEvaluator(doc, graph, heaps, arena, fetch.New(c), vm.Options{})
	return graph, ev
}

// TestForwardReferenceOrderIndependence: a document whose first
// binding references two declared after it still resolves correctly,
// regardless of declaration order.
func TestForwardReferenceOrderIndependence(t *testing.T) {
	graph, ev := resolve(t, `{"bindings": [
		{"name": "ab", "expr": {"op": "+", "lhs": {"ref": "a"}, "rhs": {"ref": "b"}}},
		{"name": "a", "expr": {"int": 1}},
		{"name": "b", "expr": {"int": 2}}
	]}`)
	if err := scheduler.Run(context.Background(), graph, ev); err != nil {
		t.Fatal(err)
	}
	ab, _ := graph.Lookup("ab")
	v, exc := ab.Result()
	if exc != nil {
		t.Fatal(exc)
	}
	if v.Int != 3 {
		t.Errorf("ab = %v, want 3", v)
	}
}

// TestDecimalFidelityThroughChainedAddition: 0.05 + 0.05 == 0.10
// exactly, and 0.05 + 0.10 == 0.15, never 0.15000000000000002.
func TestDecimalFidelityThroughChainedAddition(t *testing.T) {
	graph, ev := resolve(t, `{"bindings": [
		{"name": "nickel", "expr": {"decimal": "0.05"}},
		{"name": "dime", "expr": {"op": "+", "lhs": {"ref": "nickel"}, "rhs": {"ref": "nickel"}}},
		{"name": "total", "expr": {"op": "+", "lhs": {"ref": "nickel"}, "rhs": {"ref": "dime"}}}
	]}`)
	if err := scheduler.Run(context.Background(), graph, ev); err != nil {
		t.Fatal(err)
	}
	dime, _ := graph.Lookup("dime")
	total, _ := graph.Lookup("total")

	dv, _ := dime.Result()
	tv, _ := total.Result()
	dj, _ := dv.MarshalJSON()
	tj, _ := tv.MarshalJSON()
	if string(dj) != "0.10" {
		t.Errorf("dime = %s, want 0.10", dj)
	}
	if string(tj) != "0.15" {
		t.Errorf("total = %s, want 0.15", tj)
	}
}

// TestCircularDependencyNamesEveryNode: a
// three-node cycle is rejected and every participant is named.
func TestCircularDependencyNamesEveryNode(t *testing.T) {
	graph, ev := resolve(t, `{"bindings": [
		{"name": "a", "expr": {"op": "+", "lhs": {"ref": "b"}, "rhs": {"int": 1}}},
		{"name": "b", "expr": {"op": "+", "lhs": {"ref": "c"}, "rhs": {"int": 1}}},
		{"name": "c", "expr": {"op": "+", "lhs": {"ref": "a"}, "rhs": {"int": 1}}}
	]}`)
	err := scheduler.Run(context.Background(), graph, ev)
	cycleErr, ok := err.(*scheduler.CircularDependencyError)
	if !ok {
		t.Fatalf("expected *scheduler.CircularDependencyError, got %v", err)
	}
	if len(cycleErr.Names) != 3 {
		t.Fatalf("Names = %v, want 3 entries", cycleErr.Names)
	}
	for _, want := range []string{"a", "b", "c"} {
		found := false
		for _, got := range cycleErr.Names {
			if got == want {
				found = true
			}
		}
		if !found {
			t.Errorf("expected %q among cycle participants %v", want, cycleErr.Names)
		}
	}
}

// TestConcurrentFetchesRunInParallel: two
// independent fetch bindings are both in flight at the same observable
// moment, so total wall-clock is close to the slower one alone rather
// than their sum.
func TestConcurrentFetchesRunInParallel(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		w.Write([]byte(`{"v":1}`))
	}))
	defer slow.Close()
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(30 * time.Millisecond)
		w.Write([]byte(`{"v":2}`))
	}))
	defer fast.Close()

	docJSON := `{"bindings": [
		{"name": "a", "expr": {"fetch": {"method": "GET", "url": {"string": "` + slow.URL + `"}}}},
		{"name": "b", "expr": {"fetch": {"method": "GET", "url": {"string": "` + fast.URL + `"}}}}
	]}`
	graph, ev := resolve(t, docJSON)

	start := time.Now()
	if err := scheduler.Run(context.Background(), graph, ev); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)
	if elapsed > 250*time.Millisecond {
		t.Errorf("elapsed %v, want close to the slower fetch alone (~150ms), not the sum (~180ms serialized plus overhead)", elapsed)
	}
}

// TestStreamingEmitsOneFragmentPerBinding: a client that asks for
// streaming gets each binding (the fetched x and the constant label)
// as its own newline-delimited fragment, flushed as it settles.
func TestStreamingEmitsOneFragmentPerBinding(t *testing.T) {
	xSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"v":10}`))
	}))
	defer xSrv.Close()

	doc, err := document.Parse([]byte(`{"bindings": [
		{"name": "x", "expr": {"fetch": {"method": "GET", "url": {"string": "` + xSrv.URL + `"}}}},
		{"name": "label", "expr": {"string": "ok"}}
	]}`))
	if err != nil {
		t.Fatal(err)
	}
	graph := document.Graph(doc)
	c, err := cache.New(64, 1<<20, 1<<19)
	if err != nil {
		t.Fatal(err)
	}
	heaps := heap.NewManager(100000, 1000000)
	arena := heaps.CreateArena("s5")
	ev := document.NewEvaluator(doc, graph, heaps, arena, fetch.New(c), vm.Options{})

	var buf strings.Builder
	s := stream.New(&buf, true)
	if err := scheduler.Run(context.Background(), graph, ev, s.Observer()); err != nil {
		t.Fatal(err)
	}
	s.Close()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d fragments, want one per binding: %q", len(lines), buf.String())
	}
}
