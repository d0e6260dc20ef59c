package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kristofer/loaf/pkg/cache"
	"github.com/kristofer/loaf/pkg/document"
	"github.com/kristofer/loaf/pkg/fetch"
	"github.com/kristofer/loaf/pkg/heap"
	"github.com/kristofer/loaf/pkg/scheduler"
	"github.com/kristofer/loaf/pkg/value"
	"github.com/kristofer/loaf/pkg/vm"
)

// testCase is the test-runner's input: a document plus the expected
// value of each binding it resolves to.
type testCase struct {
	Document string                     `json:"document"`
	Expect   map[string]json.RawMessage `json:"expect"`
}

func newTestCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run every *.test.json case in a directory and compare resolved bindings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(cmd.Context(), dir)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "./testdata", "directory of *.test.json cases")
	return cmd
}

func runTests(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return newCompileError("test: reading %s: %w", dir, err)
	}

	total, failed := 0, 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".test.json") {
			continue
		}
		total++
		name := e.Name()
		if err := runOneTest(ctx, filepath.Join(dir, name)); err != nil {
			failed++
			fmt.Printf("FAIL %s: %v\n", name, err)
			continue
		}
		fmt.Printf("PASS %s\n", name)
	}

	fmt.Printf("loafd: %d/%d passed\n", total-failed, total)
	if failed > 0 {
		return newTestFailureError("%d of %d test case(s) failed", failed, total)
	}
	return nil
}

func runOneTest(ctx context.Context, casePath string) error {
	raw, err := os.ReadFile(casePath)
	if err != nil {
		return err
	}
	var tc testCase
	if err := json.Unmarshal(raw, &tc); err != nil {
		return fmt.Errorf("invalid test case: %w", err)
	}

	docPath := tc.Document
	if !filepath.IsAbs(docPath) {
		docPath = filepath.Join(filepath.Dir(casePath), docPath)
	}
	doc, err := document.LoadFile(docPath)
	if err != nil {
		return err
	}

	c, err := cache.New(256, 16<<20, 12<<20)
	if err != nil {
		return err
	}
	heaps := heap.NewManager(100000, 1000000)
	arena := heaps.CreateArena(uuid.NewString())
	defer heaps.Release(arena)

	graph := document.Graph(doc)
	ev := document.NewEvaluator(doc, graph, heaps, arena, fetch.New(c), vm.Options{})
	if err := scheduler.Run(ctx, graph, ev); err != nil {
		return err
	}

	for name, wantRaw := range tc.Expect {
		b, ok := graph.Lookup(name)
		if !ok {
			return fmt.Errorf("no such binding %q", name)
		}
		got, exc := b.Result()
		if exc != nil {
			return fmt.Errorf("binding %q failed: %v", name, exc)
		}
		if err := assertEqual(name, got, wantRaw); err != nil {
			return err
		}
	}
	return nil
}

// assertEqual compares a resolved Value against an arbitrary expected
// JSON literal by marshaling both sides to the same in-memory shape and
// deep-comparing — the expect file is plain JSON, not a wireExpr.
func assertEqual(name string, got value.Value, wantRaw json.RawMessage) error {
	gotJSON, err := got.MarshalJSON()
	if err != nil {
		return fmt.Errorf("binding %q: marshaling result: %w", name, err)
	}
	var gotAny, wantAny interface{}
	if err := json.Unmarshal(gotJSON, &gotAny); err != nil {
		return err
	}
	if err := json.Unmarshal(wantRaw, &wantAny); err != nil {
		return err
	}
	if !reflect.DeepEqual(gotAny, wantAny) {
		return fmt.Errorf("binding %q: got %s, want %s", name, gotJSON, wantRaw)
	}
	return nil
}
