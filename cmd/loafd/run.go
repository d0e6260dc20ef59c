package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kristofer/loaf/pkg/cache"
	"github.com/kristofer/loaf/pkg/document"
	"github.com/kristofer/loaf/pkg/fetch"
	"github.com/kristofer/loaf/pkg/heap"
	"github.com/kristofer/loaf/pkg/scheduler"
	"github.com/kristofer/loaf/pkg/stream"
	"github.com/kristofer/loaf/pkg/vm"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <document.json>",
		Short: "Resolve a document's binding graph once and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), args[0])
		},
	}
}

// runRun drives one offline resolution of doc: a throwaway arena,
// cache and fetch client standing in for the daemon's process-wide
// ones (a single run has no request fan-in to share them with).
func runRun(ctx context.Context, path string) error {
	doc, err := document.LoadFile(path)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	c, err := cache.New(256, 16<<20, 12<<20)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	heaps := heap.NewManager(100000, 1000000)
	arena := heaps.CreateArena(uuid.NewString())
	defer heaps.Release(arena)
	client := fetch.New(c)

	graph := document.Graph(doc)
	ev := document.NewEvaluator(doc, graph, heaps, arena, client, vm.Options{})

	s := stream.New(os.Stdout, false)
	if err := scheduler.Run(ctx, graph, ev, s.Observer()); err != nil {
		return err
	}
	return s.Close()
}
