package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kristofer/loaf/pkg/crouton"
	"github.com/kristofer/loaf/pkg/document"
)

func newCompileCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "compile <document.json>",
		Short: "Lower a document's opcode-expressible bindings to crouton bytecode files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(args[0], outDir)
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory for .crouton files")
	return cmd
}

// runCompile compiles every binding whose Expr is opcode-expressible
// (document.Compilable) into its own crouton file named <binding>.crouton
// under outDir. Bindings that fall back to the tree walker (object/
// member/template forms) are reported but not an error — compile
// only fails on a malformed document or a genuine lowering failure.
func runCompile(path, outDir string) error {
	doc, err := document.LoadFile(path)
	if err != nil {
		return newCompileError("compile: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return newCompileError("compile: creating %s: %w", outDir, err)
	}

	compiled, skipped := 0, 0
	for _, b := range doc.Bindings {
		if _, ok := b.Expr.(document.FetchExpr); ok {
			skipped++
			continue
		}
		if !document.Compilable(b.Expr) {
			skipped++
			fmt.Printf("loafd: %s: tree-walked (no opcode form)\n", b.Name)
			continue
		}
		mod, _, err := document.Compile(b.Name, b.Expr)
		if err != nil {
			return newCompileError("compile: binding %q: %w", b.Name, err)
		}
		outPath := filepath.Join(outDir, b.Name+".crouton")
		f, err := os.Create(outPath)
		if err != nil {
			return newCompileError("compile: %w", err)
		}
		err = crouton.Encode(mod, f)
		closeErr := f.Close()
		if err != nil {
			return newCompileError("compile: encoding %s: %w", outPath, err)
		}
		if closeErr != nil {
			return newCompileError("compile: %w", closeErr)
		}
		compiled++
	}
	fmt.Printf("loafd: compiled %d binding(s), %d tree-walked, into %s\n", compiled, skipped, outDir)
	return nil
}
