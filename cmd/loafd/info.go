package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print loafd build and runtime information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("loafd %s (%s/%s, %s)\n", version, runtime.GOOS, runtime.GOARCH, runtime.Version())
			fmt.Println("opcode set: NOP..ARRAYLENGTH (bit-exact crouton bytecode)")
			return nil
		},
	}
}
