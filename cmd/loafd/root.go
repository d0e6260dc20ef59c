package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kristofer/loaf/pkg/logging"
)

const version = "0.1.0"

// exit codes: 0 success, 1 compile error, 2 test failure, 3
// runtime error.
const (
	exitOK           = 0
	exitCompileError = 1
	exitTestFailure  = 2
	exitRuntimeError = 3
)

var logLevel string

// Execute builds the command tree and runs it, returning the process
// exit code rather than calling os.Exit itself so main stays a
// one-liner.
func Execute() int {
	root := &cobra.Command{
		Use:           "loafd",
		Short:         "loaf runtime daemon and compiler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newCompileCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newServerCmd())
	root.AddCommand(newTestCmd())
	root.AddCommand(newInfoCmd())

	code := exitOK
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "loafd:", err)
		code = exitFromError(err)
	}
	return code
}

// exitFromError maps a command failure to an exit code. Each
// subcommand wraps its error in the matching sentinel type before
// returning it; anything else is an unexpected runtime error.
func exitFromError(err error) int {
	switch err.(type) {
	case *compileError:
		return exitCompileError
	case *testFailureError:
		return exitTestFailure
	default:
		return exitRuntimeError
	}
}

func rootLogger(component string) zerolog.Logger {
	return logging.Default(logLevel, component)
}
