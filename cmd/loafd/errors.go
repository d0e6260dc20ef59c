package main

import "fmt"

// compileError wraps any failure to parse or lower a document, mapped
// to exit code 1.
type compileError struct{ err error }

func (e *compileError) Error() string { return e.err.Error() }
func (e *compileError) Unwrap() error { return e.err }

func newCompileError(format string, args ...interface{}) *compileError {
	return &compileError{err: fmt.Errorf(format, args...)}
}

// testFailureError wraps a failing test-document run, mapped to exit
// code 2 (as distinct from a 3: runtime error in a document that was
// never meant to fail).
type testFailureError struct{ err error }

func (e *testFailureError) Error() string { return e.err.Error() }
func (e *testFailureError) Unwrap() error { return e.err }

func newTestFailureError(format string, args ...interface{}) *testFailureError {
	return &testFailureError{err: fmt.Errorf(format, args...)}
}
