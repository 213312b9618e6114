package main

import "testing"

func TestRunReturnsTerminalFailureExitCode(t *testing.T) {
	// run --medium is required on every subcommand; invoking `run` bare
	// without it should surface as a terminal failure (exit 1), not a
	// panic or a silent success.
	root := newRunCmd()
	root.SetArgs([]string{})
	if err := root.Execute(); err == nil {
		t.Fatal("Execute() with no --medium = nil error, want missing required flag error")
	}
}

func TestErrNothingToDoIsDistinctSentinel(t *testing.T) {
	if errNothingToDo == nil {
		t.Fatal("errNothingToDo must not be nil")
	}
	if errNothingToDo.Error() == "" {
		t.Error("errNothingToDo must carry a message")
	}
}
