package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

// run builds and executes the root command, translating its outcome into
// the engine's exit-code convention: 0 success, 1 terminal failure, 2
// "nothing to do" (signaled by a subcommand returning errNothingToDo).
func run() int {
	root := &cobra.Command{
		Use:          "copyengine",
		Short:        "Claim, hash, and archive inodes from a forensic medium",
		Version:      version + " (" + commit + ")",
		SilenceUsage: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newReconcileCmd())
	root.AddCommand(newResetRetryableCmd())

	if err := root.Execute(); err != nil {
		if err == errNothingToDo {
			return 2
		}
		return 1
	}
	return 0
}
