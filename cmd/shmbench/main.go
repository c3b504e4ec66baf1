// Command shmbench is a standalone harness exercising the core the way a
// real collaborator would: it spawns peers and hands them a coordinator
// name, covering spec.md §8's end-to-end scenarios as runnable
// subcommands. It is cobra-scaffolded exactly like the teacher's
// cmd/vcs/main.go.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if scenario := os.Getenv(envScenario); scenario != "" {
		runHiddenWorker(scenario)
		return
	}

	rootCmd := &cobra.Command{
		Use:     "shmbench",
		Short:   "Benchmarks and seed-test scenarios for the shmstm engine",
		Version: version,
	}

	rootCmd.AddCommand(
		newAccountsCommand(),
		newQueueCommand(),
		newCounterCommand(),
		newContendCommand(),
		newReclaimCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
