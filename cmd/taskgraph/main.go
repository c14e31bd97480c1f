// Command taskgraph is the operator CLI for C5 (scheduler core): it
// enqueues compiled templates, drives ticks, and exposes the approval/
// retry/cancel decisions an operator makes over a job store (spec.md
// §6). The hidden `__workflow-node` subcommand is C6's process entry and
// is never added to cobra's visible command tree.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeForError(err))
	}
}

func newRootCommand() *cobra.Command {
	var repoFlag string
	var jsonFlag bool
	var logLevelFlag string

	root := &cobra.Command{
		Use:           "taskgraph",
		Short:         "Job scheduler and workflow-template runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&repoFlag, "repo", "", "repository root (defaults to cwd)")
	root.PersistentFlags().BoolVar(&jsonFlag, "json", false, "emit outcome.v1 JSON on stdout")
	root.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "log level: debug|info|warn|error|disabled")

	root.AddCommand(
		newEnqueueCommand(&jsonFlag),
		newTickCommand(&jsonFlag),
		newApproveCommand(&jsonFlag),
		newRejectCommand(&jsonFlag),
		newCancelCommand(&jsonFlag),
		newRetryCommand(&jsonFlag),
		newWatchCommand(&repoFlag),
		newWorkflowNodeCommand(),
	)
	return root
}

// exitCodeForError is main's last-resort mapping for errors that never
// reached a renderOutcome call (argument parsing, repo discovery).
func exitCodeForError(err error) int {
	if err == nil {
		return exitSuccess
	}
	return exitInvalidInput
}
