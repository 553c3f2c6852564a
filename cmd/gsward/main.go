package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and wires every subcommand.
func buildRoot() *cobra.Command {
	serveFlags := &ServeFlags{}
	statusFlags := &StatusFlags{}
	updateFlags := &OpFlags{}
	backupFlags := &OpFlags{}
	validateFlags := &ValidateFlags{}

	root := &cobra.Command{
		Use:   "gsward",
		Short: "Game server supervision daemon",
		Long: `Gsward keeps dedicated game servers alive, updated, and backed up.
It restarts crashed processes, runs scheduled update checks through an
external oracle command, and archives save data with retention pruning.

Examples:
  gsward serve --config=gsward.toml
  gsward status --config=gsward.toml
  gsward update --config=gsward.toml --name=valheim
  gsward backup --config=gsward.toml --name=valheim`,
	}

	root.AddCommand(
		createServeCommand(serveFlags),
		createValidateCommand(validateFlags),
		createStatusCommand(statusFlags),
		createUpdateCommand(updateFlags),
		createBackupCommand(backupFlags),
	)
	return root
}
