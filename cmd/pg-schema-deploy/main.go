package main

import (
	"os"

	"github.com/spf13/cobra"
)

func buildRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pg-schema-deploy",
		Short: "Deploy a versioned schema model to a Postgres database",
	}
	cmd.AddCommand(buildApplyCmd())
	cmd.AddCommand(buildPlanCmd())
	cmd.AddCommand(buildDropCmd())
	cmd.AddCommand(buildGrantCmd())
	cmd.AddCommand(buildDistributeCmd())
	cmd.AddCommand(buildGraphCmd())
	cmd.AddCommand(buildVersionCmd())
	return cmd
}

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
