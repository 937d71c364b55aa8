package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stripe/pg-schema-deploy/pkg/log"
)

func buildDistributeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "distribute",
		Short: "Apply the reference and distribution rules of the model to a Citus cluster",
	}

	connFlags := createConnectionFlags(cmd, "The Citus coordinator")
	mdlFlags := createModelFlags(cmd)
	adptFlags := createAdapterFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		logger := log.SimpleLogger()

		m, err := mdlFlags.load(logger)
		if err != nil {
			return err
		}
		if !adptFlags.citus {
			return fmt.Errorf("distribution rules can only be applied with --citus")
		}

		cmd.SilenceUsage = true

		db, err := openDb(connFlags)
		if err != nil {
			return err
		}
		defer db.Close()
		adapter, txProvider := adptFlags.build(db, logger)

		if err := m.ApplyDistributionRules(cmd.Context(), adapter, txProvider); err != nil {
			return err
		}
		cmdPrintln(cmd, "Distribution rules applied")
		return nil
	}

	return cmd
}
