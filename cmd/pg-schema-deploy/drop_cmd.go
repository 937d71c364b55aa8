package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stripe/pg-schema-deploy/pkg/log"
)

func buildDropCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Drop the objects of the model in reverse order",
	}

	connFlags := createConnectionFlags(cmd, "The database to drop the objects from")
	mdlFlags := createModelFlags(cmd)
	adptFlags := createAdapterFlags(cmd)
	tag := cmd.Flags().String("tag", "", "Only drop the objects with this tag, as a logfmt pair (example: --tag env=staging)")
	splitTransactions := cmd.Flags().Bool("split-transactions", false,
		"Drop each object in its own transaction. Otherwise every drop runs in a single transaction")
	skipConfirmPrompt := cmd.Flags().Bool("skip-confirm-prompt", false, "Skips prompt asking for user to confirm before dropping")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		logger := log.SimpleLogger()
		ctx := cmd.Context()

		m, err := mdlFlags.load(logger)
		if err != nil {
			return err
		}
		filter, err := parseTagFilter(*tag)
		if err != nil {
			return err
		}

		cmd.SilenceUsage = true

		if err := confirm(*skipConfirmPrompt, fmt.Sprintf("Drop %s?", filter)); err != nil {
			return err
		}

		db, err := openDb(connFlags)
		if err != nil {
			return err
		}
		defer db.Close()
		adapter, txProvider := adptFlags.build(db, logger)

		if *splitTransactions {
			err = m.DropSplitTransaction(ctx, adapter, txProvider, filter.group, filter.value)
		} else {
			err = m.DropInTransaction(ctx, adapter, txProvider, filter.group, filter.value)
		}
		if err != nil {
			return err
		}
		cmdPrintf(cmd, "Dropped %s\n", filter)
		return nil
	}

	return cmd
}
