package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stripe/pg-schema-deploy/pkg/log"
)

func buildGrantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant the privileges of a privilege group to a database user",
	}

	connFlags := createConnectionFlags(cmd, "The database to grant privileges in")
	mdlFlags := createModelFlags(cmd)
	group := cmd.Flags().String("group", "", "The privilege group declared in the model (example: --group reader)")
	user := cmd.Flags().String("user", "", "The database role receiving the privileges")
	routinesOnly := cmd.Flags().Bool("routines-only", false, "Only grant privileges on procedures and functions")
	_ = cmd.MarkFlagRequired("group")
	_ = cmd.MarkFlagRequired("user")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		logger := log.SimpleLogger()
		ctx := cmd.Context()

		m, err := mdlFlags.load(logger)
		if err != nil {
			return err
		}

		cmd.SilenceUsage = true

		db, err := openDb(connFlags)
		if err != nil {
			return err
		}
		defer db.Close()
		adapter, _ := (&adapterFlags{}).build(db, logger)

		if *routinesOnly {
			err = m.ApplyProcedureAndFunctionGrants(ctx, adapter, *group, *user)
		} else {
			err = m.ApplyGrants(ctx, adapter, *group, *user)
		}
		if err != nil {
			return fmt.Errorf("granting %s to %s: %w", *group, *user, err)
		}
		cmdPrintf(cmd, "Granted %s to %s\n", *group, *user)
		return nil
	}

	return cmd
}
