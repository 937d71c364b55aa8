package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stripe/pg-schema-deploy/pkg/log"
	"github.com/stripe/pg-schema-deploy/pkg/model"
	"github.com/stripe/pg-schema-deploy/pkg/pgadapter"
	"github.com/stripe/pg-schema-deploy/pkg/versionhistory"
)

func buildPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the statements apply would issue, without changing the database",
		Long: "Print the statements apply would issue. If --dsn is set, the recorded versions are read from the" +
			" database; otherwise the plan is for a fresh database",
	}

	connFlags := createConnectionFlags(cmd, "Optional. The database whose recorded versions the plan starts from")
	mdlFlags := createModelFlags(cmd)
	histFlags := createHistoryFlags(cmd)
	routinesOnly := cmd.Flags().Bool("routines-only", false, "Only plan procedures and functions")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		logger := log.SimpleLogger()

		m, err := mdlFlags.load(logger)
		if err != nil {
			return err
		}
		historyOpt, err := histFlags.parse()
		if err != nil {
			return err
		}

		cmd.SilenceUsage = true

		history := versionhistory.NewInMemory()
		if connFlags.dsn != "" {
			if history, err = recordedHistory(cmd.Context(), connFlags, historyOpt); err != nil {
				return err
			}
		}

		statements, err := generatePlan(cmd.Context(), m, history, logger, *routinesOnly)
		if err != nil {
			return err
		}
		if len(statements) == 0 {
			cmdPrintln(cmd, "Every object is at its recorded version. No plan generated")
			return nil
		}

		hash, err := m.Hash()
		if err != nil {
			return err
		}
		cmdPrintf(cmd, "\n%s\n", header("Generated plan"))
		cmdPrintf(cmd, "Model %s: %d objects\n\n", hash, m.Len())
		cmdPrintln(cmd, planToPrettyS(statements))
		return nil
	}

	return cmd
}

// recordedHistory copies the database's version history into memory, so planning never writes to it
func recordedHistory(ctx context.Context, connFlags *connectionFlags, historyOpt versionhistory.SQLOpt) (*versionhistory.InMemory, error) {
	db, err := openDb(connFlags)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	sqlHistory := versionhistory.NewSQL(db, historyOpt)
	exists, err := sqlHistory.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return versionhistory.NewInMemory(), nil
	}
	records, err := sqlHistory.Records(ctx)
	if err != nil {
		return nil, err
	}
	return versionhistory.NewInMemory(records...), nil
}

// generatePlan applies the model to a dry-run adapter and returns the statements it was given
func generatePlan(ctx context.Context, m *model.PhysicalDataModel, history model.VersionHistory, logger log.Logger, routinesOnly bool) ([]string, error) {
	adapter := pgadapter.New(nil, pgadapter.WithDryRun(), pgadapter.WithLogger(logger))
	var err error
	if routinesOnly {
		err = m.ApplyProceduresAndFunctions(ctx, adapter, history)
	} else {
		err = m.ApplyWithHistory(ctx, adapter, history)
	}
	if err != nil {
		return nil, fmt.Errorf("generating plan: %w", err)
	}
	return adapter.Statements(), nil
}

func planToPrettyS(statements []string) string {
	var sb strings.Builder
	for i, stmt := range statements {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(fmt.Sprintf("%d. %s;", i+1, strings.TrimSuffix(strings.TrimSpace(stmt), ";")))
	}
	return sb.String()
}
