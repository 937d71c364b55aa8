package main

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/stripe/pg-schema-deploy/pkg/log"
	"github.com/stripe/pg-schema-deploy/pkg/model"
	"github.com/stripe/pg-schema-deploy/pkg/pgadapter"
	"github.com/stripe/pg-schema-deploy/pkg/task"
	"github.com/stripe/pg-schema-deploy/pkg/txn"
	"github.com/stripe/pg-schema-deploy/pkg/versionhistory"
)

type adapterFlags struct {
	citus              bool
	tablespaceLocation string
	lockTimeout        time.Duration
}

func createAdapterFlags(cmd *cobra.Command) *adapterFlags {
	var f adapterFlags
	cmd.Flags().BoolVar(&f.citus, "citus", false, "Target a Citus cluster: apply reference and distribution rules")
	cmd.Flags().StringVar(&f.tablespaceLocation, "tablespace-location", "/var/lib/postgresql/tablespaces",
		"Directory on the database host under which tablespace directories are created")
	cmd.Flags().DurationVar(&f.lockTimeout, "lock-timeout", 0,
		"Lock timeout of each transaction (example: --lock-timeout 5s). 0 uses the server's setting")
	return &f
}

func (f *adapterFlags) build(db *sql.DB, logger log.Logger, extra ...pgadapter.Opt) (*pgadapter.Adapter, *txn.Provider) {
	opts := []pgadapter.Opt{pgadapter.WithLogger(logger), pgadapter.WithTablespaceLocation(f.tablespaceLocation)}
	if f.citus {
		opts = append(opts, pgadapter.WithCitus())
	}
	var txOpts []txn.ProviderOpt
	if f.lockTimeout > 0 {
		txOpts = append(txOpts, txn.WithLockTimeout(f.lockTimeout))
	}
	return pgadapter.New(db, append(opts, extra...)...), txn.NewProvider(db, txOpts...)
}

func buildApplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply every object of the model whose version is not yet recorded in the database",
	}

	connFlags := createConnectionFlags(cmd, "The database to deploy to")
	mdlFlags := createModelFlags(cmd)
	histFlags := createHistoryFlags(cmd)
	adptFlags := createAdapterFlags(cmd)
	parallelism := cmd.Flags().Int("parallel", 0,
		"Apply independent objects concurrently with up to this many workers, each object in its own transaction."+
			" 0 applies the objects one after the other in model order, each in its own transaction")
	routinesOnly := cmd.Flags().Bool("routines-only", false, "Only re-issue procedures and functions")
	skipConfirmPrompt := cmd.Flags().Bool("skip-confirm-prompt", false, "Skips prompt asking for user to confirm before applying")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		logger := log.SimpleLogger()
		ctx := cmd.Context()

		m, err := mdlFlags.load(logger)
		if err != nil {
			return err
		}
		historyOpt, err := histFlags.parse()
		if err != nil {
			return err
		}

		cmd.SilenceUsage = true

		db, err := openDb(connFlags)
		if err != nil {
			return err
		}
		defer db.Close()

		adapter, txProvider := adptFlags.build(db, logger)
		history := versionhistory.NewSQL(db, historyOpt)
		if err := history.CreateTableIfNeeded(ctx); err != nil {
			return err
		}
		if err := history.Init(ctx); err != nil {
			return err
		}
		for _, schema := range modelSchemas(m) {
			if err := adapter.EnsureSchema(ctx, schema); err != nil {
				return err
			}
		}

		pending := pendingObjects(m, history)
		cmdPrintln(cmd, header("Review pending objects"))
		for _, obj := range pending {
			cmdPrintf(cmd, "%s (recorded version %d)\n", obj.TaskID(),
				history.GetVersion(obj.Identity().Schema, obj.Identity().Kind, obj.Identity().Name))
		}
		cmdPrintln(cmd)
		if err := confirm(*skipConfirmPrompt, fmt.Sprintf("Apply %d objects?", len(pending))); err != nil {
			return err
		}

		start := time.Now()
		switch {
		case *routinesOnly:
			err = m.ApplyProceduresAndFunctionsInTransactions(ctx, adapter, txProvider, history)
		case *parallelism > 0:
			collector := task.NewCollector(task.WithParallelism(*parallelism), task.WithLogger(logger))
			if _, err := m.Collect(ctx, collector, adapter, txProvider, history); err != nil {
				return err
			}
			cmdPrintf(cmd, "Run %s: %d task groups\n", collector.RunID(), collector.Len())
			err = collector.StartAndWait(ctx)
			if failed := collector.FailedTaskGroups(); len(failed) > 0 {
				cmdPrintln(cmd, header("Failed task groups"))
				cmdPrintln(cmd, strings.Join(failed, "\n"))
			}
		default:
			err = m.ApplyWithHistoryInTransactions(ctx, adapter, txProvider, history)
		}
		if err != nil {
			return err
		}

		if adptFlags.citus && m.IsDistributed() {
			if err := m.ApplyDistributionRules(ctx, adapter, txProvider); err != nil {
				return err
			}
		}
		cmdPrintln(cmd, header("Complete"))
		cmdPrintf(cmd, "Schema applied successfully. Duration: %s\n", time.Since(start))
		return nil
	}

	return cmd
}

// modelSchemas returns the distinct schemas of the model's objects, sorted
func modelSchemas(m *model.PhysicalDataModel) []string {
	seen := make(map[string]bool)
	var schemas []string
	for _, obj := range m.Objects() {
		schema := obj.Identity().Schema
		if schema == "" || seen[schema] {
			continue
		}
		seen[schema] = true
		schemas = append(schemas, schema)
	}
	sort.Strings(schemas)
	return schemas
}

// pendingObjects returns the objects apply will issue statements for, in model order
func pendingObjects(m *model.PhysicalDataModel, history model.VersionHistory) []model.SchemaObject {
	var pending []model.SchemaObject
	for _, obj := range m.Objects() {
		id := obj.Identity()
		if id.Kind.IsRoutine() || history.Applies(id.Schema, id.Kind, id.Name, obj.Version()) {
			pending = append(pending, obj)
		}
	}
	return pending
}
