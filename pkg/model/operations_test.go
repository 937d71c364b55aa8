package model_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/pg-schema-deploy/pkg/model"
	"github.com/stripe/pg-schema-deploy/pkg/task"
	"github.com/stripe/pg-schema-deploy/pkg/versionhistory"
)

func deadlock() error {
	return &model.LockError{Deadlock: true, Err: errors.New("40P01")}
}

// provisioningModel is a tablespace TS, a table T1 stored in TS, and a table T2 with a foreign key to T1
func provisioningModel(t *testing.T) *model.PhysicalDataModel {
	m := newModel()
	ts := model.NewTablespace("ts", 1, 64)
	t1 := mustTable(t, model.NewTableBuilder("app", "t1", 1).
		AddBigIntColumn("id", false).
		SetPrimaryKey("t1_pk", "id").
		SetTablespace(ts))
	t2 := mustTable(t, model.NewTableBuilder("app", "t2", 1).
		AddBigIntColumn("id", false).
		AddBigIntColumn("t1_id", false).
		SetPrimaryKey("t2_pk", "id").
		AddForeignKeyConstraint(model.ForeignKeyConstraint{
			Name:          "t2_t1_fk",
			Columns:       []string{"t1_id"},
			TargetTable:   "t1",
			TargetColumns: []string{"id"},
		}))
	require.NoError(t, m.AddObjects(ts, t1, t2))
	return m
}

func routines(t *testing.T, m *model.PhysicalDataModel, version int) {
	proc := model.NewProcedureDef("app", "purge", version, model.StaticDefinition("CREATE PROCEDURE app.purge() ..."))
	fn := model.NewFunctionDef("app", "total", version, model.StaticDefinition("CREATE OR REPLACE FUNCTION app.total() ..."), 0)
	require.NoError(t, m.AddObjects(proc, fn))
}

func TestApplyWithHistory_FreshProvisioning(t *testing.T) {
	m := provisioningModel(t)
	adapter := newRecordingAdapter()
	history := versionhistory.NewInMemory()

	require.NoError(t, m.ApplyWithHistory(context.Background(), adapter, history))
	assert.Equal(t, []string{
		"CreateTablespace ts",
		"CreateTable app.t1@ts",
		"CreateTable app.t2",
		"CreateForeignKeyConstraint app.t2.t2_t1_fk",
	}, adapter.Calls())
	assert.Equal(t, []versionhistory.Record{
		{Schema: "", Kind: model.KindTablespace, Name: "ts", Version: 1},
		{Schema: "app", Kind: model.KindTable, Name: "t1", Version: 1},
		{Schema: "app", Kind: model.KindTable, Name: "t2", Version: 1},
	}, history.Records())
}

func TestApplyWithHistory_IdempotentReapply(t *testing.T) {
	m := provisioningModel(t)
	routines(t, m, 1)
	history := versionhistory.NewInMemory()
	require.NoError(t, m.ApplyWithHistory(context.Background(), newRecordingAdapter(), history))
	recorded := history.Records()

	adapter := newRecordingAdapter()
	require.NoError(t, m.ApplyWithHistory(context.Background(), adapter, history))
	// Only routines are re-issued
	assert.Equal(t, []string{
		"DropProcedure app.purge",
		"CreateOrReplaceProcedure app.purge",
		"CreateOrReplaceFunction app.total",
	}, adapter.Calls())
	assert.Equal(t, recorded, history.Records())
}

func TestApplyWithHistory_RoutineVersionIsRecordedOnce(t *testing.T) {
	m := newModel()
	routines(t, m, 2)
	history := versionhistory.NewInMemory(versionhistory.Record{Schema: "app", Kind: model.KindFunction, Name: "total", Version: 1})

	require.NoError(t, m.ApplyWithHistory(context.Background(), newRecordingAdapter(), history))
	assert.Equal(t, 2, history.GetVersion("app", model.KindFunction, "total"))
	assert.Equal(t, 2, history.GetVersion("app", model.KindProcedure, "purge"))
}

func TestApplyWithHistory_OnlyNewVersionsApply(t *testing.T) {
	m := newModel()
	seq := model.NewSequence("app", "ids", 1, model.SequenceOptions{})
	require.NoError(t, m.AddObjects(idTable(t, "users", 3), seq))
	history := versionhistory.NewInMemory(
		versionhistory.Record{Schema: "app", Kind: model.KindTable, Name: "users", Version: 3},
		versionhistory.Record{Schema: "app", Kind: model.KindSequence, Name: "ids", Version: 5},
	)

	adapter := newRecordingAdapter()
	require.NoError(t, m.ApplyWithHistory(context.Background(), adapter, history))
	assert.Empty(t, adapter.Calls())
	// A recorded version ahead of the model is never lowered
	assert.Equal(t, 5, history.GetVersion("app", model.KindSequence, "ids"))
}

func TestApplyWithHistory_StopsAtFirstError(t *testing.T) {
	m := provisioningModel(t)
	adapter := newRecordingAdapter()
	adapter.failNext("CreateTable app.t1@ts", errors.New("disk full"))
	history := versionhistory.NewInMemory()

	err := m.ApplyWithHistory(context.Background(), adapter, history)
	assert.ErrorContains(t, err, "applying TABLE:app.t1:1")
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, []string{"CreateTablespace ts", "CreateTable app.t1@ts"}, adapter.Calls())
	assert.Equal(t, 1, history.GetVersion("", model.KindTablespace, "ts"))
	assert.Equal(t, 0, history.GetVersion("app", model.KindTable, "t1"))
}

func TestApply_IgnoresHistory(t *testing.T) {
	m := provisioningModel(t)
	hidden := model.NewView("app", "hidden", 1, "SELECT 1", false)
	require.NoError(t, m.AddObject(hidden))

	adapter := newRecordingAdapter()
	require.NoError(t, m.Apply(context.Background(), adapter))
	require.NoError(t, m.Apply(context.Background(), adapter))
	assert.Equal(t, 2, adapter.count("CreateTable app.t2"))
	assert.Equal(t, 0, adapter.count("CreateOrReplaceView app.hidden"))
}

func TestApplyProceduresAndFunctions(t *testing.T) {
	m := provisioningModel(t)
	routines(t, m, 1)
	adapter := newRecordingAdapter()
	require.NoError(t, m.ApplyProceduresAndFunctions(context.Background(), adapter, versionhistory.NewInMemory()))
	assert.Equal(t, []string{
		"DropProcedure app.purge",
		"CreateOrReplaceProcedure app.purge",
		"CreateOrReplaceFunction app.total",
	}, adapter.Calls())
}

func TestProcedureApply_MissingProcedureIsRecreated(t *testing.T) {
	proc := model.NewProcedureDef("app", "purge", 1, model.StaticDefinition("CREATE PROCEDURE app.purge() ..."))
	adapter := newRecordingAdapter()
	adapter.failNext("DropProcedure app.purge", &model.UndefinedNameError{Name: "app.purge", Err: errors.New("42883")})
	require.NoError(t, proc.Apply(context.Background(), adapter))
	assert.Equal(t, []string{"DropProcedure app.purge", "CreateOrReplaceProcedure app.purge"}, adapter.Calls())
}

func TestRoutineDefinitionError(t *testing.T) {
	fn := model.NewFunctionDef("app", "total", 1, func() (string, error) {
		return "", errors.New("template: missing key")
	}, 0)
	adapter := newRecordingAdapter()
	assert.ErrorContains(t, fn.Apply(context.Background(), adapter), "template: missing key")
	assert.Empty(t, adapter.Calls())
}

func collectAndRun(t *testing.T, m *model.PhysicalDataModel, adapter model.SchemaAdapter, txProvider model.TransactionProvider, history model.VersionHistory) (*sequentialCollector, error) {
	collector := newSequentialCollector()
	groups, err := m.Collect(context.Background(), collector, adapter, txProvider, history)
	require.NoError(t, err)
	for _, g := range groups {
		if err := collector.run(context.Background(), g.(*sequentialGroup)); err != nil {
			return collector, err
		}
	}
	return collector, nil
}

func TestCollect_LockRetry(t *testing.T) {
	for _, tc := range []struct {
		name            string
		failures        int
		expectedErr     bool
		expectedCommits int
	}{
		{name: "succeeds on last attempt", failures: 9, expectedCommits: 1},
		{name: "gives up after ten attempts", failures: 10, expectedErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newModel()
			require.NoError(t, m.AddObject(idTable(t, "t1", 1)))

			adapter := newRecordingAdapter()
			for i := 0; i < tc.failures; i++ {
				adapter.failNext("CreateTable app.t1", deadlock())
			}
			txProvider := &fakeTxProvider{}
			history := versionhistory.NewInMemory()

			_, err := collectAndRun(t, m, adapter, txProvider, history)
			assert.Equal(t, 10, adapter.count("CreateTable app.t1"))
			opened, committed, rolledBack := txProvider.counts()
			assert.Equal(t, 10, opened)
			assert.Equal(t, tc.expectedCommits, committed)
			assert.Equal(t, tc.failures, rolledBack)
			if tc.expectedErr {
				assert.True(t, model.IsLockError(err))
				assert.ErrorContains(t, err, "giving up after 10 attempts")
				assert.Equal(t, 0, history.GetVersion("app", model.KindTable, "t1"))
			} else {
				require.NoError(t, err)
				assert.Equal(t, 1, history.GetVersion("app", model.KindTable, "t1"))
			}
		})
	}
}

func TestCollect_LockTimeoutIsRetried(t *testing.T) {
	m := newModel()
	require.NoError(t, m.AddObject(idTable(t, "t1", 1)))
	adapter := newRecordingAdapter()
	adapter.failNext("CreateTable app.t1", &model.LockError{Err: errors.New("55P03")})

	_, err := collectAndRun(t, m, adapter, &fakeTxProvider{}, versionhistory.NewInMemory())
	require.NoError(t, err)
	assert.Equal(t, 2, adapter.count("CreateTable app.t1"))
}

func TestCollect_OtherErrorsAreNotRetried(t *testing.T) {
	m := newModel()
	require.NoError(t, m.AddObject(idTable(t, "t1", 1)))
	adapter := newRecordingAdapter()
	adapter.failNext("CreateTable app.t1", errors.New("permission denied"))
	txProvider := &fakeTxProvider{}

	_, err := collectAndRun(t, m, adapter, txProvider, versionhistory.NewInMemory())
	assert.ErrorContains(t, err, "permission denied")
	assert.False(t, model.IsLockError(err))
	assert.Equal(t, 1, adapter.count("CreateTable app.t1"))
	opened, committed, rolledBack := txProvider.counts()
	assert.Equal(t, []int{1, 0, 1}, []int{opened, committed, rolledBack})
}

func TestCollect_TransactionOpenError(t *testing.T) {
	m := newModel()
	require.NoError(t, m.AddObject(idTable(t, "t1", 1)))
	adapter := newRecordingAdapter()

	_, err := collectAndRun(t, m, adapter, &fakeTxProvider{failOpenErr: errors.New("too many connections")}, versionhistory.NewInMemory())
	assert.ErrorContains(t, err, "opening transaction")
	assert.Empty(t, adapter.Calls())
}

func TestCollect_EachObjectInItsOwnTransaction(t *testing.T) {
	m := provisioningModel(t)
	adapter := newRecordingAdapter()
	_, err := collectAndRun(t, m, adapter, &fakeTxProvider{}, versionhistory.NewInMemory())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"CreateTablespace ts",
		"CreateTable app.t1@ts",
		"CreateTable app.t2",
		"CreateForeignKeyConstraint app.t2.t2_t1_fk",
	}, adapter.Calls())
	assert.Equal(t, []int{1}, adapter.txByCall["CreateTablespace ts"])
	assert.Equal(t, []int{2}, adapter.txByCall["CreateTable app.t1@ts"])
	assert.Equal(t, []int{3}, adapter.txByCall["CreateTable app.t2"])
	assert.Equal(t, []int{3}, adapter.txByCall["CreateForeignKeyConstraint app.t2.t2_t1_fk"])
}

func diamondModel(t *testing.T) (*model.PhysicalDataModel, [4]model.SchemaObject) {
	m := newModel()
	a := model.NewSequence("app", "a", 1, model.SequenceOptions{})
	b := model.NewSequence("app", "b", 1, model.SequenceOptions{})
	b.AddDependencies(a)
	c := model.NewSequence("app", "c", 1, model.SequenceOptions{})
	c.AddDependencies(a)
	d := model.NewSequence("app", "d", 1, model.SequenceOptions{})
	d.AddDependencies(b, c)
	require.NoError(t, m.AddObjects(a, b, c, d))
	return m, [4]model.SchemaObject{a, b, c, d}
}

func TestCollect_Diamond(t *testing.T) {
	m, objs := diamondModel(t)
	a, b, c, d := objs[0], objs[1], objs[2], objs[3]
	collector := newSequentialCollector()
	groups, err := m.Collect(context.Background(), collector, newRecordingAdapter(), &fakeTxProvider{}, versionhistory.NewInMemory())
	require.NoError(t, err)

	require.Len(t, groups, 4)
	for i, obj := range objs {
		assert.Equal(t, obj.TaskID(), groups[i].TaskID())
	}
	// The shared dependency is registered once, before its dependents
	assert.Equal(t, []string{a.TaskID(), b.TaskID(), c.TaskID(), d.TaskID()}, collector.order)
	assert.Empty(t, collector.childIDs(a.TaskID()))
	assert.Equal(t, []string{a.TaskID()}, collector.childIDs(b.TaskID()))
	assert.Equal(t, []string{a.TaskID()}, collector.childIDs(c.TaskID()))
	assert.Equal(t, []string{b.TaskID(), c.TaskID()}, collector.childIDs(d.TaskID()))
}

func TestCollect_ParallelRunRespectsDependencies(t *testing.T) {
	for _, parallelism := range []int{1, 4} {
		t.Run(fmt.Sprintf("parallelism %d", parallelism), func(t *testing.T) {
			m, _ := diamondModel(t)
			adapter := newRecordingAdapter()
			history := versionhistory.NewInMemory()
			collector := task.NewCollector(task.WithParallelism(parallelism))

			_, err := m.Collect(context.Background(), collector, adapter, &fakeTxProvider{}, history)
			require.NoError(t, err)
			require.NoError(t, collector.StartAndWait(context.Background()))
			assert.Empty(t, collector.FailedTaskGroups())

			a, b, c, d := adapter.indexOf("CreateSequence app.a"), adapter.indexOf("CreateSequence app.b"),
				adapter.indexOf("CreateSequence app.c"), adapter.indexOf("CreateSequence app.d")
			assert.Less(t, a, b)
			assert.Less(t, a, c)
			assert.Less(t, b, d)
			assert.Less(t, c, d)
			assert.Len(t, adapter.Calls(), 4)
			assert.Len(t, history.Records(), 4)
		})
	}
}

func TestCollect_FailedGroupSkipsDependents(t *testing.T) {
	m, _ := diamondModel(t)
	adapter := newRecordingAdapter()
	adapter.failNext("CreateSequence app.b", errors.New("boom"))
	collector := task.NewCollector(task.WithParallelism(2))

	_, err := m.Collect(context.Background(), collector, adapter, &fakeTxProvider{}, versionhistory.NewInMemory())
	require.NoError(t, err)
	err = collector.StartAndWait(context.Background())
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, -1, adapter.indexOf("CreateSequence app.d"))
	assert.NotEqual(t, -1, adapter.indexOf("CreateSequence app.c"))
	assert.Contains(t, collector.FailedTaskGroups(), "SEQUENCE:app.b:1")
}

func TestCollect_FederatedDependenciesGetNoTask(t *testing.T) {
	base := newModel()
	require.NoError(t, base.AddObject(idTable(t, "accounts", 1)))
	m := newModel()
	m.AddFederatedModel(base)
	view := model.NewView("app", "active_accounts", 1, "SELECT * FROM app.accounts", true)
	view.AddDependencyIdentities(model.NewIdentity(model.KindTable, "app", "accounts"))
	require.NoError(t, m.AddObject(view))

	adapter := newRecordingAdapter()
	collector, err := collectAndRun(t, m, adapter, &fakeTxProvider{}, versionhistory.NewInMemory())
	require.NoError(t, err)
	assert.Equal(t, []string{view.TaskID()}, collector.order)
	assert.Empty(t, collector.childIDs(view.TaskID()))
	assert.Equal(t, []string{"CreateOrReplaceView app.active_accounts"}, adapter.Calls())
}

func TestCollect_CycleDetected(t *testing.T) {
	m := newModel()
	x := model.NewNopObject("app", "x")
	y := model.NewNopObject("app", "y")
	y.AddDependencies(x)
	require.NoError(t, m.AddObjects(x, y))
	// Closing the cycle after the objects were added bypasses the build-time checks
	x.AddDependencies(y)

	_, err := m.Collect(context.Background(), newSequentialCollector(), newRecordingAdapter(), &fakeTxProvider{}, versionhistory.NewInMemory())
	assert.ErrorIs(t, err, model.ErrCycleDetected)
	assert.ErrorContains(t, err, "NOP:app.x -> NOP:app.y -> NOP:app.x")
}

func TestCollect_DoesNotExecute(t *testing.T) {
	m := provisioningModel(t)
	adapter := newRecordingAdapter()
	txProvider := &fakeTxProvider{}
	_, err := m.Collect(context.Background(), newSequentialCollector(), adapter, txProvider, versionhistory.NewInMemory())
	require.NoError(t, err)
	assert.Empty(t, adapter.Calls())
	opened, _, _ := txProvider.counts()
	assert.Zero(t, opened)
}

func taggedModel(t *testing.T) *model.PhysicalDataModel {
	m := newModel()
	a := idTable(t, "a", 1)
	a.AddTag("env", "prod")
	b := idTable(t, "b", 1)
	b.AddTag("env", "dev")
	c := idTable(t, "c", 1)
	c.AddTag("env", "prod")
	require.NoError(t, m.AddObjects(a, b, c))
	return m
}

func TestDrop(t *testing.T) {
	t.Run("reverse insertion order", func(t *testing.T) {
		m := provisioningModel(t)
		adapter := newRecordingAdapter()
		require.NoError(t, m.Drop(context.Background(), adapter, "", ""))
		assert.Equal(t, []string{"DropTable app.t2", "DropTable app.t1", "DropTablespace ts"}, adapter.Calls())
	})
	t.Run("tagged teardown", func(t *testing.T) {
		adapter := newRecordingAdapter()
		require.NoError(t, taggedModel(t).Drop(context.Background(), adapter, "env", "prod"))
		assert.Equal(t, []string{"DropTable app.c", "DropTable app.a"}, adapter.Calls())
	})
	t.Run("missing objects are skipped", func(t *testing.T) {
		adapter := newRecordingAdapter()
		adapter.failNext("DropTable app.c", &model.UndefinedNameError{Name: "app.c", Err: errors.New("42P01")})
		require.NoError(t, taggedModel(t).Drop(context.Background(), adapter, "", ""))
		assert.Equal(t, []string{"DropTable app.c", "DropTable app.b", "DropTable app.a"}, adapter.Calls())
	})
	t.Run("other errors stop the drop", func(t *testing.T) {
		adapter := newRecordingAdapter()
		adapter.failNext("DropTable app.b", errors.New("dependent objects still exist"))
		err := taggedModel(t).Drop(context.Background(), adapter, "", "")
		assert.ErrorContains(t, err, "dropping TABLE:app.b:1")
		assert.Equal(t, []string{"DropTable app.c", "DropTable app.b"}, adapter.Calls())
	})
	t.Run("views that are never created are still dropped", func(t *testing.T) {
		m := newModel()
		require.NoError(t, m.AddObject(model.NewView("app", "legacy", 1, "SELECT 1", false)))
		adapter := newRecordingAdapter()
		require.NoError(t, m.Drop(context.Background(), adapter, "", ""))
		assert.Equal(t, []string{"DropView app.legacy"}, adapter.Calls())
	})
}

func TestDropSplitTransaction(t *testing.T) {
	adapter := newRecordingAdapter()
	adapter.failNext("DropTable app.c", &model.UndefinedNameError{Name: "app.c", Err: errors.New("42P01")})
	txProvider := &fakeTxProvider{}

	require.NoError(t, taggedModel(t).DropSplitTransaction(context.Background(), adapter, txProvider, "env", "prod"))
	assert.Equal(t, []string{"DropTable app.c", "DropTable app.a"}, adapter.Calls())
	assert.Equal(t, []int{1}, adapter.txByCall["DropTable app.c"])
	assert.Equal(t, []int{2}, adapter.txByCall["DropTable app.a"])
	opened, committed, rolledBack := txProvider.counts()
	assert.Equal(t, []int{2, 1, 1}, []int{opened, committed, rolledBack})
}

func TestDropInTransaction(t *testing.T) {
	t.Run("every drop in one transaction", func(t *testing.T) {
		adapter := newRecordingAdapter()
		adapter.failNext("DropTable app.b", &model.UndefinedNameError{Name: "app.b", Err: errors.New("42P01")})
		txProvider := &fakeTxProvider{}

		require.NoError(t, taggedModel(t).DropInTransaction(context.Background(), adapter, txProvider, "", ""))
		assert.Equal(t, []string{"DropTable app.c", "DropTable app.b", "DropTable app.a"}, adapter.Calls())
		for _, call := range adapter.Calls() {
			assert.Equal(t, []int{1}, adapter.txByCall[call], call)
		}
		opened, committed, rolledBack := txProvider.counts()
		assert.Equal(t, []int{1, 1, 0}, []int{opened, committed, rolledBack})
	})

	t.Run("a failure rolls back the whole teardown", func(t *testing.T) {
		adapter := newRecordingAdapter()
		adapter.failNext("DropTable app.b", errors.New("permission denied"))
		txProvider := &fakeTxProvider{}

		err := taggedModel(t).DropInTransaction(context.Background(), adapter, txProvider, "", "")
		assert.ErrorContains(t, err, "dropping TABLE:app.b:1")
		assert.Equal(t, []string{"DropTable app.c", "DropTable app.b"}, adapter.Calls())
		opened, committed, rolledBack := txProvider.counts()
		assert.Equal(t, []int{1, 0, 1}, []int{opened, committed, rolledBack})
	})
}

func TestApplyWithHistoryInTransactions(t *testing.T) {
	m := provisioningModel(t)
	adapter := newRecordingAdapter()
	adapter.failNext("CreateTable app.t1@ts", deadlock())
	adapter.failNext("CreateForeignKeyConstraint app.t2.t2_t1_fk", errors.New("insufficient privilege"))
	txProvider := &fakeTxProvider{}
	history := versionhistory.NewInMemory()

	err := m.ApplyWithHistoryInTransactions(context.Background(), adapter, txProvider, history)
	assert.ErrorContains(t, err, "applying TABLE:app.t2:1")
	// t1 is retried after the deadlock; t2 is rolled back and left unrecorded
	assert.Equal(t, 2, adapter.count("CreateTable app.t1@ts"))
	assert.Equal(t, []versionhistory.Record{
		{Schema: "", Kind: model.KindTablespace, Name: "ts", Version: 1},
		{Schema: "app", Kind: model.KindTable, Name: "t1", Version: 1},
	}, history.Records())
	opened, committed, rolledBack := txProvider.counts()
	assert.Equal(t, []int{4, 2, 2}, []int{opened, committed, rolledBack})

	// A re-run picks up at the object that failed. Objects already current still get a transaction each
	rerun := newRecordingAdapter()
	require.NoError(t, m.ApplyWithHistoryInTransactions(context.Background(), rerun, txProvider, history))
	assert.Equal(t, []string{"CreateTable app.t2", "CreateForeignKeyConstraint app.t2.t2_t1_fk"}, rerun.Calls())
	assert.Equal(t, 1, history.GetVersion("app", model.KindTable, "t2"))
	for _, call := range rerun.Calls() {
		assert.Equal(t, []int{7}, rerun.txByCall[call], call)
	}
}

func TestApplyProceduresAndFunctionsInTransactions(t *testing.T) {
	m := provisioningModel(t)
	routines(t, m, 1)
	adapter := newRecordingAdapter()
	txProvider := &fakeTxProvider{}

	require.NoError(t, m.ApplyProceduresAndFunctionsInTransactions(context.Background(), adapter, txProvider, versionhistory.NewInMemory()))
	assert.Equal(t, []string{
		"DropProcedure app.purge",
		"CreateOrReplaceProcedure app.purge",
		"CreateOrReplaceFunction app.total",
	}, adapter.Calls())
	assert.Equal(t, []int{1}, adapter.txByCall["DropProcedure app.purge"])
	assert.Equal(t, []int{1}, adapter.txByCall["CreateOrReplaceProcedure app.purge"])
	assert.Equal(t, []int{2}, adapter.txByCall["CreateOrReplaceFunction app.total"])
}

type capturingLogger struct {
	mu    sync.Mutex
	infos []string
	warns []string
}

func (l *capturingLogger) Errorf(string, ...any) {}

func (l *capturingLogger) Warnf(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, fmt.Sprintf(msg, args...))
}

func (l *capturingLogger) Infof(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, fmt.Sprintf(msg, args...))
}

func TestApplyDistributionRules(t *testing.T) {
	logger := &capturingLogger{}
	m := newModel(model.WithDistributed(), model.WithLogger(logger))
	// Sharded before reference in insertion order; the passes still put reference rules first
	orders := mustTable(t, model.NewTableBuilder("app", "orders", 1).
		AddBigIntColumn("id", false).
		AddBigIntColumn("tenant_id", false).
		SetDistribution(model.Distribution{Type: model.DistributionDistributed, Column: "tenant_id"}))
	countries := mustTable(t, model.NewTableBuilder("app", "countries", 1).
		AddVarcharColumn("code", 2, false).
		SetDistribution(model.Distribution{Type: model.DistributionReference}))
	local := idTable(t, "local", 1)
	fn := model.NewFunctionDef("app", "order_total", 1, model.StaticDefinition("..."), 2)
	require.NoError(t, m.AddObjects(orders, countries, local, fn))

	adapter := newRecordingAdapter()
	txProvider := &fakeTxProvider{}
	require.NoError(t, m.ApplyDistributionRules(context.Background(), adapter, txProvider))
	assert.Equal(t, []string{
		"ApplyDistributionRules app.countries REFERENCE",
		"ApplyDistributionRules app.orders DISTRIBUTED",
		"DistributeFunction app.order_total/2",
	}, adapter.Calls())

	opened, committed, _ := txProvider.counts()
	assert.Equal(t, 8, opened)
	assert.Equal(t, 8, committed)

	require.Len(t, logger.infos, 8)
	assert.Equal(t, "distribution rules: 12% complete", logger.infos[0])
	assert.Equal(t, "distribution rules: 100% complete", logger.infos[7])
}

func TestApplyDistributionRules_Error(t *testing.T) {
	m := newModel()
	countries := mustTable(t, model.NewTableBuilder("app", "countries", 1).
		AddVarcharColumn("code", 2, false).
		SetDistribution(model.Distribution{Type: model.DistributionReference}))
	require.NoError(t, m.AddObject(countries))

	adapter := newRecordingAdapter()
	adapter.failNext("ApplyDistributionRules app.countries REFERENCE", errors.New("citus not installed"))
	txProvider := &fakeTxProvider{}
	err := m.ApplyDistributionRules(context.Background(), adapter, txProvider)
	assert.ErrorContains(t, err, "pass 0")
	assert.ErrorContains(t, err, "citus not installed")
	_, _, rolledBack := txProvider.counts()
	assert.Equal(t, 1, rolledBack)
}

func grantsModel(t *testing.T) *model.PhysicalDataModel {
	m := newModel()
	users := idTable(t, "users", 1)
	users.AddPrivileges("reader", model.PrivilegeSelect)
	users.AddPrivileges("writer", model.PrivilegeSelect, model.PrivilegeInsert)
	ids := model.NewSequence("app", "ids", 1, model.SequenceOptions{})
	ids.AddPrivileges("writer", model.PrivilegeUsage)
	fn := model.NewFunctionDef("app", "total", 1, model.StaticDefinition("..."), 0)
	fn.AddPrivileges("reader", model.PrivilegeExecute)
	proc := model.NewProcedureDef("app", "purge", 1, model.StaticDefinition("..."))
	proc.AddPrivileges("reader", model.PrivilegeExecute)
	tenant := model.NewSessionVariable("app", "tenant", 1, "none")
	tenant.AddPrivileges("reader", model.PrivilegeAlter)
	require.NoError(t, m.AddObjects(users, ids, fn, proc, tenant))
	return m
}

func TestApplyGrants(t *testing.T) {
	m := grantsModel(t)

	adapter := newRecordingAdapter()
	require.NoError(t, m.ApplyGrants(context.Background(), adapter, "reader", "bob"))
	assert.Equal(t, []string{
		"GrantTablePrivileges app.users SELECT bob",
		"GrantFunctionPrivileges app.total EXECUTE bob",
		"GrantProcedurePrivileges app.purge EXECUTE bob",
		"GrantVariablePrivileges app.tenant ALTER bob",
	}, adapter.Calls())

	adapter = newRecordingAdapter()
	require.NoError(t, m.ApplyGrants(context.Background(), adapter, "writer", "alice"))
	assert.Equal(t, []string{
		"GrantTablePrivileges app.users INSERT,SELECT alice",
		"GrantSequencePrivileges app.ids USAGE alice",
	}, adapter.Calls())

	adapter = newRecordingAdapter()
	require.NoError(t, m.ApplyGrants(context.Background(), adapter, "admin", "root"))
	assert.Empty(t, adapter.Calls())
}

func TestApplyProcedureAndFunctionGrants(t *testing.T) {
	adapter := newRecordingAdapter()
	require.NoError(t, grantsModel(t).ApplyProcedureAndFunctionGrants(context.Background(), adapter, "reader", "bob"))
	// Procedures first, even though the function was added first
	assert.Equal(t, []string{
		"GrantProcedurePrivileges app.purge EXECUTE bob",
		"GrantFunctionPrivileges app.total EXECUTE bob",
	}, adapter.Calls())
}

type countingVisitor struct {
	model.BaseVisitor
	tables     []string
	sequences  []string
	txByTable  []int
	failOnName string
}

func (v *countingVisitor) VisitTable(ctx context.Context, t *model.Table) error {
	if t.Identity().Name == v.failOnName {
		return errors.New("visit failed")
	}
	v.tables = append(v.tables, t.Identity().Name)
	v.txByTable = append(v.txByTable, txIDFrom(ctx))
	return nil
}

func (v *countingVisitor) VisitSequence(_ context.Context, s *model.Sequence) error {
	v.sequences = append(v.sequences, s.Identity().Name)
	return nil
}

func TestVisit(t *testing.T) {
	m := taggedModel(t)
	seq := model.NewSequence("app", "ids", 1, model.SequenceOptions{})
	seq.AddTag("env", "prod")
	require.NoError(t, m.AddObjects(seq, model.NewNopObject("app", "done")))

	t.Run("without transactions", func(t *testing.T) {
		v := &countingVisitor{}
		require.NoError(t, m.Visit(context.Background(), v, "", "", nil))
		assert.Equal(t, []string{"a", "b", "c"}, v.tables)
		assert.Equal(t, []string{"ids"}, v.sequences)
		assert.Equal(t, []int{0, 0, 0}, v.txByTable)
	})
	t.Run("tag filter with transactions", func(t *testing.T) {
		v := &countingVisitor{}
		txProvider := &fakeTxProvider{}
		require.NoError(t, m.Visit(context.Background(), v, "env", "prod", txProvider))
		assert.Equal(t, []string{"a", "c"}, v.tables)
		assert.Equal(t, []string{"ids"}, v.sequences)
		assert.Equal(t, []int{1, 2}, v.txByTable)
		opened, _, _ := txProvider.counts()
		assert.Equal(t, 3, opened)
	})
	t.Run("error", func(t *testing.T) {
		v := &countingVisitor{failOnName: "b"}
		txProvider := &fakeTxProvider{}
		err := m.Visit(context.Background(), v, "", "", txProvider)
		assert.ErrorContains(t, err, "visiting TABLE:app.b:1")
		assert.Equal(t, []string{"a"}, v.tables)
		_, _, rolledBack := txProvider.counts()
		assert.Equal(t, 1, rolledBack)
	})
}

type wrappedTable struct {
	*model.Table
}

func TestDispatch_UnsupportedObject(t *testing.T) {
	err := model.Dispatch(context.Background(), model.BaseVisitor{}, wrappedTable{idTable(t, "users", 1)})
	assert.ErrorContains(t, err, "unsupported schema object")
}

func TestLockRetry_ContextCanceledDuringBackoff(t *testing.T) {
	m := model.NewPhysicalDataModel(model.WithLogger(&capturingLogger{}))
	require.NoError(t, m.AddObject(idTable(t, "t1", 1)))
	adapter := newRecordingAdapter()
	adapter.failNext("CreateTable app.t1", deadlock())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	collector := newSequentialCollector()
	groups, err := m.Collect(ctx, collector, adapter, &fakeTxProvider{}, versionhistory.NewInMemory())
	require.NoError(t, err)
	err = collector.run(ctx, groups[0].(*sequentialGroup))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, adapter.count("CreateTable app.t1"))
}
