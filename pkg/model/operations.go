package model

import (
	"context"
	"fmt"
	"strings"
)

// Apply applies every object in insertion order without consulting a version history. It is meant for fresh
// provisioning, where every object is known to be new
func (m *PhysicalDataModel) Apply(ctx context.Context, adapter SchemaAdapter) error {
	ctx = m.context(ctx)
	for _, obj := range m.objects {
		if err := obj.Apply(ctx, adapter); err != nil {
			return fmt.Errorf("applying %s: %w", obj.TaskID(), err)
		}
	}
	return nil
}

// ApplyWithHistory applies every object in insertion order through the version gate. It is the sequential
// alternative to Collect
func (m *PhysicalDataModel) ApplyWithHistory(ctx context.Context, adapter SchemaAdapter, history VersionHistory) error {
	ctx = m.context(ctx)
	for _, obj := range m.objects {
		if err := ApplyWithVersionGate(ctx, obj, adapter, history); err != nil {
			return fmt.Errorf("applying %s: %w", obj.TaskID(), err)
		}
	}
	return nil
}

// ApplyWithHistoryInTransactions is ApplyWithHistory with each object applied in its own transaction, with lock
// retry. When an object fails, its transaction rolls back and only the objects before it stay applied and recorded
func (m *PhysicalDataModel) ApplyWithHistoryInTransactions(
	ctx context.Context,
	adapter SchemaAdapter,
	txProvider TransactionProvider,
	history VersionHistory,
) error {
	return m.applyEachInTransaction(ctx, adapter, txProvider, history, func(SchemaObject) bool { return true })
}

// ApplyProceduresAndFunctions re-issues only the procedures and functions of the model, in insertion order
func (m *PhysicalDataModel) ApplyProceduresAndFunctions(ctx context.Context, adapter SchemaAdapter, history VersionHistory) error {
	ctx = m.context(ctx)
	for _, obj := range m.objects {
		if !obj.Identity().Kind.IsRoutine() {
			continue
		}
		if err := ApplyWithVersionGate(ctx, obj, adapter, history); err != nil {
			return fmt.Errorf("applying %s: %w", obj.TaskID(), err)
		}
	}
	return nil
}

// ApplyProceduresAndFunctionsInTransactions re-issues the procedures and functions, each in its own transaction, so
// a routine is never left dropped but not recreated
func (m *PhysicalDataModel) ApplyProceduresAndFunctionsInTransactions(
	ctx context.Context,
	adapter SchemaAdapter,
	txProvider TransactionProvider,
	history VersionHistory,
) error {
	return m.applyEachInTransaction(ctx, adapter, txProvider, history, func(obj SchemaObject) bool {
		return obj.Identity().Kind.IsRoutine()
	})
}

func (m *PhysicalDataModel) applyEachInTransaction(
	ctx context.Context,
	adapter SchemaAdapter,
	txProvider TransactionProvider,
	history VersionHistory,
	include func(SchemaObject) bool,
) error {
	ctx = m.context(ctx)
	policy := m.retryPolicy()
	for _, obj := range m.objects {
		if !include(obj) {
			continue
		}
		if err := applyInTransaction(ctx, obj, adapter, txProvider, history, policy); err != nil {
			return fmt.Errorf("applying %s: %w", obj.TaskID(), err)
		}
	}
	return nil
}

type collectWalker struct {
	model      *PhysicalDataModel
	collector  TaskCollector
	adapter    SchemaAdapter
	txProvider TransactionProvider
	history    VersionHistory
	policy     retryPolicy

	tasksById  map[Identity]TaskGroup
	inProgress map[Identity]bool
	path       []Identity
}

// Collect describes the model as a DAG of task groups, one per local object, each of which applies its object
// through the version gate in its own transaction with lock retry. A task group's children are the task groups of
// the object's dependencies. Dependencies that live in a federated model get no task.
//
// The returned task groups are in insertion order. Nothing is executed; running the groups is the collector's job.
func (m *PhysicalDataModel) Collect(
	ctx context.Context,
	collector TaskCollector,
	adapter SchemaAdapter,
	txProvider TransactionProvider,
	history VersionHistory,
) ([]TaskGroup, error) {
	w := &collectWalker{
		model:      m,
		collector:  collector,
		adapter:    adapter,
		txProvider: txProvider,
		history:    history,
		policy:     m.retryPolicy(),
		tasksById:  make(map[Identity]TaskGroup),
		inProgress: make(map[Identity]bool),
	}
	ctx = m.context(ctx)

	var groups []TaskGroup
	for _, obj := range m.objects {
		group, err := w.collect(ctx, obj)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func (w *collectWalker) collect(ctx context.Context, obj SchemaObject) (TaskGroup, error) {
	id := obj.Identity()
	if group, ok := w.tasksById[id]; ok {
		return group, nil
	}
	if w.inProgress[id] {
		return nil, fmt.Errorf("%w: %s", ErrCycleDetected, w.cyclePath(id))
	}
	w.inProgress[id] = true
	w.path = append(w.path, id)
	defer func() {
		delete(w.inProgress, id)
		w.path = w.path[:len(w.path)-1]
	}()

	var children []TaskGroup
	for _, depId := range obj.Dependencies() {
		dep, local, ok := w.model.resolve(depId)
		if !ok {
			return nil, fmt.Errorf("collecting %s: %s: %w", obj.TaskID(), depId, ErrUnresolvedDependency)
		}
		if !local {
			continue
		}
		child, err := w.collect(ctx, dep)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}

	group := w.collector.MakeTaskGroup(obj.TaskID(), func(taskCtx context.Context) error {
		taskCtx = withLogger(taskCtx, loggerFrom(ctx))
		if err := applyInTransaction(taskCtx, obj, w.adapter, w.txProvider, w.history, w.policy); err != nil {
			return fmt.Errorf("applying %s: %w", obj.TaskID(), err)
		}
		return nil
	}, children)
	w.tasksById[id] = group
	return group, nil
}

func (w *collectWalker) cyclePath(closing Identity) string {
	var names []string
	for i, id := range w.path {
		if id == closing {
			for _, p := range w.path[i:] {
				names = append(names, p.String())
			}
			break
		}
	}
	names = append(names, closing.String())
	return strings.Join(names, " -> ")
}

// Drop drops the objects in strict reverse insertion order. If tagGroup is non-empty, only objects whose tag for
// that group equals tagValue are dropped; the rest are skipped. Objects that no longer exist are logged and skipped
func (m *PhysicalDataModel) Drop(ctx context.Context, adapter SchemaAdapter, tagGroup, tagValue string) error {
	ctx = m.context(ctx)
	logger := m.options.logger
	for i := len(m.objects) - 1; i >= 0; i-- {
		obj := m.objects[i]
		if !matchesTag(obj, tagGroup, tagValue) {
			logger.Infof("skipping drop of %s: not tagged %s=%s", obj.TaskID(), tagGroup, tagValue)
			continue
		}
		if err := obj.Drop(ctx, adapter); err != nil {
			if IsUndefinedName(err) {
				logger.Warnf("%s does not exist, skipping drop: %s", obj.TaskID(), err)
				continue
			}
			return fmt.Errorf("dropping %s: %w", obj.TaskID(), err)
		}
	}
	return nil
}

// DropInTransaction is Drop with every drop in a single transaction. Either the whole teardown commits or none of it
// does. Adapters must not fail on objects that are already gone, since a failed statement may abort the transaction
func (m *PhysicalDataModel) DropInTransaction(
	ctx context.Context,
	adapter SchemaAdapter,
	txProvider TransactionProvider,
	tagGroup, tagValue string,
) error {
	return runInTransaction(m.context(ctx), txProvider, func(txCtx context.Context) error {
		return m.Drop(txCtx, adapter, tagGroup, tagValue)
	})
}

// DropSplitTransaction is Drop with one transaction per object. A failure rolls back only the failing object's
// transaction; drops that already committed are kept
func (m *PhysicalDataModel) DropSplitTransaction(
	ctx context.Context,
	adapter SchemaAdapter,
	txProvider TransactionProvider,
	tagGroup, tagValue string,
) error {
	ctx = m.context(ctx)
	logger := m.options.logger
	for i := len(m.objects) - 1; i >= 0; i-- {
		obj := m.objects[i]
		if !matchesTag(obj, tagGroup, tagValue) {
			logger.Infof("skipping drop of %s: not tagged %s=%s", obj.TaskID(), tagGroup, tagValue)
			continue
		}
		err := runInTransaction(ctx, txProvider, func(txCtx context.Context) error {
			return obj.Drop(txCtx, adapter)
		})
		if err != nil {
			if IsUndefinedName(err) {
				logger.Warnf("%s does not exist, skipping drop: %s", obj.TaskID(), err)
				continue
			}
			return fmt.Errorf("dropping %s: %w", obj.TaskID(), err)
		}
	}
	return nil
}

// ApplyDistributionRules makes two full passes over the model: reference rules first, then sharding rules. Each
// object is processed in its own transaction. Progress is logged in 1% steps
func (m *PhysicalDataModel) ApplyDistributionRules(ctx context.Context, adapter SchemaAdapter, txProvider TransactionProvider) error {
	ctx = m.context(ctx)
	logger := m.options.logger

	total := 2 * len(m.objects)
	done := 0
	lastPercent := 0
	for _, pass := range []int{DistributionPassReference, DistributionPassSharding} {
		for _, obj := range m.objects {
			err := runInTransaction(ctx, txProvider, func(txCtx context.Context) error {
				return obj.ApplyDistributionRules(txCtx, adapter, pass)
			})
			if err != nil {
				return fmt.Errorf("applying distribution rules (pass %d) for %s: %w", pass, obj.TaskID(), err)
			}

			done++
			if percent := done * 100 / total; percent > lastPercent {
				lastPercent = percent
				logger.Infof("distribution rules: %d%% complete", percent)
			}
		}
	}
	return nil
}

// Visit dispatches v over the objects matching the tag filter, in insertion order. If txProvider is non-nil, each
// object is visited in its own transaction; otherwise the whole traversal runs in whatever transaction ctx carries
func (m *PhysicalDataModel) Visit(ctx context.Context, v Visitor, tagGroup, tagValue string, txProvider TransactionProvider) error {
	ctx = m.context(ctx)
	for _, obj := range m.objects {
		if !matchesTag(obj, tagGroup, tagValue) {
			continue
		}
		var err error
		if txProvider != nil {
			err = runInTransaction(ctx, txProvider, func(txCtx context.Context) error {
				return Dispatch(txCtx, v, obj)
			})
		} else {
			err = Dispatch(ctx, v, obj)
		}
		if err != nil {
			return fmt.Errorf("visiting %s: %w", obj.TaskID(), err)
		}
	}
	return nil
}

// ApplyGrants grants each object's privilege group to toUser, in insertion order
func (m *PhysicalDataModel) ApplyGrants(ctx context.Context, adapter SchemaAdapter, group, toUser string) error {
	ctx = m.context(ctx)
	for _, obj := range m.objects {
		if err := obj.Grant(ctx, adapter, group, toUser); err != nil {
			return fmt.Errorf("granting %s on %s to %s: %w", group, obj.TaskID(), toUser, err)
		}
	}
	return nil
}

// ApplyProcedureAndFunctionGrants grants the privilege group of every procedure, then of every function
func (m *PhysicalDataModel) ApplyProcedureAndFunctionGrants(ctx context.Context, adapter SchemaAdapter, group, toUser string) error {
	ctx = m.context(ctx)
	for _, kind := range []ObjectKind{KindProcedure, KindFunction} {
		for _, obj := range m.objects {
			if obj.Identity().Kind != kind {
				continue
			}
			if err := obj.Grant(ctx, adapter, group, toUser); err != nil {
				return fmt.Errorf("granting %s on %s to %s: %w", group, obj.TaskID(), toUser, err)
			}
		}
	}
	return nil
}
