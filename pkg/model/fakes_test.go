package model_test

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/stripe/pg-schema-deploy/pkg/model"
)

// recordingAdapter records each call as "Method target". Errors queued with failNext are returned, in order, by
// the matching calls
type recordingAdapter struct {
	mu    sync.Mutex
	calls []string
	// txByCall is the id of the fake transaction each call ran in, 0 if none
	txByCall map[string][]int
	failures map[string][]error
}

var _ model.SchemaAdapter = (*recordingAdapter)(nil)

func newRecordingAdapter() *recordingAdapter {
	return &recordingAdapter{
		txByCall: make(map[string][]int),
		failures: make(map[string][]error),
	}
}

func (a *recordingAdapter) failNext(call string, errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[call] = append(a.failures[call], errs...)
}

func (a *recordingAdapter) record(ctx context.Context, method, target string) error {
	call := method + " " + target
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call)
	a.txByCall[call] = append(a.txByCall[call], txIDFrom(ctx))
	if errs := a.failures[call]; len(errs) > 0 {
		a.failures[call] = errs[1:]
		return errs[0]
	}
	return nil
}

func (a *recordingAdapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *recordingAdapter) count(call string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (a *recordingAdapter) indexOf(call string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, c := range a.calls {
		if c == call {
			return i
		}
	}
	return -1
}

func qualified(schema, name string) string {
	return schema + "." + name
}

func privilegeList(privileges []model.Privilege) string {
	var names []string
	for _, p := range privileges {
		names = append(names, string(p))
	}
	return strings.Join(names, ",")
}

func (a *recordingAdapter) CreateTable(ctx context.Context, schema, name string, _ []model.Column, _ *model.PrimaryKey, tablespace string) error {
	target := qualified(schema, name)
	if tablespace != "" {
		target += "@" + tablespace
	}
	return a.record(ctx, "CreateTable", target)
}

func (a *recordingAdapter) DropTable(ctx context.Context, schema, name string) error {
	return a.record(ctx, "DropTable", qualified(schema, name))
}

func (a *recordingAdapter) AddColumn(ctx context.Context, schema, table string, column model.Column) error {
	return a.record(ctx, "AddColumn", qualified(schema, table)+"."+column.Name)
}

func (a *recordingAdapter) CreateUniqueConstraint(ctx context.Context, schema, table string, constraint model.UniqueConstraint) error {
	return a.record(ctx, "CreateUniqueConstraint", qualified(schema, table)+"."+constraint.Name)
}

func (a *recordingAdapter) CreateForeignKeyConstraint(ctx context.Context, schema, table string, fk model.ForeignKeyConstraint) error {
	return a.record(ctx, "CreateForeignKeyConstraint", qualified(schema, table)+"."+fk.Name)
}

func (a *recordingAdapter) DropForeignKey(ctx context.Context, schema, table, constraintName string) error {
	return a.record(ctx, "DropForeignKey", qualified(schema, table)+"."+constraintName)
}

func (a *recordingAdapter) CreateIndex(ctx context.Context, schema, table, name string, _ []string) error {
	return a.record(ctx, "CreateIndex", qualified(schema, name))
}

func (a *recordingAdapter) CreateUniqueIndex(ctx context.Context, schema, table, name string, _ []string) error {
	return a.record(ctx, "CreateUniqueIndex", qualified(schema, name))
}

func (a *recordingAdapter) DropIndex(ctx context.Context, schema, name string) error {
	return a.record(ctx, "DropIndex", qualified(schema, name))
}

func (a *recordingAdapter) CreateOrReplaceView(ctx context.Context, schema, name, _ string) error {
	return a.record(ctx, "CreateOrReplaceView", qualified(schema, name))
}

func (a *recordingAdapter) DropView(ctx context.Context, schema, name string) error {
	return a.record(ctx, "DropView", qualified(schema, name))
}

func (a *recordingAdapter) CreateSequence(ctx context.Context, schema, name string, _ model.SequenceOptions) error {
	return a.record(ctx, "CreateSequence", qualified(schema, name))
}

func (a *recordingAdapter) DropSequence(ctx context.Context, schema, name string) error {
	return a.record(ctx, "DropSequence", qualified(schema, name))
}

func (a *recordingAdapter) AlterSequenceRestartWith(ctx context.Context, schema, name string, restartWith int64, _ model.SequenceOptions) error {
	return a.record(ctx, "AlterSequenceRestartWith", fmt.Sprintf("%s=%d", qualified(schema, name), restartWith))
}

func (a *recordingAdapter) CreateOrReplaceProcedure(ctx context.Context, schema, name, _ string) error {
	return a.record(ctx, "CreateOrReplaceProcedure", qualified(schema, name))
}

func (a *recordingAdapter) DropProcedure(ctx context.Context, schema, name string) error {
	return a.record(ctx, "DropProcedure", qualified(schema, name))
}

func (a *recordingAdapter) CreateOrReplaceFunction(ctx context.Context, schema, name, _ string) error {
	return a.record(ctx, "CreateOrReplaceFunction", qualified(schema, name))
}

func (a *recordingAdapter) DropFunction(ctx context.Context, schema, name string) error {
	return a.record(ctx, "DropFunction", qualified(schema, name))
}

func (a *recordingAdapter) DistributeFunction(ctx context.Context, schema, name string, distributionArgIndex int) error {
	return a.record(ctx, "DistributeFunction", fmt.Sprintf("%s/%d", qualified(schema, name), distributionArgIndex))
}

func (a *recordingAdapter) CreateTablespace(ctx context.Context, name string, _ int) error {
	return a.record(ctx, "CreateTablespace", name)
}

func (a *recordingAdapter) DropTablespace(ctx context.Context, name string) error {
	return a.record(ctx, "DropTablespace", name)
}

func (a *recordingAdapter) CreateSessionVariable(ctx context.Context, schema, name, _ string) error {
	return a.record(ctx, "CreateSessionVariable", qualified(schema, name))
}

func (a *recordingAdapter) DropSessionVariable(ctx context.Context, schema, name string) error {
	return a.record(ctx, "DropSessionVariable", qualified(schema, name))
}

func (a *recordingAdapter) GrantTablePrivileges(ctx context.Context, schema, table string, privileges []model.Privilege, toUser string) error {
	return a.record(ctx, "GrantTablePrivileges", fmt.Sprintf("%s %s %s", qualified(schema, table), privilegeList(privileges), toUser))
}

func (a *recordingAdapter) GrantSequencePrivileges(ctx context.Context, schema, sequence string, privileges []model.Privilege, toUser string) error {
	return a.record(ctx, "GrantSequencePrivileges", fmt.Sprintf("%s %s %s", qualified(schema, sequence), privilegeList(privileges), toUser))
}

func (a *recordingAdapter) GrantProcedurePrivileges(ctx context.Context, schema, procedure string, privileges []model.Privilege, toUser string) error {
	return a.record(ctx, "GrantProcedurePrivileges", fmt.Sprintf("%s %s %s", qualified(schema, procedure), privilegeList(privileges), toUser))
}

func (a *recordingAdapter) GrantFunctionPrivileges(ctx context.Context, schema, function string, privileges []model.Privilege, toUser string) error {
	return a.record(ctx, "GrantFunctionPrivileges", fmt.Sprintf("%s %s %s", qualified(schema, function), privilegeList(privileges), toUser))
}

func (a *recordingAdapter) GrantVariablePrivileges(ctx context.Context, schema, variable string, privileges []model.Privilege, toUser string) error {
	return a.record(ctx, "GrantVariablePrivileges", fmt.Sprintf("%s %s %s", qualified(schema, variable), privilegeList(privileges), toUser))
}

func (a *recordingAdapter) ApplyDistributionRules(ctx context.Context, schema, table string, distribution model.Distribution) error {
	return a.record(ctx, "ApplyDistributionRules", fmt.Sprintf("%s %s", qualified(schema, table), distribution.Type))
}

type txIDCtxKey struct{}

func txIDFrom(ctx context.Context) int {
	id, _ := ctx.Value(txIDCtxKey{}).(int)
	return id
}

// fakeTxProvider hands out numbered transactions and records how each one was closed
type fakeTxProvider struct {
	mu          sync.Mutex
	opened      int
	committed   []int
	rolledBack  []int
	failOpenErr error
}

var _ model.TransactionProvider = (*fakeTxProvider)(nil)

func (p *fakeTxProvider) Open(ctx context.Context) (context.Context, model.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOpenErr != nil {
		return nil, nil, p.failOpenErr
	}
	p.opened++
	tx := &fakeTx{id: p.opened, provider: p}
	return context.WithValue(ctx, txIDCtxKey{}, tx.id), tx, nil
}

func (p *fakeTxProvider) counts() (opened, committed, rolledBack int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened, len(p.committed), len(p.rolledBack)
}

type fakeTx struct {
	id           int
	provider     *fakeTxProvider
	rollbackOnly bool
}

func (t *fakeTx) SetRollbackOnly() {
	t.rollbackOnly = true
}

func (t *fakeTx) Close() error {
	t.provider.mu.Lock()
	defer t.provider.mu.Unlock()
	if t.rollbackOnly {
		t.provider.rolledBack = append(t.provider.rolledBack, t.id)
	} else {
		t.provider.committed = append(t.provider.committed, t.id)
	}
	return nil
}

// sequentialCollector is a TaskCollector that memoizes groups and runs them depth-first on demand
type sequentialCollector struct {
	groups map[string]*sequentialGroup
	order  []string
}

type sequentialGroup struct {
	id       string
	work     func(ctx context.Context) error
	children []*sequentialGroup
	done     bool
}

func (g *sequentialGroup) TaskID() string {
	return g.id
}

func newSequentialCollector() *sequentialCollector {
	return &sequentialCollector{groups: make(map[string]*sequentialGroup)}
}

func (c *sequentialCollector) MakeTaskGroup(taskID string, work func(ctx context.Context) error, children []model.TaskGroup) model.TaskGroup {
	if g, ok := c.groups[taskID]; ok {
		return g
	}
	g := &sequentialGroup{id: taskID, work: work}
	for _, child := range children {
		g.children = append(g.children, child.(*sequentialGroup))
	}
	c.groups[taskID] = g
	c.order = append(c.order, taskID)
	return g
}

func (c *sequentialCollector) run(ctx context.Context, g *sequentialGroup) error {
	if g.done {
		return nil
	}
	for _, child := range g.children {
		if err := c.run(ctx, child); err != nil {
			return err
		}
	}
	g.done = true
	return g.work(ctx)
}

func (c *sequentialCollector) childIDs(taskID string) []string {
	var ids []string
	for _, child := range c.groups[taskID].children {
		ids = append(ids, child.id)
	}
	sort.Strings(ids)
	return ids
}
