// Package task executes a DAG of task groups with bounded parallelism. A task group runs only once every one of its
// children has completed successfully.
package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/pg-schema-deploy/internal/concurrent"
	"github.com/stripe/pg-schema-deploy/internal/graph"
	"github.com/stripe/pg-schema-deploy/pkg/log"
	"github.com/stripe/pg-schema-deploy/pkg/model"
)

const defaultParallelism = 4

var (
	// ErrDependencyFailed is returned by task groups that were not run because a child failed
	ErrDependencyFailed = errors.New("dependency failed")
	ErrAlreadyStarted   = errors.New("collector already started")
)

type (
	collectorOptions struct {
		parallelism int
		logger      log.Logger
	}

	CollectorOpt func(*collectorOptions)
)

// WithParallelism sets how many task groups may do work at the same time. Values below 1 are treated as 1
func WithParallelism(n int) CollectorOpt {
	return func(opts *collectorOptions) {
		opts.parallelism = n
	}
}

func WithLogger(logger log.Logger) CollectorOpt {
	return func(opts *collectorOptions) {
		opts.logger = logger
	}
}

// Group is a unit of work registered with a Collector
type Group struct {
	id       string
	work     func(ctx context.Context) error
	children []*Group

	// future is set once the group has been submitted
	future concurrent.Future[struct{}]
	// err is the error of the group's own work. It stays nil if the group was skipped
	err error
}

func (g *Group) TaskID() string {
	return g.id
}

func (g *Group) GetId() string {
	return g.id
}

// Collector is a model.TaskCollector. Task groups are memoized by task id, so registering the same id twice, even
// concurrently, yields a single group
type Collector struct {
	runID   string
	options collectorOptions

	mu      sync.Mutex
	groups  map[string]*Group
	started bool
	failed  []string
}

var _ model.TaskCollector = (*Collector)(nil)

func NewCollector(opts ...CollectorOpt) *Collector {
	options := collectorOptions{
		parallelism: defaultParallelism,
		logger:      log.SimpleLogger(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Collector{
		runID:   uuid.NewString(),
		options: options,
		groups:  make(map[string]*Group),
	}
}

// RunID identifies this collector's run in logs
func (c *Collector) RunID() string {
	return c.runID
}

// MakeTaskGroup registers a task group. If a group with the same id is already registered, it is returned and work is
// discarded. Children must have been created by this collector
func (c *Collector) MakeTaskGroup(taskID string, work func(ctx context.Context) error, children []model.TaskGroup) model.TaskGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.groups[taskID]; ok {
		return g
	}

	g := &Group{id: taskID, work: work}
	for _, child := range children {
		childGroup, ok := child.(*Group)
		if !ok || c.groups[childGroup.id] != childGroup {
			panic(fmt.Sprintf("task group %s: child %s was not created by this collector", taskID, child.TaskID()))
		}
		g.children = append(g.children, childGroup)
	}
	c.groups[taskID] = g
	return g
}

// Len is the number of distinct task groups registered
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groups)
}

// StartAndWait runs every registered group and waits for all of them to finish. Groups are admitted in topological
// order, so a group only waits on groups that are already running or done. A failed group causes every group
// depending on it to be skipped; unrelated groups keep running. The returned error joins the errors of the failed
// groups
func (c *Collector) StartAndWait(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	groups := make([]*Group, 0, len(c.groups))
	for _, g := range c.groups {
		groups = append(groups, g)
	}
	c.mu.Unlock()

	ordered, err := sortGroups(groups)
	if err != nil {
		return err
	}

	logger := c.options.logger
	logger.Infof("run %s: starting %d task groups with parallelism %d", c.runID, len(ordered), c.options.parallelism)
	start := time.Now()

	limiter := concurrent.NewGoroutineLimiter(int64(c.options.parallelism))
	var submitErr error
	submitted := 0
	for _, g := range ordered {
		g := g
		future, err := concurrent.SubmitFuture(ctx, limiter, func() (struct{}, error) {
			return struct{}{}, c.run(ctx, g)
		})
		if err != nil {
			submitErr = fmt.Errorf("submitting task group %s: %w", g.id, err)
			break
		}
		g.future = future
		submitted++
	}

	for _, g := range ordered[:submitted] {
		<-g.future.Done()
	}

	c.mu.Lock()
	sort.Strings(c.failed)
	var errs []error
	for _, g := range ordered[:submitted] {
		if g.err != nil {
			errs = append(errs, fmt.Errorf("task group %s: %w", g.id, g.err))
		}
	}
	failedCount := len(c.failed)
	c.mu.Unlock()

	if submitErr != nil {
		errs = append(errs, submitErr)
	}
	if failedCount > 0 {
		logger.Errorf("run %s: %d task groups failed after %s", c.runID, failedCount, time.Since(start))
	} else {
		logger.Infof("run %s: completed in %s", c.runID, time.Since(start))
	}
	return errors.Join(errs...)
}

// run waits for the group's children, then does the group's work
func (c *Collector) run(ctx context.Context, g *Group) error {
	for _, child := range g.children {
		if _, err := child.future.Get(ctx); err != nil {
			return fmt.Errorf("%s: %w", child.id, ErrDependencyFailed)
		}
	}
	if err := g.work(ctx); err != nil {
		c.mu.Lock()
		g.err = err
		c.failed = append(c.failed, g.id)
		c.mu.Unlock()
		return err
	}
	return nil
}

// FailedTaskGroups returns the ids of the groups whose own work failed, sorted. Groups skipped because of a failed
// child are not included
func (c *Collector) FailedTaskGroups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.failed...)
}

func sortGroups(groups []*Group) ([]*Group, error) {
	g := graph.NewGraph[*Group]()
	for _, group := range groups {
		g.AddVertex(group)
	}
	for _, group := range groups {
		for _, child := range group.children {
			if err := g.AddEdge(child.id, group.id); err != nil {
				return nil, err
			}
		}
	}
	ordered, err := g.TopologicallySort()
	if err != nil {
		return nil, fmt.Errorf("ordering task groups: %w", err)
	}
	return ordered, nil
}
