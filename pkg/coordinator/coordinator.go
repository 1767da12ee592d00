// Package coordinator implements the cluster brain: it accepts submissions,
// places tasks onto runners, tracks the task FSM from runner updates, and
// reconciles liveness. It never talks to Docker or the host service manager
// directly — only to the Store and to runners over JSON-HTTP.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/KohakuBlueleaf/HakuRiver/pkg/apierr"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/config"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/idgen"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/log"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/model"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/registry"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/storage"
)

// Coordinator owns the cluster's persistent state and drives the task FSM.
// Writes go straight to the Store under mu; there is no replicated log.
type Coordinator struct {
	cfg      config.CoordinatorConfig
	store    storage.Store
	registry *registry.Registry
	ids      *idgen.Generator
	runners  *runnerClientPool
	logger   zerolog.Logger

	mu sync.Mutex

	stopCh chan struct{}
}

// New builds a Coordinator over an already-open store and environment
// registry.
func New(cfg config.CoordinatorConfig, store storage.Store, reg *registry.Registry) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		store:    store,
		registry: reg,
		ids:      idgen.NewGenerator(),
		runners:  newRunnerClientPool(),
		logger:   log.WithComponent("coordinator"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the scheduler and liveness background loops, and bootstraps
// the default environment if it has never been produced.
func (c *Coordinator) Start() {
	go c.scheduleLoop()
	go c.livenessLoop()

	if c.cfg.DefaultEnvironment != "" {
		go func() {
			if _, err := c.registry.Resolve(c.cfg.DefaultEnvironment); err != nil {
				ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
				defer cancel()
				if err := c.registry.Bootstrap(ctx, c.cfg.DefaultEnvironment, c.cfg.DefaultBaseImage); err != nil {
					c.logger.Error().Err(err).Msg("failed to bootstrap default environment")
				}
			}
		}()
	}
}

func (c *Coordinator) Stop() {
	close(c.stopCh)
}

const bootstrapTimeout = 5 * time.Minute

// --- Runner plane ---

// Register records (or updates) a runner's resource inventory. Re-registering
// an already-known hostname simply refreshes it — registration is idempotent
// by design so a restarted runner can rejoin without coordinator-side state.
func (c *Coordinator) Register(req RegisterArgs) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	numa := make(map[string]model.NUMANode, len(req.NUMA))
	for id, n := range req.NUMA {
		numa[id] = n
	}

	node, err := c.store.GetNode(req.Hostname)
	if err != nil {
		node = &model.Node{Hostname: req.Hostname, CreatedAt: time.Now()}
	}
	node.URL = req.URL
	node.TotalCores = req.TotalCores
	node.TotalMemory = req.TotalMemory
	node.NUMA = numa
	node.GPUs = req.GPUs
	node.Status = model.NodeOnline
	node.LastHeartbeat = time.Now()

	if err != nil {
		return c.store.CreateNode(node)
	}
	return c.store.UpdateNode(node)
}

// RegisterArgs is the runner-registration payload, decoupled from wire so the
// coordinator package doesn't need to import it for its own method
// signatures.
type RegisterArgs struct {
	Hostname    string
	URL         string
	TotalCores  int
	TotalMemory int64
	NUMA        map[string]model.NUMANode
	GPUs        []model.GPU
}

// HeartbeatArgs reports a runner's current running set plus any tasks it has
// just finalized.
type HeartbeatArgs struct {
	Hostname   string
	Metrics    model.Metrics
	RunningIDs []uint64
	Finalized  []FinalizedArgs
}

type FinalizedArgs struct {
	ID       uint64
	Status   model.Status
	ExitCode *int
	Error    string
}

// Heartbeat refreshes a node's liveness and metrics, and reduces every
// finalized task through the FSM.
func (c *Coordinator) Heartbeat(req HeartbeatArgs) error {
	c.mu.Lock()
	node, err := c.store.GetNode(req.Hostname)
	if err != nil {
		c.mu.Unlock()
		return apierr.New(apierr.NotFound, "unknown runner: "+req.Hostname)
	}
	node.LastHeartbeat = time.Now()
	node.Status = model.NodeOnline
	node.Metrics = req.Metrics
	if err := c.store.UpdateNode(node); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	for _, id := range req.RunningIDs {
		c.mu.Lock()
		task, err := c.store.GetTask(id)
		if err == nil && task.Status == model.StatusAssigning {
			task.Status = model.StatusRunning
			now := time.Now()
			task.StartedAt = &now
			_ = c.store.UpdateTask(task)
		}
		c.mu.Unlock()
	}

	for _, f := range req.Finalized {
		c.applyTerminalUpdate(f.ID, f.Status, f.ExitCode, f.Error, nil, nil)
	}

	return nil
}

// UpdateArgs is an immediate single-task status push (e.g. "now running")
// rather than waiting for the next heartbeat.
type UpdateArgs struct {
	TaskID      uint64
	Status      model.Status
	ExitCode    *int
	Message     string
	TunnelPort  int
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Update reduces one runner-reported status transition through the FSM.
// Updates to a task already in a terminal state return a conflict error and
// are never applied, the ordering guarantee for terminal states.
func (c *Coordinator) Update(req UpdateArgs) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, err := c.store.GetTask(req.TaskID)
	if err != nil {
		return apierr.New(apierr.NotFound, "unknown task")
	}
	if task.Status.Terminal() {
		return apierr.New(apierr.Conflict, "task already in a terminal state")
	}

	task.Status = req.Status
	task.ExitCode = req.ExitCode
	task.Error = req.Message
	if req.TunnelPort != 0 {
		task.TunnelPort = req.TunnelPort
	}
	if req.StartedAt != nil {
		task.StartedAt = req.StartedAt
	}
	if req.CompletedAt != nil {
		task.CompletedAt = req.CompletedAt
	}
	return c.store.UpdateTask(task)
}

// applyTerminalUpdate is the FSM reduction shared by Heartbeat's finalized
// list and any other terminal-state source. It silently no-ops on a task
// already terminal, per the ordering guarantee.
func (c *Coordinator) applyTerminalUpdate(id uint64, status model.Status, exitCode *int, errMsg string, started, completed *time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, err := c.store.GetTask(id)
	if err != nil {
		c.logger.Warn().Uint64("task_id", id).Msg("finalized update for unknown task")
		return
	}
	if task.Status.Terminal() {
		return
	}

	task.Status = status
	task.ExitCode = exitCode
	task.Error = errMsg
	now := time.Now()
	task.CompletedAt = &now
	if err := c.store.UpdateTask(task); err != nil {
		c.logger.Error().Err(err).Uint64("task_id", id).Msg("failed to persist finalized task")
	}
}

// --- Client plane: queries ---

func (c *Coordinator) GetTask(id uint64) (*model.Task, error) {
	return c.store.GetTask(id)
}

func (c *Coordinator) ListTasks() ([]*model.Task, error) {
	return c.store.ListTasks()
}

// ListTasksByKind returns only command or only vps tasks.
func (c *Coordinator) ListTasksByKind(kind model.TaskKind) ([]*model.Task, error) {
	return c.store.ListTasksByKind(kind)
}

func (c *Coordinator) ListNodes() ([]*model.Node, error) {
	return c.store.ListNodes()
}

// ListHealth returns the runtime metrics snapshot carried on each node's
// latest heartbeat, optionally narrowed to a single hostname. It is the
// advisory, operator-facing counterpart to ListNodes: ListNodes answers "what
// is registered and what is its lifecycle status", ListHealth answers "what
// did it last report about its own load".
func (c *Coordinator) ListHealth(hostname string) ([]*model.Node, error) {
	if hostname != "" {
		node, err := c.store.GetNode(hostname)
		if err != nil {
			return nil, apierr.New(apierr.NotFound, "unknown node")
		}
		return []*model.Node{node}, nil
	}
	return c.store.ListNodes()
}

// --- Client plane: kill/control ---

// Kill writes `killed` optimistically, then asynchronously relays the kill
// to the owning runner. The write is replay-safe: killing an already-killed
// or otherwise terminal task is a no-op.
func (c *Coordinator) Kill(id uint64) error {
	c.mu.Lock()
	task, err := c.store.GetTask(id)
	if err != nil {
		c.mu.Unlock()
		return apierr.New(apierr.NotFound, "unknown task")
	}
	if task.Status.Terminal() {
		c.mu.Unlock()
		return nil
	}
	node := task.AssignedNode
	unit := task.ExecutionUnit
	task.Status = model.StatusKilled
	now := time.Now()
	task.CompletedAt = &now
	err = c.store.UpdateTask(task)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultForwardTimeout)
		defer cancel()
		if node == "" {
			return
		}
		n, err := c.store.GetNode(node)
		if err != nil {
			return
		}
		if err := c.runners.kill(ctx, n.URL, id, unit); err != nil {
			c.logger.Warn().Err(err).Uint64("task_id", id).Msg("kill relay failed")
		}
	}()
	return nil
}

// Control validates the current status permits pause/resume, forwards the
// request, and returns once the runner has acknowledged — the authoritative
// status transition still comes from the runner's subsequent update.
func (c *Coordinator) Control(id uint64, action string) error {
	c.mu.Lock()
	task, err := c.store.GetTask(id)
	if err != nil {
		c.mu.Unlock()
		return apierr.New(apierr.NotFound, "unknown task")
	}
	switch action {
	case "pause":
		if task.Status != model.StatusRunning {
			c.mu.Unlock()
			return apierr.New(apierr.Validation, "only a running task can be paused")
		}
	case "resume":
		if task.Status != model.StatusPaused {
			c.mu.Unlock()
			return apierr.New(apierr.Validation, "only a paused task can be resumed")
		}
	default:
		c.mu.Unlock()
		return apierr.New(apierr.Validation, "unknown control action: "+action)
	}
	node := task.AssignedNode
	unit := task.ExecutionUnit
	c.mu.Unlock()

	n, err := c.store.GetNode(node)
	if err != nil {
		return apierr.New(apierr.NotFound, "assigned node no longer registered")
	}

	// A paused task's state can't be trusted once its node has gone dark:
	// it might still be frozen, or it might be lost entirely. Refuse the
	// resume before ever reaching the runner.
	if action == "resume" && n.Status != model.NodeOnline {
		return apierr.New(apierr.Liveness, "assigned node is offline; cannot trust a paused task's state")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultForwardTimeout)
	defer cancel()

	switch action {
	case "pause":
		return c.runners.pause(ctx, n.URL, id, unit)
	default:
		return c.runners.resume(ctx, n.URL, id, unit)
	}
}

const defaultForwardTimeout = 10 * time.Second

// logsPath returns the deterministic shared-storage path for a task's
// stdout or stderr, computable without ever asking the runner.
func (c *Coordinator) logsPath(taskID uint64, stream string) (string, error) {
	t := &model.Task{ID: taskID}
	switch stream {
	case "stdout":
		return t.StdoutPath(c.cfg.SharedStorageRoot), nil
	case "stderr":
		return t.StderrPath(c.cfg.SharedStorageRoot), nil
	default:
		return "", apierr.New(apierr.Validation, "stream must be stdout or stderr")
	}
}
