package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/KohakuBlueleaf/HakuRiver/pkg/apierr"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/config"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/log"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/model"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/wire"
)

// trackedTask is one in-flight execution unit's bookkeeping.
type trackedTask struct {
	mu       sync.Mutex
	spec     Spec
	finished bool
}

// Runner is the runner agent: it registers with the coordinator, accepts
// run/kill/pause/resume calls, and reports task lifecycle back over
// heartbeats and immediate updates.
type Runner struct {
	cfg     config.RunnerConfig
	httpCli *http.Client

	containerBackend *ContainerBackend
	processBackend   *ProcessBackend

	tasksMu sync.Mutex
	tasks   map[uint64]*trackedTask

	registered chan struct{}
	registerOK bool

	stopCh chan struct{}
}

// New builds a Runner. Registration and the heartbeat/self-check loop are
// started by Start.
func New(cfg config.RunnerConfig, containerBackend *ContainerBackend, processBackend *ProcessBackend) *Runner {
	return &Runner{
		cfg:              cfg,
		httpCli:          &http.Client{Timeout: defaultCallTimeout},
		containerBackend: containerBackend,
		processBackend:   processBackend,
		tasks:            make(map[uint64]*trackedTask),
		registered:       make(chan struct{}),
		stopCh:           make(chan struct{}),
	}
}

// Start registers with the coordinator (retrying with bounded exponential
// backoff) and then starts the heartbeat/self-check loop. No run() call is
// accepted before the first successful registration.
func (r *Runner) Start(resources RegisterInfo) {
	go r.registerLoop(resources)
	go r.heartbeatLoop()
}

func (r *Runner) Stop() {
	close(r.stopCh)
}

// RegisterInfo is the local resource inventory the runner advertises at
// registration time.
type RegisterInfo struct {
	TotalCores  int
	TotalMemory int64
	NUMA        map[string]model.NUMANode
	GPUs        []model.GPU
}

func (r *Runner) registerLoop(info RegisterInfo) {
	backoff := r.cfg.RegisterBackoffMin
	for {
		if err := r.register(info); err == nil {
			log.Logger.Info().Str("hostname", r.cfg.Hostname).Msg("registered with coordinator")
			r.tasksMu.Lock()
			r.registerOK = true
			r.tasksMu.Unlock()
			close(r.registered)
			return
		} else {
			log.Logger.Warn().Err(err).Dur("retry_in", backoff).Msg("registration failed")
		}

		select {
		case <-time.After(backoff):
		case <-r.stopCh:
			return
		}
		backoff *= 2
		if backoff > r.cfg.RegisterBackoffMax {
			backoff = r.cfg.RegisterBackoffMax
		}
	}
}

func (r *Runner) register(info RegisterInfo) error {
	numa := make(map[string]wire.NUMANode, len(info.NUMA))
	for id, n := range info.NUMA {
		numa[id] = wire.NUMANode{CoreIDs: n.CoreIDs, MemoryBytes: n.MemoryBytes}
	}
	gpus := make([]wire.GPU, 0, len(info.GPUs))
	for _, g := range info.GPUs {
		gpus = append(gpus, wire.GPU{ID: g.ID, Name: g.Name, Driver: g.Driver, MemoryTotal: g.MemoryTotal})
	}

	req := wire.RegisterRequest{
		Hostname:    r.cfg.Hostname,
		URL:         r.cfg.AdvertiseURL,
		TotalCores:  info.TotalCores,
		TotalMemory: info.TotalMemory,
		NUMA:        numa,
		GPUs:        gpus,
	}

	var resp wire.RegisterResponse
	return r.post(context.Background(), "/runner/register", req, &resp)
}

// heartbeatLoop reports running ids and finalized ids on every tick, and
// doubles as the self-check loop: it polls every tracked task's backend for
// terminal state before building the report.
func (r *Runner) heartbeatLoop() {
	<-r.registered

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.selfCheckAndHeartbeat()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Runner) selfCheckAndHeartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultCallTimeout)
	defer cancel()

	running := make([]string, 0)
	finalized := make([]wire.FinalizedTask, 0)

	r.tasksMu.Lock()
	snapshot := make([]*trackedTask, 0, len(r.tasks))
	for _, t := range r.tasks {
		snapshot = append(snapshot, t)
	}
	r.tasksMu.Unlock()

	for _, tracked := range snapshot {
		tracked.mu.Lock()
		if tracked.finished {
			tracked.mu.Unlock()
			continue
		}
		spec := tracked.spec
		tracked.mu.Unlock()

		outcome, err := r.backendFor(spec.Environment).Inspect(ctx, spec.UnitName)
		if err != nil {
			log.Logger.Warn().Err(err).Uint64("task_id", spec.TaskID).Msg("self-check inspect failed")
			continue
		}

		if !outcome.Terminal {
			running = append(running, wire.TaskID(spec.TaskID))
			continue
		}

		tracked.mu.Lock()
		tracked.finished = true
		tracked.mu.Unlock()

		finalized = append(finalized, wire.FinalizedTask{
			ID:       wire.TaskID(spec.TaskID),
			Status:   string(outcome.Status),
			ExitCode: outcome.ExitCode,
			Error:    outcome.Error,
		})

		r.tasksMu.Lock()
		delete(r.tasks, spec.TaskID)
		r.tasksMu.Unlock()
	}

	req := wire.HeartbeatRequest{
		Hostname:   r.cfg.Hostname,
		RunningIDs: running,
		Finalized:  finalized,
	}
	var resp wire.HeartbeatResponse
	if err := r.post(ctx, "/runner/heartbeat", req, &resp); err != nil {
		log.Logger.Warn().Err(err).Msg("heartbeat failed")
	}
}

func (r *Runner) backendFor(environment string) Backend {
	if environment == model.NoContainer {
		return r.processBackend
	}
	return r.containerBackend
}

// Run accepts a dispatch from the coordinator and launches it. Duplicate
// dispatches for an id already tracked return an already-tracked error
// rather than relaunching.
func (r *Runner) Run(ctx context.Context, req wire.RunRequest) (wire.RunResponse, error) {
	taskID, err := wire.ParseTaskID(req.TaskID)
	if err != nil {
		return wire.RunResponse{}, apierr.New(apierr.Validation, "invalid task id")
	}

	r.tasksMu.Lock()
	if !r.registerOK {
		r.tasksMu.Unlock()
		return wire.RunResponse{}, apierr.New(apierr.Dispatch, "runner has not completed registration")
	}
	if _, exists := r.tasks[taskID]; exists {
		r.tasksMu.Unlock()
		return wire.RunResponse{}, apierr.New(apierr.Conflict, "task already tracked")
	}
	r.tasksMu.Unlock()

	kind := model.TaskKind(req.Kind)
	spec := Spec{
		TaskID:      taskID,
		UnitName:    unitNameFor(taskID),
		Kind:        kind,
		Cores:       req.Cores,
		MemoryBytes: req.MemoryBytes,
		GPUIDs:      req.GPUIDs,
		NUMAID:      req.NUMAID,
		Environment: req.Environment,
		Privileged:  req.Privileged,
		StdoutPath:  (&model.Task{ID: taskID}).StdoutPath(r.cfg.SharedStorageRoot),
		StderrPath:  (&model.Task{ID: taskID}).StderrPath(r.cfg.SharedStorageRoot),
	}
	if req.Command != nil {
		spec.Command = &model.CommandPayload{Executable: req.Command.Executable, Args: req.Command.Args, Env: req.Command.Env}
	}
	if req.VPS != nil {
		spec.VPS = &model.VPSPayload{AuthorizedKey: req.VPS.AuthorizedKey}
	}
	for _, m := range req.Mounts {
		spec.Mounts = append(spec.Mounts, model.Mount{HostPath: m.HostPath, ContainerPath: m.ContainerPath, ReadOnly: m.ReadOnly})
	}

	tracked := &trackedTask{spec: spec}
	r.tasksMu.Lock()
	r.tasks[taskID] = tracked
	r.tasksMu.Unlock()

	port, err := r.backendFor(spec.Environment).Launch(ctx, spec)
	if err != nil {
		r.tasksMu.Lock()
		delete(r.tasks, taskID)
		r.tasksMu.Unlock()
		if errObj, ok := apierr.As(err); ok {
			return wire.RunResponse{Accepted: false, Reason: errObj.Message}, err
		}
		return wire.RunResponse{Accepted: false, Reason: err.Error()}, err
	}

	return wire.RunResponse{Accepted: true, TunnelPort: port}, nil
}

func (r *Runner) trackedTask(taskID uint64) (*trackedTask, bool) {
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	t, ok := r.tasks[taskID]
	return t, ok
}

func (r *Runner) Kill(ctx context.Context, req wire.ControlRequest) (wire.ControlResponse, error) {
	return r.control(ctx, req, func(b Backend, unit string) error { return b.Kill(ctx, unit) }, "killed")
}

func (r *Runner) Pause(ctx context.Context, req wire.ControlRequest) (wire.ControlResponse, error) {
	return r.control(ctx, req, func(b Backend, unit string) error { return b.Pause(ctx, unit) }, "paused")
}

func (r *Runner) Resume(ctx context.Context, req wire.ControlRequest) (wire.ControlResponse, error) {
	return r.control(ctx, req, func(b Backend, unit string) error { return b.Resume(ctx, unit) }, "resumed")
}

func (r *Runner) control(ctx context.Context, req wire.ControlRequest, action func(Backend, string) error, detail string) (wire.ControlResponse, error) {
	taskID, err := wire.ParseTaskID(req.TaskID)
	if err != nil {
		return wire.ControlResponse{}, apierr.New(apierr.Validation, "invalid task id")
	}

	tracked, ok := r.trackedTask(taskID)
	environment := ""
	if ok {
		tracked.mu.Lock()
		environment = tracked.spec.Environment
		tracked.mu.Unlock()
	}

	if err := action(r.backendFor(environment), req.UnitName); err != nil {
		return wire.ControlResponse{}, err
	}
	return wire.ControlResponse{Accepted: true, Detail: detail}, nil
}

func (r *Runner) post(ctx context.Context, path string, body, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := r.cfg.CoordinatorURL + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.httpCli.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("coordinator returned status %d for %s", resp.StatusCode, path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func unitNameFor(taskID uint64) string {
	return "hakuriver-" + strconv.FormatUint(taskID, 10)
}
