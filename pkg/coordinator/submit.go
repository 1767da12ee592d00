package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/KohakuBlueleaf/HakuRiver/pkg/apierr"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/model"
)

// SubmitArgs is a client's task-request payload, already parsed into
// model.Target values.
type SubmitArgs struct {
	Kind        model.TaskKind
	Targets     []model.Target
	Command     *model.CommandPayload
	VPS         *model.VPSPayload
	Resources   model.ResourceRequest
	Environment string
	Privileged  bool
	Mounts      []model.Mount
}

// SubmitResult is one target's placement outcome.
type SubmitResult struct {
	Target string
	TaskID uint64
	Error  string
}

// Submit validates and places every target in req independently: a bad
// target fails on its own without affecting its batch peers.
func (c *Coordinator) Submit(req SubmitArgs) (batchID uint64, results []SubmitResult, err error) {
	if err := c.validateMutualExclusion(req); err != nil {
		return 0, nil, err
	}

	targets := req.Targets
	if req.Kind == model.KindVPS && len(targets) == 0 {
		t, err := c.autoSelectVPSTarget(req.Resources)
		if err != nil {
			return 0, []SubmitResult{{Error: err.Error()}}, nil
		}
		targets = []model.Target{t}
	}

	if len(targets) > 1 {
		batchID = c.ids.Next()
	}

	results = make([]SubmitResult, 0, len(targets))
	for _, target := range targets {
		taskID, placeErr := c.placeOne(req, target, batchID)
		res := SubmitResult{Target: target.String()}
		if placeErr != nil {
			res.Error = placeErr.Error()
		} else {
			res.TaskID = taskID
		}
		results = append(results, res)
	}
	return batchID, results, nil
}

func (c *Coordinator) validateMutualExclusion(req SubmitArgs) error {
	noContainer := req.Environment == model.NoContainer
	switch req.Kind {
	case model.KindVPS:
		if noContainer {
			return apierr.New(apierr.Validation, "vps tasks cannot use the no-container environment")
		}
		if len(req.Targets) > 1 {
			return apierr.New(apierr.Validation, "vps requires exactly one target")
		}
	case model.KindCommand:
		if noContainer && len(req.Resources.GPUIDs) > 0 {
			return apierr.New(apierr.Validation, "no-container is incompatible with a gpu request")
		}
	default:
		return apierr.New(apierr.Validation, "unknown task kind: "+string(req.Kind))
	}
	return nil
}

// placeOne validates one target, checks capacity, and — if accepted —
// creates the task row pending then immediately assigning, dispatching
// asynchronously.
func (c *Coordinator) placeOne(req SubmitArgs, target model.Target, batchID uint64) (uint64, error) {
	c.mu.Lock()
	node, err := c.store.GetNode(target.Hostname)
	if err != nil || node.Status != model.NodeOnline {
		c.mu.Unlock()
		return 0, fmt.Errorf("target %s does not resolve to an online node", target.Hostname)
	}
	if !node.HasNUMA(target.NUMAID) {
		c.mu.Unlock()
		return 0, fmt.Errorf("node %s does not own numa id %s", target.Hostname, target.NUMAID)
	}
	gpuIDs := target.GPUIDs
	if len(gpuIDs) == 0 {
		gpuIDs = req.Resources.GPUIDs
	}
	if !node.HasGPUs(gpuIDs) {
		c.mu.Unlock()
		return 0, fmt.Errorf("node %s does not own every requested gpu id", target.Hostname)
	}

	if err := c.checkCapacity(node, req.Resources.Cores, req.Resources.MemoryByte, gpuIDs); err != nil {
		c.mu.Unlock()
		return 0, err
	}

	resources := req.Resources
	resources.GPUIDs = gpuIDs
	if target.NUMAID != "" {
		resources.NUMAID = target.NUMAID
	}

	taskID := c.ids.Next()
	task := &model.Task{
		ID:           taskID,
		BatchID:      batchID,
		Kind:         req.Kind,
		Command:      req.Command,
		VPS:          req.VPS,
		Resources:    resources,
		Environment:  req.Environment,
		Privileged:   req.Privileged,
		Mounts:       req.Mounts,
		Status:       model.StatusPending,
		AssignedNode: target.Hostname,
		SubmittedAt:  time.Now(),
	}
	if err := c.store.CreateTask(task); err != nil {
		c.mu.Unlock()
		return 0, err
	}

	task.Status = model.StatusAssigning
	task.ExecutionUnit = unitNameFor(taskID)
	if err := c.store.UpdateTask(task); err != nil {
		c.mu.Unlock()
		return 0, err
	}
	nodeURL := node.URL
	c.mu.Unlock()

	go c.dispatch(nodeURL, task)

	return taskID, nil
}

// checkCapacity enforces free cores/memory and GPU
// set-membership against every non-terminal task already on the node.
func (c *Coordinator) checkCapacity(node *model.Node, cores int, memory int64, gpuIDs []string) error {
	tasks, err := c.store.ListTasksByNode(node.Hostname)
	if err != nil {
		return err
	}

	var allocatedCores int
	var allocatedMemory int64
	heldGPUs := make(map[string]struct{})
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		allocatedCores += t.Resources.Cores
		allocatedMemory += t.Resources.MemoryByte
		for _, g := range t.Resources.GPUIDs {
			heldGPUs[g] = struct{}{}
		}
	}

	if node.TotalCores-allocatedCores < cores {
		return apierr.New(apierr.Capacity, fmt.Sprintf("node %s has insufficient free cores", node.Hostname))
	}
	if memory > 0 && node.TotalMemory-allocatedMemory < memory {
		return apierr.New(apierr.Capacity, fmt.Sprintf("node %s has insufficient free memory", node.Hostname))
	}
	for _, g := range gpuIDs {
		if _, held := heldGPUs[g]; held {
			return apierr.New(apierr.Capacity, fmt.Sprintf("gpu %s on node %s is already held", g, node.Hostname))
		}
	}
	return nil
}

// autoSelectVPSTarget iterates online nodes in stable lexicographic order
// and picks the first whose free resources satisfy the request.
func (c *Coordinator) autoSelectVPSTarget(resources model.ResourceRequest) (model.Target, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nodes, err := c.store.ListNodes()
	if err != nil {
		return model.Target{}, err
	}
	online := make([]*model.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Status == model.NodeOnline {
			online = append(online, n)
		}
	}
	sort.Slice(online, func(i, j int) bool { return online[i].Hostname < online[j].Hostname })

	for _, n := range online {
		if !n.HasGPUs(resources.GPUIDs) {
			continue
		}
		if err := c.checkCapacity(n, resources.Cores, resources.MemoryByte, resources.GPUIDs); err == nil {
			return model.Target{Hostname: n.Hostname}, nil
		}
	}
	return model.Target{}, apierr.New(apierr.Capacity, "no online node has enough free capacity for the vps request")
}

// dispatch relays a placed task to its assigned runner. Dispatch failure
// moves the task to failed with a dispatch-specific message; it never
// affects the rest of the batch.
func (c *Coordinator) dispatch(nodeURL string, task *model.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultForwardTimeout)
	defer cancel()

	resp, err := c.runners.dispatch(ctx, nodeURL, taskToRunRequest(task))

	c.mu.Lock()
	defer c.mu.Unlock()

	current, getErr := c.store.GetTask(task.ID)
	if getErr != nil || current.Status.Terminal() {
		return
	}

	if err != nil || !resp.Accepted {
		reason := "dispatch failed"
		if err != nil {
			reason = err.Error()
		} else if resp.Reason != "" {
			reason = resp.Reason
		}
		current.Status = model.StatusFailed
		current.Error = reason
		now := time.Now()
		current.CompletedAt = &now
		_ = c.store.UpdateTask(current)
		return
	}

	if resp.TunnelPort != 0 {
		current.TunnelPort = resp.TunnelPort
		_ = c.store.UpdateTask(current)
	}
}

func unitNameFor(taskID uint64) string {
	return fmt.Sprintf("hakuriver-%d", taskID)
}
