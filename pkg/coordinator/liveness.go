package coordinator

import (
	"time"

	"github.com/KohakuBlueleaf/HakuRiver/pkg/metrics"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/model"
)

// scheduleLoop currently exists only to own the ticker slot placement would
// use for a periodic re-pass; today every placement happens synchronously
// inside Submit, so this loop is a no-op heartbeat reserved for a future
// rebalancing pass.
func (c *Coordinator) scheduleLoop() {
	interval := c.cfg.SchedulerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-c.stopCh:
			return
		}
	}
}

// livenessLoop periodically sweeps nodes for missed heartbeats and tasks
// stuck mid-dispatch, cascading both into terminal state.
func (c *Coordinator) livenessLoop() {
	interval := c.cfg.LivenessInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweepLiveness()
		case <-c.stopCh:
			return
		}
	}
}

// sweepLiveness marks nodes offline once they exceed the liveness window,
// losing every non-terminal task assigned to them, and bumps the suspicion
// counter on tasks that have sat in assigning too long without a runner
// reporting them as running.
func (c *Coordinator) sweepLiveness() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LivenessSweepDuration)

	window := c.cfg.LivenessWindow()
	now := time.Now()

	c.mu.Lock()
	nodes, err := c.store.ListNodes()
	if err != nil {
		c.mu.Unlock()
		c.logger.Error().Err(err).Msg("liveness sweep: failed to list nodes")
		return
	}

	var newlyOffline []string
	for _, n := range nodes {
		if n.Status != model.NodeOnline {
			continue
		}
		if now.Sub(n.LastHeartbeat) <= window {
			continue
		}
		n.Status = model.NodeOffline
		if err := c.store.UpdateNode(n); err != nil {
			c.logger.Error().Err(err).Str("hostname", n.Hostname).Msg("failed to mark node offline")
			continue
		}
		newlyOffline = append(newlyOffline, n.Hostname)
		metrics.NodesMarkedOffline.Inc()
		c.logger.Warn().Str("hostname", n.Hostname).Dur("since_heartbeat", now.Sub(n.LastHeartbeat)).Msg("node missed its liveness window, marking offline")
	}
	c.mu.Unlock()

	for _, hostname := range newlyOffline {
		c.loseTasksOnNode(hostname)
	}

	c.checkStuckAssignments()
}

// loseTasksOnNode transitions every non-terminal task on a newly-offline
// node to lost: a task whose node has gone dark cannot be trusted to still
// be running, paused, or otherwise recoverable.
func (c *Coordinator) loseTasksOnNode(hostname string) {
	c.mu.Lock()
	tasks, err := c.store.ListTasksByNode(hostname)
	c.mu.Unlock()
	if err != nil {
		c.logger.Error().Err(err).Str("hostname", hostname).Msg("failed to list tasks for offline node")
		return
	}

	for _, t := range tasks {
		if !t.IsNonTerminal() {
			continue
		}
		c.applyTerminalUpdate(t.ID, model.StatusLost, nil, "node went offline", nil, nil)
		metrics.TasksFailed.WithLabelValues("lost").Inc()
	}
}

// checkStuckAssignments increments the suspicion counter on every task still
// in assigning, and fails any that have exceeded the suspicion threshold
// without a runner ever reporting it running.
func (c *Coordinator) checkStuckAssignments() {
	c.mu.Lock()
	defer c.mu.Unlock()

	tasks, err := c.store.ListTasksByStatus(model.StatusAssigning)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to list assigning tasks during liveness sweep")
		return
	}

	for _, t := range tasks {
		t.SuspicionCount++
		if t.SuspicionCount <= c.cfg.SuspicionThreshold {
			_ = c.store.UpdateTask(t)
			continue
		}
		t.Status = model.StatusFailed
		t.Error = "dispatch apparently lost"
		now := time.Now()
		t.CompletedAt = &now
		if err := c.store.UpdateTask(t); err != nil {
			c.logger.Error().Err(err).Uint64("task_id", t.ID).Msg("failed to fail stuck assignment")
			continue
		}
		metrics.TasksFailed.WithLabelValues("dispatch_lost").Inc()
		c.logger.Warn().Uint64("task_id", t.ID).Msg("assignment exceeded suspicion threshold, marking failed")
	}
}
