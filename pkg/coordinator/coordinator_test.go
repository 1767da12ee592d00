package coordinator

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/KohakuBlueleaf/HakuRiver/pkg/config"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/model"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/storage"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.DefaultCoordinatorConfig()
	cfg.SharedStorageRoot = t.TempDir()
	cfg.SuspicionThreshold = 2
	return New(cfg, store, nil)
}

// acceptingRunner stands in for a runner that always accepts dispatch.
func acceptingRunner(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"accepted":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func registerNode(t *testing.T, c *Coordinator, hostname string, cores int, memory int64, url string) {
	t.Helper()
	require.NoError(t, c.Register(RegisterArgs{
		Hostname:    hostname,
		URL:         url,
		TotalCores:  cores,
		TotalMemory: memory,
	}))
}

func TestSubmitCommandPlacesAndDispatches(t *testing.T) {
	c := newTestCoordinator(t)
	runner := acceptingRunner(t)
	registerNode(t, c, "node-a", 8, 16<<30, runner.URL)

	batchID, results, err := c.Submit(SubmitArgs{
		Kind:        model.KindCommand,
		Targets:     []model.Target{{Hostname: "node-a"}},
		Command:     &model.CommandPayload{Executable: "/bin/echo", Args: []string{"hi"}},
		Resources:   model.ResourceRequest{Cores: 2, MemoryByte: 1 << 30},
		Environment: "default",
	})
	require.NoError(t, err)
	require.Zero(t, batchID, "a single-target submission carries no shared batch id")
	require.Len(t, results, 1)
	require.Empty(t, results[0].Error)
	require.NotZero(t, results[0].TaskID)

	task, err := c.GetTask(results[0].TaskID)
	require.NoError(t, err)
	require.Equal(t, "node-a", task.AssignedNode)

	require.Eventually(t, func() bool {
		task, err := c.GetTask(results[0].TaskID)
		return err == nil && task.Status == model.StatusAssigning
	}, time.Second, 5*time.Millisecond)
}

func TestSubmitRejectsOverCapacity(t *testing.T) {
	c := newTestCoordinator(t)
	runner := acceptingRunner(t)
	registerNode(t, c, "node-a", 4, 8<<30, runner.URL)

	_, results, err := c.Submit(SubmitArgs{
		Kind:        model.KindCommand,
		Targets:     []model.Target{{Hostname: "node-a"}},
		Command:     &model.CommandPayload{Executable: "/bin/echo"},
		Resources:   model.ResourceRequest{Cores: 100},
		Environment: "default",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotEmpty(t, results[0].Error)
	require.Zero(t, results[0].TaskID)
}

func TestSubmitBatchIsolatesPerTargetFailure(t *testing.T) {
	c := newTestCoordinator(t)
	runner := acceptingRunner(t)
	registerNode(t, c, "node-a", 8, 16<<30, runner.URL)
	registerNode(t, c, "node-b", 1, 1<<30, runner.URL)

	batchID, results, err := c.Submit(SubmitArgs{
		Kind:        model.KindCommand,
		Targets:     []model.Target{{Hostname: "node-a"}, {Hostname: "node-b"}},
		Command:     &model.CommandPayload{Executable: "/bin/echo"},
		Resources:   model.ResourceRequest{Cores: 2},
		Environment: "default",
	})
	require.NoError(t, err)
	require.NotZero(t, batchID, "a multi-target submission shares one batch id")
	require.Len(t, results, 2)
	require.Empty(t, results[0].Error)
	require.NotEmpty(t, results[1].Error, "node-b lacks the cores node-a satisfied")
}

func TestSubmitRejectsVPSWithNoContainer(t *testing.T) {
	c := newTestCoordinator(t)
	runner := acceptingRunner(t)
	registerNode(t, c, "node-a", 8, 16<<30, runner.URL)

	_, _, err := c.Submit(SubmitArgs{
		Kind:        model.KindVPS,
		Targets:     []model.Target{{Hostname: "node-a"}},
		VPS:         &model.VPSPayload{AuthorizedKey: "ssh-ed25519 AAAA"},
		Environment: model.NoContainer,
	})
	require.Error(t, err)
}

func TestSubmitRejectsNoContainerWithGPU(t *testing.T) {
	c := newTestCoordinator(t)
	runner := acceptingRunner(t)
	registerNode(t, c, "node-a", 8, 16<<30, runner.URL)

	_, _, err := c.Submit(SubmitArgs{
		Kind:        model.KindCommand,
		Targets:     []model.Target{{Hostname: "node-a"}},
		Command:     &model.CommandPayload{Executable: "/bin/echo"},
		Resources:   model.ResourceRequest{Cores: 1, GPUIDs: []string{"gpu0"}},
		Environment: model.NoContainer,
	})
	require.Error(t, err)
}

func TestAutoSelectVPSTargetPicksLexicographicallyFirstFit(t *testing.T) {
	c := newTestCoordinator(t)
	runner := acceptingRunner(t)
	registerNode(t, c, "node-b", 8, 16<<30, runner.URL)
	registerNode(t, c, "node-a", 8, 16<<30, runner.URL)

	_, results, err := c.Submit(SubmitArgs{
		Kind:        model.KindVPS,
		VPS:         &model.VPSPayload{AuthorizedKey: "ssh-ed25519 AAAA"},
		Resources:   model.ResourceRequest{Cores: 1},
		Environment: "default",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Empty(t, results[0].Error)

	task, err := c.GetTask(results[0].TaskID)
	require.NoError(t, err)
	require.Equal(t, "node-a", task.AssignedNode)
}

func TestUpdateRejectsAlreadyTerminalTask(t *testing.T) {
	c := newTestCoordinator(t)
	runner := acceptingRunner(t)
	registerNode(t, c, "node-a", 8, 16<<30, runner.URL)

	_, results, err := c.Submit(SubmitArgs{
		Kind:        model.KindCommand,
		Targets:     []model.Target{{Hostname: "node-a"}},
		Command:     &model.CommandPayload{Executable: "/bin/echo"},
		Resources:   model.ResourceRequest{Cores: 1},
		Environment: "default",
	})
	require.NoError(t, err)
	taskID := results[0].TaskID

	c.applyTerminalUpdate(taskID, model.StatusCompleted, nil, "", nil, nil)

	err = c.Update(UpdateArgs{TaskID: taskID, Status: model.StatusRunning})
	require.Error(t, err)

	task, err := c.GetTask(taskID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, task.Status, "a terminal status must never be overwritten")
}

func TestControlRejectsResumeWhenNodeOffline(t *testing.T) {
	c := newTestCoordinator(t)
	runner := acceptingRunner(t)
	registerNode(t, c, "node-a", 8, 16<<30, runner.URL)

	_, results, err := c.Submit(SubmitArgs{
		Kind:        model.KindCommand,
		Targets:     []model.Target{{Hostname: "node-a"}},
		Command:     &model.CommandPayload{Executable: "/bin/echo"},
		Resources:   model.ResourceRequest{Cores: 1},
		Environment: "default",
	})
	require.NoError(t, err)
	taskID := results[0].TaskID

	require.Eventually(t, func() bool {
		task, err := c.GetTask(taskID)
		return err == nil && task.Status == model.StatusAssigning
	}, time.Second, 5*time.Millisecond)

	c.mu.Lock()
	task, err := c.store.GetTask(taskID)
	require.NoError(t, err)
	task.Status = model.StatusPaused
	require.NoError(t, c.store.UpdateTask(task))

	node, err := c.store.GetNode("node-a")
	require.NoError(t, err)
	node.Status = model.NodeOffline
	require.NoError(t, c.store.UpdateNode(node))
	c.mu.Unlock()

	err = c.Control(taskID, "resume")
	require.Error(t, err)
}

func TestLivenessSweepLosesTasksOnOfflineNode(t *testing.T) {
	c := newTestCoordinator(t)
	runner := acceptingRunner(t)
	registerNode(t, c, "node-a", 8, 16<<30, runner.URL)

	_, results, err := c.Submit(SubmitArgs{
		Kind:        model.KindCommand,
		Targets:     []model.Target{{Hostname: "node-a"}},
		Command:     &model.CommandPayload{Executable: "/bin/echo"},
		Resources:   model.ResourceRequest{Cores: 1},
		Environment: "default",
	})
	require.NoError(t, err)
	taskID := results[0].TaskID

	require.Eventually(t, func() bool {
		task, err := c.GetTask(taskID)
		return err == nil && task.Status == model.StatusAssigning
	}, time.Second, 5*time.Millisecond)

	c.mu.Lock()
	node, err := c.store.GetNode("node-a")
	require.NoError(t, err)
	node.LastHeartbeat = time.Now().Add(-time.Hour)
	require.NoError(t, c.store.UpdateNode(node))
	c.mu.Unlock()

	c.sweepLiveness()

	node, err = c.store.GetNode("node-a")
	require.NoError(t, err)
	require.Equal(t, model.NodeOffline, node.Status)

	task, err := c.GetTask(taskID)
	require.NoError(t, err)
	require.Equal(t, model.StatusLost, task.Status)
}

func TestLivenessSweepFailsStuckAssignmentAfterThreshold(t *testing.T) {
	c := newTestCoordinator(t)
	runner := acceptingRunner(t)
	registerNode(t, c, "node-a", 8, 16<<30, runner.URL)

	_, results, err := c.Submit(SubmitArgs{
		Kind:        model.KindCommand,
		Targets:     []model.Target{{Hostname: "node-a"}},
		Command:     &model.CommandPayload{Executable: "/bin/echo"},
		Resources:   model.ResourceRequest{Cores: 1},
		Environment: "default",
	})
	require.NoError(t, err)
	taskID := results[0].TaskID

	require.Eventually(t, func() bool {
		task, err := c.GetTask(taskID)
		return err == nil && task.Status == model.StatusAssigning
	}, time.Second, 5*time.Millisecond)

	c.checkStuckAssignments()
	task, err := c.GetTask(taskID)
	require.NoError(t, err)
	require.Equal(t, model.StatusAssigning, task.Status)
	require.Equal(t, 1, task.SuspicionCount)

	c.checkStuckAssignments()
	task, err = c.GetTask(taskID)
	require.NoError(t, err)
	require.Equal(t, model.StatusAssigning, task.Status)
	require.Equal(t, 2, task.SuspicionCount)

	c.checkStuckAssignments()
	task, err = c.GetTask(taskID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, task.Status)
}

func TestListTasksByKindFiltersCommandFromVPS(t *testing.T) {
	c := newTestCoordinator(t)
	runner := acceptingRunner(t)
	registerNode(t, c, "node-a", 8, 16<<30, runner.URL)

	_, _, err := c.Submit(SubmitArgs{
		Kind:        model.KindCommand,
		Targets:     []model.Target{{Hostname: "node-a"}},
		Command:     &model.CommandPayload{Executable: "/bin/echo"},
		Resources:   model.ResourceRequest{Cores: 1, MemoryByte: 1 << 20},
		Environment: "default",
	})
	require.NoError(t, err)

	_, _, err = c.Submit(SubmitArgs{
		Kind:        model.KindVPS,
		Targets:     []model.Target{{Hostname: "node-a"}},
		VPS:         &model.VPSPayload{AuthorizedKey: "ssh-ed25519 AAAA"},
		Resources:   model.ResourceRequest{Cores: 1, MemoryByte: 1 << 20},
		Environment: "default",
	})
	require.NoError(t, err)

	commands, err := c.ListTasksByKind(model.KindCommand)
	require.NoError(t, err)
	require.Len(t, commands, 1)
	require.Equal(t, model.KindCommand, commands[0].Kind)

	vpses, err := c.ListTasksByKind(model.KindVPS)
	require.NoError(t, err)
	require.Len(t, vpses, 1)
	require.Equal(t, model.KindVPS, vpses[0].Kind)

	all, err := c.ListTasks()
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestListHealthFiltersByHostname(t *testing.T) {
	c := newTestCoordinator(t)
	runnerA := acceptingRunner(t)
	runnerB := acceptingRunner(t)
	registerNode(t, c, "node-a", 8, 16<<30, runnerA.URL)
	registerNode(t, c, "node-b", 8, 16<<30, runnerB.URL)

	all, err := c.ListHealth("")
	require.NoError(t, err)
	require.Len(t, all, 2)

	one, err := c.ListHealth("node-a")
	require.NoError(t, err)
	require.Len(t, one, 1)
	require.Equal(t, "node-a", one[0].Hostname)

	_, err = c.ListHealth("node-missing")
	require.Error(t, err)
}
