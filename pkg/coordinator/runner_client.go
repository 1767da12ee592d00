package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/KohakuBlueleaf/HakuRiver/pkg/model"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/wire"
)

// runnerClientPool holds one *http.Client per runner URL, reused across
// calls instead of dialing fresh on every request.
type runnerClientPool struct {
	mu      sync.Mutex
	clients map[string]*http.Client
}

func newRunnerClientPool() *runnerClientPool {
	return &runnerClientPool{clients: make(map[string]*http.Client)}
}

func (p *runnerClientPool) clientFor(url string) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cli, ok := p.clients[url]; ok {
		return cli
	}
	cli := &http.Client{Timeout: 30 * time.Second}
	p.clients[url] = cli
	return cli
}

func (p *runnerClientPool) post(ctx context.Context, baseURL, path string, body, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.clientFor(baseURL).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("runner at %s returned status %d for %s", baseURL, resp.StatusCode, path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// dispatch sends a placed task to its assigned runner's run endpoint.
func (p *runnerClientPool) dispatch(ctx context.Context, baseURL string, req wire.RunRequest) (wire.RunResponse, error) {
	var resp wire.RunResponse
	err := p.post(ctx, baseURL, "/run", req, &resp)
	return resp, err
}

func (p *runnerClientPool) kill(ctx context.Context, baseURL string, taskID uint64, unitName string) error {
	return p.post(ctx, baseURL, "/kill", wire.ControlRequest{TaskID: wire.TaskID(taskID), UnitName: unitName}, nil)
}

func (p *runnerClientPool) pause(ctx context.Context, baseURL string, taskID uint64, unitName string) error {
	return p.post(ctx, baseURL, "/pause", wire.ControlRequest{TaskID: wire.TaskID(taskID), UnitName: unitName}, nil)
}

func (p *runnerClientPool) resume(ctx context.Context, baseURL string, taskID uint64, unitName string) error {
	return p.post(ctx, baseURL, "/resume", wire.ControlRequest{TaskID: wire.TaskID(taskID), UnitName: unitName}, nil)
}

// taskToRunRequest translates a placed task into the runner's dispatch
// payload.
func taskToRunRequest(t *model.Task) wire.RunRequest {
	req := wire.RunRequest{
		TaskID:      wire.TaskID(t.ID),
		Kind:        string(t.Kind),
		Cores:       t.Resources.Cores,
		MemoryBytes: t.Resources.MemoryByte,
		GPUIDs:      t.Resources.GPUIDs,
		NUMAID:      t.Resources.NUMAID,
		Environment: t.Environment,
		Privileged:  t.Privileged,
	}
	if t.BatchID != 0 {
		req.BatchID = wire.TaskID(t.BatchID)
	}
	if t.Command != nil {
		req.Command = &wire.CommandPayload{Executable: t.Command.Executable, Args: t.Command.Args, Env: t.Command.Env}
	}
	if t.VPS != nil {
		req.VPS = &wire.VPSPayload{AuthorizedKey: t.VPS.AuthorizedKey}
	}
	for _, m := range t.Mounts {
		req.Mounts = append(req.Mounts, wire.Mount{HostPath: m.HostPath, ContainerPath: m.ContainerPath, ReadOnly: m.ReadOnly})
	}
	return req
}
