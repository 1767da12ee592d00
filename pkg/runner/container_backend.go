package runner

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/KohakuBlueleaf/HakuRiver/pkg/apierr"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/model"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/registry"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	cpuPeriod      = 100000
	sshContainerPt = "22/tcp"
)

// ContainerBackend launches execution units as Docker containers: the
// default backend, required for vps tasks, GPU requests, or a named
// environment.
type ContainerBackend struct {
	cli               *client.Client
	registry          *registry.Registry
	sharedStorageRoot string
	localTempDir      string

	mu sync.Mutex
	// outcomes caches the finalized result of a command-kind container once
	// it exits: those containers are auto-removed on exit, so by the time
	// Inspect is next polled there is nothing left in Docker to inspect.
	outcomes map[string]*Outcome
}

// NewContainerBackend builds a ContainerBackend over cli, syncing named
// environments through reg before every launch.
func NewContainerBackend(cli *client.Client, reg *registry.Registry, sharedStorageRoot, localTempDir string) *ContainerBackend {
	return &ContainerBackend{
		cli:               cli,
		registry:          reg,
		sharedStorageRoot: sharedStorageRoot,
		localTempDir:      localTempDir,
		outcomes:          make(map[string]*Outcome),
	}
}

func imageTag(name string) string { return fmt.Sprintf("env/%s:base", name) }

func (b *ContainerBackend) Launch(ctx context.Context, spec Spec) (int, error) {
	if err := b.registry.Sync(ctx, spec.Environment); err != nil {
		return 0, err
	}

	cfg := &container.Config{
		Image:  imageTag(spec.Environment),
		Labels: map[string]string{"hakuriver.task_id": strconv.FormatUint(spec.TaskID, 10)},
	}

	hostCfg := &container.HostConfig{
		Mounts: b.mounts(spec),
	}
	if spec.Cores > 0 {
		hostCfg.CPUPeriod = cpuPeriod
		hostCfg.CPUQuota = int64(spec.Cores) * cpuPeriod
	}
	if spec.MemoryBytes > 0 {
		hostCfg.Memory = spec.MemoryBytes
	}
	if len(spec.GPUIDs) > 0 {
		hostCfg.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			DeviceIDs:    spec.GPUIDs,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	if spec.Privileged {
		hostCfg.Privileged = true
	}

	switch spec.Kind {
	case model.KindCommand:
		cfg.Cmd = append([]string{spec.Command.Executable}, spec.Command.Args...)
		cfg.Env = envSlice(spec.Command.Env)
		// Command containers are one-shot: Docker removes them for us the
		// moment they exit, rather than leaving a dead container behind for
		// every task run. VPS containers are long-lived and keep their
		// RestartPolicy instead (Docker rejects the two together).
		hostCfg.AutoRemove = true
	case model.KindVPS:
		cfg.ExposedPorts = nat.PortSet{nat.Port(sshContainerPt): struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			nat.Port(sshContainerPt): []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "0"}},
		}
		hostCfg.RestartPolicy = container.RestartPolicy{Name: "on-failure"}
		cfg.Entrypoint = []string{"/bin/sh", "-c"}
		cfg.Cmd = []string{vpsEntrypointScript(spec.VPS.AuthorizedKey)}
	}

	resp, err := b.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.UnitName)
	if err != nil {
		return 0, apierr.Wrap(apierr.Backend, "creating container", err)
	}

	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = b.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return 0, apierr.Wrap(apierr.Backend, "starting container", err)
	}

	if spec.Kind != model.KindVPS {
		go b.watchCommandExit(resp.ID, spec.UnitName)
		return 0, nil
	}

	inspect, err := b.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return 0, apierr.Wrap(apierr.Backend, "inspecting vps container for tunnel port", err)
	}
	bindings, ok := inspect.NetworkSettings.Ports[nat.Port(sshContainerPt)]
	if !ok || len(bindings) == 0 {
		return 0, apierr.New(apierr.Backend, "vps container did not publish an ssh port")
	}
	port, err := nat.ParsePort(bindings[0].HostPort)
	if err != nil {
		return 0, apierr.Wrap(apierr.Backend, "parsing published ssh port", err)
	}
	return port, nil
}

// watchCommandExit blocks until containerID stops, records the result for
// Inspect to hand back, and then lets Docker's own AutoRemove clean up the
// container. It inspects the container once as the wait condition fires to
// recover the OOMKilled flag and exit message before that removal completes;
// if it loses that race it still has the exit code from the wait itself.
func (b *ContainerBackend) watchCommandExit(containerID, unitName string) {
	ctx := context.Background()
	statusCh, errCh := b.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	var outcome Outcome
	select {
	case err := <-errCh:
		outcome = Outcome{Terminal: true, Status: model.StatusLost, Error: "waiting for container exit: " + err.Error()}
	case res := <-statusCh:
		outcome = b.finalizeCommandExit(ctx, containerID, res.StatusCode)
	}

	b.mu.Lock()
	b.outcomes[unitName] = &outcome
	b.mu.Unlock()
}

func (b *ContainerBackend) finalizeCommandExit(ctx context.Context, containerID string, statusCode int64) Outcome {
	code := int(statusCode)

	inspect, err := b.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		// Already auto-removed; fall back to the wait status alone, which
		// can't distinguish an OOM kill but still reports completed/failed.
		status := model.StatusCompleted
		if code != 0 {
			status = model.StatusFailed
		}
		return Outcome{Terminal: true, Status: status, ExitCode: &code}
	}

	if inspect.State.OOMKilled {
		return Outcome{Terminal: true, Status: model.StatusKilledOOM, ExitCode: &code}
	}
	status := model.StatusCompleted
	msg := ""
	if code != 0 {
		status = model.StatusFailed
		msg = inspect.State.Error
	}
	return Outcome{Terminal: true, Status: status, ExitCode: &code, Error: msg}
}

func (b *ContainerBackend) mounts(spec Spec) []mount.Mount {
	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: b.sharedStorageRoot + "/shared_data", Target: "/shared"},
		{Type: mount.TypeBind, Source: b.localTempDir, Target: "/local_temp"},
	}
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		})
	}
	return mounts
}

func (b *ContainerBackend) Kill(ctx context.Context, unitName string) error {
	err := b.cli.ContainerRemove(ctx, unitName, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return apierr.Wrap(apierr.Backend, "removing container", err)
	}
	return nil
}

func (b *ContainerBackend) Pause(ctx context.Context, unitName string) error {
	if err := b.cli.ContainerPause(ctx, unitName); err != nil {
		return apierr.Wrap(apierr.Backend, "pausing container", err)
	}
	return nil
}

func (b *ContainerBackend) Resume(ctx context.Context, unitName string) error {
	if err := b.cli.ContainerUnpause(ctx, unitName); err != nil {
		return apierr.Wrap(apierr.Backend, "resuming container", err)
	}
	return nil
}

func (b *ContainerBackend) Inspect(ctx context.Context, unitName string) (Outcome, error) {
	b.mu.Lock()
	cached, ok := b.outcomes[unitName]
	if ok {
		delete(b.outcomes, unitName)
	}
	b.mu.Unlock()
	if ok {
		return *cached, nil
	}

	inspect, err := b.cli.ContainerInspect(ctx, unitName)
	if err != nil {
		if client.IsErrNotFound(err) {
			return Outcome{Terminal: true, Status: model.StatusLost, Error: "execution unit not found"}, nil
		}
		return Outcome{}, apierr.Wrap(apierr.Backend, "inspecting container", err)
	}

	switch {
	case inspect.State.Running:
		return Outcome{Running: true, Paused: inspect.State.Paused}, nil
	case inspect.State.OOMKilled:
		code := inspect.State.ExitCode
		return Outcome{Terminal: true, Status: model.StatusKilledOOM, ExitCode: &code}, nil
	case inspect.State.Status == "exited":
		code := inspect.State.ExitCode
		status := model.StatusCompleted
		msg := ""
		if code != 0 {
			status = model.StatusFailed
			msg = inspect.State.Error
		}
		return Outcome{Terminal: true, Status: status, ExitCode: &code, Error: msg}, nil
	default:
		return Outcome{}, nil
	}
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func vpsEntrypointScript(authorizedKey string) string {
	return fmt.Sprintf(
		`mkdir -p /root/.ssh && chmod 700 /root/.ssh && printf '%%s\n' %q > /root/.ssh/authorized_keys && chmod 600 /root/.ssh/authorized_keys && exec /usr/sbin/sshd -D`,
		authorizedKey,
	)
}
