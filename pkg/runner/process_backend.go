package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/KohakuBlueleaf/HakuRiver/pkg/apierr"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/log"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/model"
)

// ProcessBackend launches command tasks as transient scope units via the
// host's systemd, wrapped by the NUMA affinity tool when a NUMA id is
// requested. This is the `no-container` backend; no GPU requests are
// permitted on it.
type ProcessBackend struct {
	mu    sync.Mutex
	units map[string]*scopedUnit
}

type scopedUnit struct {
	cmd      *exec.Cmd
	paused   bool
	outcome  *Outcome
	done     chan struct{}
}

// NewProcessBackend creates an empty ProcessBackend.
func NewProcessBackend() *ProcessBackend {
	return &ProcessBackend{units: make(map[string]*scopedUnit)}
}

func (b *ProcessBackend) Launch(ctx context.Context, spec Spec) (int, error) {
	if spec.Kind != model.KindCommand {
		return 0, apierr.New(apierr.Validation, "the scoped-process backend only runs command tasks")
	}
	if len(spec.GPUIDs) > 0 {
		return 0, apierr.New(apierr.Validation, "the scoped-process backend does not support gpu requests")
	}

	args := []string{"--unit", spec.UnitName, "--scope"}
	if spec.MemoryBytes > 0 {
		args = append(args, "-p", fmt.Sprintf("MemoryMax=%d", spec.MemoryBytes))
	}
	if spec.Cores > 0 {
		args = append(args, "-p", fmt.Sprintf("CPUQuota=%d%%", spec.Cores*100))
	}

	command := append([]string{spec.Command.Executable}, spec.Command.Args...)
	if spec.NUMAID != "" {
		command = append([]string{"numactl", "--cpunodebind=" + spec.NUMAID, "--membind=" + spec.NUMAID}, command...)
	}
	args = append(args, command...)

	cmd := exec.CommandContext(context.Background(), "systemd-run", args...)
	cmd.Env = envSlice(spec.Command.Env)

	stdout, err := os.Create(spec.StdoutPath)
	if err != nil {
		return 0, apierr.Wrap(apierr.Backend, "opening stdout file", err)
	}
	stderr, err := os.Create(spec.StderrPath)
	if err != nil {
		stdout.Close()
		return 0, apierr.Wrap(apierr.Backend, "opening stderr file", err)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return 0, apierr.Wrap(apierr.Backend, "starting scoped process", err)
	}

	unit := &scopedUnit{cmd: cmd, done: make(chan struct{})}
	b.mu.Lock()
	b.units[spec.UnitName] = unit
	b.mu.Unlock()

	go b.wait(spec.UnitName, unit, stdout, stderr)

	return 0, nil
}

func (b *ProcessBackend) wait(unitName string, unit *scopedUnit, stdout, stderr *os.File) {
	err := unit.cmd.Wait()
	stdout.Close()
	stderr.Close()

	b.mu.Lock()
	defer b.mu.Unlock()

	code := 0
	status := model.StatusCompleted
	msg := ""
	if err != nil {
		status = model.StatusFailed
		msg = err.Error()
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
			if killedByOOM(exitErr) {
				status = model.StatusKilledOOM
			}
		} else {
			code = -1
		}
	}
	unit.outcome = &Outcome{Terminal: true, Status: status, ExitCode: &code, Error: msg}
	close(unit.done)
	log.Logger.Info().Str("unit", unitName).Int("exit_code", code).Msg("scoped process finalized")
}

// killedByOOM reports whether a scoped process was terminated by SIGKILL, the
// signal the kernel's OOM killer sends a cgroup that breaches its MemoryMax.
// A process a caller kills through Kill also dies by SIGKILL, so this is
// necessarily a heuristic; the coordinator's terminal-state ordering
// guarantee is what actually resolves the ambiguity when both race.
func killedByOOM(exitErr *exec.ExitError) bool {
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && status.Signaled() && status.Signal() == syscall.SIGKILL
}

func (b *ProcessBackend) Kill(ctx context.Context, unitName string) error {
	unit, ok := b.lookup(unitName)
	if !ok {
		return nil // already gone; idempotent
	}
	if err := exec.CommandContext(ctx, "systemctl", "kill", unitName+".scope", "--signal=SIGKILL").Run(); err != nil {
		if unit.cmd.Process != nil {
			_ = unit.cmd.Process.Signal(syscall.SIGKILL)
		}
	}
	return nil
}

func (b *ProcessBackend) Pause(ctx context.Context, unitName string) error {
	unit, ok := b.lookup(unitName)
	if !ok {
		return apierr.New(apierr.NotFound, "no scoped process for "+unitName)
	}
	if err := exec.CommandContext(ctx, "systemctl", "freeze", unitName+".scope").Run(); err != nil {
		return apierr.Wrap(apierr.Backend, "freezing scope", err)
	}
	b.mu.Lock()
	unit.paused = true
	b.mu.Unlock()
	return nil
}

func (b *ProcessBackend) Resume(ctx context.Context, unitName string) error {
	unit, ok := b.lookup(unitName)
	if !ok {
		return apierr.New(apierr.NotFound, "no scoped process for "+unitName)
	}
	if err := exec.CommandContext(ctx, "systemctl", "thaw", unitName+".scope").Run(); err != nil {
		return apierr.Wrap(apierr.Backend, "thawing scope", err)
	}
	b.mu.Lock()
	unit.paused = false
	b.mu.Unlock()
	return nil
}

func (b *ProcessBackend) Inspect(ctx context.Context, unitName string) (Outcome, error) {
	unit, ok := b.lookup(unitName)
	if !ok {
		return Outcome{Terminal: true, Status: model.StatusLost, Error: "execution unit not found"}, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if unit.outcome != nil {
		return *unit.outcome, nil
	}
	return Outcome{Running: true, Paused: unit.paused}, nil
}

func (b *ProcessBackend) lookup(unitName string) (*scopedUnit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	unit, ok := b.units[unitName]
	return unit, ok
}
