package runner

import (
	"context"
	"time"

	"github.com/KohakuBlueleaf/HakuRiver/pkg/model"
)

// Spec is everything a backend needs to launch one execution unit,
// translated from the coordinator's dispatch payload.
type Spec struct {
	TaskID      uint64
	UnitName    string
	Kind        model.TaskKind
	Command     *model.CommandPayload
	VPS         *model.VPSPayload
	Cores       int
	MemoryBytes int64
	GPUIDs      []string
	NUMAID      string
	Environment string
	Privileged  bool
	Mounts      []model.Mount

	StdoutPath string
	StderrPath string
}

// Outcome is a backend's observation of one execution unit's terminal or
// current state, as reported by self-check polling.
type Outcome struct {
	Running    bool
	Paused     bool
	Terminal   bool
	Status     model.Status // meaningful only when Terminal
	ExitCode   *int
	Error      string
	TunnelPort int
}

// Backend is the execution surface a runner dispatches onto: either the
// Docker container backend or the scoped-process backend. Both are
// launched, killed, paused, resumed, and polled the same way from the
// runner's point of view.
type Backend interface {
	// Launch starts spec's execution unit. For vps kind it returns the
	// discovered tunnel port once the unit is reachable.
	Launch(ctx context.Context, spec Spec) (tunnelPort int, err error)

	Kill(ctx context.Context, unitName string) error
	Pause(ctx context.Context, unitName string) error
	Resume(ctx context.Context, unitName string) error

	// Inspect polls the backend for unitName's current state, used by the
	// runner's self-check loop to synthesize completed/failed/killed_oom.
	Inspect(ctx context.Context, unitName string) (Outcome, error)
}

// defaultCallTimeout bounds every call a runner backend makes into Docker
// or the host service manager; every outbound request carries an explicit
// deadline.
const defaultCallTimeout = 30 * time.Second
