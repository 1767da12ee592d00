// Package wire defines the JSON request/response bodies exchanged between
// the coordinator, the runner, and clients: additive, unknown-fields-ignored
// bodies, task ids always carried as decimal strings.
package wire

import (
	"strconv"
	"time"

	"github.com/KohakuBlueleaf/HakuRiver/pkg/model"
)

// TaskID formats a task/batch id as the decimal string the wire format
// requires.
func TaskID(id uint64) string { return strconv.FormatUint(id, 10) }

// ParseTaskID parses a decimal task/batch id string.
func ParseTaskID(s string) (uint64, error) { return strconv.ParseUint(s, 10, 64) }

// --- Runner plane: runner -> coordinator ---

// RegisterRequest is sent once at runner startup and again on every restart.
type RegisterRequest struct {
	Hostname    string              `json:"hostname"`
	URL         string              `json:"url"`
	TotalCores  int                 `json:"total_cores"`
	TotalMemory int64               `json:"total_memory"`
	NUMA        map[string]NUMANode `json:"numa,omitempty"`
	GPUs        []GPU               `json:"gpus,omitempty"`
}

type NUMANode struct {
	CoreIDs     []int `json:"core_ids"`
	MemoryBytes int64 `json:"memory_bytes"`
}

type GPU struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Driver      string `json:"driver"`
	MemoryTotal int64  `json:"memory_total"`
}

type RegisterResponse struct {
	Accepted bool `json:"accepted"`
}

// HeartbeatRequest carries a runner's currently-running task ids plus any
// it has since finalized.
type HeartbeatRequest struct {
	Hostname   string          `json:"hostname"`
	Metrics    Metrics         `json:"metrics"`
	RunningIDs []string        `json:"running_ids"`
	Finalized  []FinalizedTask `json:"finalized,omitempty"`
}

type Metrics struct {
	Load1          float64 `json:"load1"`
	Load5          float64 `json:"load5"`
	Load15         float64 `json:"load15"`
	MemoryUsed     int64   `json:"memory_used"`
	MemoryTotal    int64   `json:"memory_total"`
	GPUUtilization []int   `json:"gpu_utilization,omitempty"`
}

type FinalizedTask struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
}

type HeartbeatResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// UpdateRequest is an explicit single-task status push, used for
// immediate transitions (e.g. "now running") rather than waiting for the
// next heartbeat.
type UpdateRequest struct {
	TaskID      string     `json:"task_id"`
	Status      string     `json:"status"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Message     string     `json:"message,omitempty"`
	TunnelPort  int        `json:"tunnel_port,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type UpdateResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// --- Coordinator -> runner ---

// RunRequest is what the coordinator dispatches to a runner after
// placement.
type RunRequest struct {
	TaskID      string          `json:"task_id"`
	BatchID     string          `json:"batch_id,omitempty"`
	Kind        string          `json:"kind"`
	Command     *CommandPayload `json:"command,omitempty"`
	VPS         *VPSPayload     `json:"vps,omitempty"`
	Cores       int             `json:"cores"`
	MemoryBytes int64           `json:"memory_bytes,omitempty"`
	GPUIDs      []string        `json:"gpu_ids,omitempty"`
	NUMAID      string          `json:"numa_id,omitempty"`
	Environment string          `json:"environment"`
	Privileged  bool            `json:"privileged,omitempty"`
	Mounts      []Mount         `json:"mounts,omitempty"`
}

type CommandPayload struct {
	Executable string            `json:"executable"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

type VPSPayload struct {
	AuthorizedKey string `json:"authorized_key"`
}

type Mount struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	ReadOnly      bool   `json:"read_only,omitempty"`
}

type RunResponse struct {
	Accepted   bool   `json:"accepted"`
	TunnelPort int    `json:"tunnel_port,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type ControlRequest struct {
	TaskID   string `json:"task_id"`
	UnitName string `json:"unit_name"`
}

type ControlResponse struct {
	Accepted bool   `json:"accepted"`
	Detail   string `json:"detail,omitempty"`
}

// --- Client plane: client -> coordinator ---

type SubmitRequest struct {
	Kind        string          `json:"kind"`
	Targets     []string        `json:"targets,omitempty"`
	Command     *CommandPayload `json:"command,omitempty"`
	VPS         *VPSPayload     `json:"vps,omitempty"`
	Cores       int             `json:"cores"`
	MemoryBytes int64           `json:"memory_bytes,omitempty"`
	GPUIDs      []string        `json:"gpu_ids,omitempty"`
	Environment string          `json:"environment,omitempty"`
	Privileged  bool            `json:"privileged,omitempty"`
	Mounts      []Mount         `json:"mounts,omitempty"`
}

type SubmitResponse struct {
	BatchID string              `json:"batch_id,omitempty"`
	Tasks   []SubmitResultEntry `json:"tasks"`
}

type SubmitResultEntry struct {
	Target string `json:"target"`
	TaskID string `json:"task_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// TaskView and NodeView are the read-model shapes returned by status/list
// endpoints — decoupled from model.Task/model.Node so the wire format can
// stay stable independent of internal field additions.
type TaskView struct {
	ID             string     `json:"id"`
	BatchID        string     `json:"batch_id,omitempty"`
	Kind           string     `json:"kind"`
	Status         string     `json:"status"`
	AssignedNode   string     `json:"assigned_node,omitempty"`
	ExecutionUnit  string     `json:"execution_unit,omitempty"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	Error          string     `json:"error,omitempty"`
	TunnelPort     int        `json:"tunnel_port,omitempty"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	SuspicionCount int        `json:"suspicion_count,omitempty"`
}

func TaskToView(t *model.Task) TaskView {
	return TaskView{
		ID:             TaskID(t.ID),
		BatchID:        optionalTaskID(t.BatchID),
		Kind:           string(t.Kind),
		Status:         string(t.Status),
		AssignedNode:   t.AssignedNode,
		ExecutionUnit:  t.ExecutionUnit,
		ExitCode:       t.ExitCode,
		Error:          t.Error,
		TunnelPort:     t.TunnelPort,
		SubmittedAt:    t.SubmittedAt,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
		SuspicionCount: t.SuspicionCount,
	}
}

func optionalTaskID(id uint64) string {
	if id == 0 {
		return ""
	}
	return TaskID(id)
}

type NodeView struct {
	Hostname      string    `json:"hostname"`
	URL           string    `json:"url"`
	TotalCores    int       `json:"total_cores"`
	TotalMemory   int64     `json:"total_memory"`
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Metrics       Metrics   `json:"metrics"`
}

func NodeToView(n *model.Node) NodeView {
	return NodeView{
		Hostname:      n.Hostname,
		URL:           n.URL,
		TotalCores:    n.TotalCores,
		TotalMemory:   n.TotalMemory,
		Status:        string(n.Status),
		LastHeartbeat: n.LastHeartbeat,
		Metrics: Metrics{
			Load1:          n.Metrics.Load1,
			Load5:          n.Metrics.Load5,
			Load15:         n.Metrics.Load15,
			MemoryUsed:     n.Metrics.MemoryUsed,
			MemoryTotal:    n.Metrics.MemoryTotal,
			GPUUtilization: n.Metrics.GPUUtilization,
		},
	}
}

// NodeHealthView is the operator-facing counterpart to NodeView: just the
// advisory runtime snapshot off a node's latest heartbeat, without the
// registration-time capacity fields list-nodes already covers.
type NodeHealthView struct {
	Hostname      string    `json:"hostname"`
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Metrics       Metrics   `json:"metrics"`
}

func NodeToHealthView(n *model.Node) NodeHealthView {
	return NodeHealthView{
		Hostname:      n.Hostname,
		Status:        string(n.Status),
		LastHeartbeat: n.LastHeartbeat,
		Metrics: Metrics{
			Load1:          n.Metrics.Load1,
			Load5:          n.Metrics.Load5,
			Load15:         n.Metrics.Load15,
			MemoryUsed:     n.Metrics.MemoryUsed,
			MemoryTotal:    n.Metrics.MemoryTotal,
			GPUUtilization: n.Metrics.GPUUtilization,
		},
	}
}

// ErrorEnvelope mirrors apierr.Envelope so the runner/coordinator's error
// responses round-trip without importing apierr in every client.
type ErrorEnvelope struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
