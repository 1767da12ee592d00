package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		name     string
		status   Status
		terminal bool
	}{
		{"pending", StatusPending, false},
		{"assigning", StatusAssigning, false},
		{"running", StatusRunning, false},
		{"paused", StatusPaused, false},
		{"completed", StatusCompleted, true},
		{"failed", StatusFailed, true},
		{"killed", StatusKilled, true},
		{"killed_oom", StatusKilledOOM, true},
		{"lost", StatusLost, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestTaskIsNonTerminal(t *testing.T) {
	running := &Task{Status: StatusRunning}
	assert.True(t, running.IsNonTerminal())

	completed := &Task{Status: StatusCompleted}
	assert.False(t, completed.IsNonTerminal())
}

func TestNodeHasNUMA(t *testing.T) {
	node := &Node{NUMA: map[string]NUMANode{"0": {CoreIDs: []int{0, 1}}}}

	assert.True(t, node.HasNUMA(""), "an empty numa id is always satisfied")
	assert.True(t, node.HasNUMA("0"))
	assert.False(t, node.HasNUMA("1"))
}

func TestNodeHasGPUs(t *testing.T) {
	node := &Node{GPUs: []GPU{{ID: "gpu0"}, {ID: "gpu1"}}}

	assert.True(t, node.HasGPUs(nil), "no requested gpus is always satisfied")
	assert.True(t, node.HasGPUs([]string{"gpu0"}))
	assert.True(t, node.HasGPUs([]string{"gpu0", "gpu1"}))
	assert.False(t, node.HasGPUs([]string{"gpu0", "gpu2"}))
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Target
		wantErr bool
	}{
		{"hostname only", "node-a", Target{Hostname: "node-a"}, false},
		{"numa suffix", "node-a:0", Target{Hostname: "node-a", NUMAID: "0"}, false},
		{"single gpu suffix", "node-a::gpu0", Target{Hostname: "node-a", GPUIDs: []string{"gpu0"}}, false},
		{"multi gpu suffix", "node-a::gpu0,gpu1", Target{Hostname: "node-a", GPUIDs: []string{"gpu0", "gpu1"}}, false},
		{"empty string", "", Target{}, true},
		{"missing host before numa", ":0", Target{}, true},
		{"missing host before gpu", "::gpu0", Target{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTarget(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTargetStringRoundTrips(t *testing.T) {
	tests := []string{"node-a", "node-a:0", "node-a::gpu0", "node-a::gpu0,gpu1"}
	for _, s := range tests {
		target, err := ParseTarget(s)
		require.NoError(t, err)
		assert.Equal(t, s, target.String())
	}
}

func TestTaskLogPaths(t *testing.T) {
	task := &Task{ID: 42}
	assert.Equal(t, "/data/task_outputs/42.out", task.StdoutPath("/data"))
	assert.Equal(t, "/data/task_errors/42.err", task.StderrPath("/data"))

	// A trailing slash on root must not produce a doubled separator.
	assert.Equal(t, "/data/task_outputs/42.out", task.StdoutPath("/data/"))
}
