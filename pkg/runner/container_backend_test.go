package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/docker/docker/client"
	"github.com/stretchr/testify/require"

	"github.com/KohakuBlueleaf/HakuRiver/pkg/model"
)

// roundTripFunc lets a test stand in for the Docker daemon without a real
// socket, the same way the docker/docker client package tests its own API
// wrappers.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(t *testing.T, status int, body interface{}) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(buf)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func newMockDockerClient(t *testing.T, rt roundTripFunc) *client.Client {
	t.Helper()
	cli, err := client.NewClientWithOpts(
		client.WithHTTPClient(&http.Client{Transport: rt}),
		client.WithHost("tcp://localhost:2375"),
		client.WithVersion("1.43"),
	)
	require.NoError(t, err)
	return cli
}

func TestFinalizeCommandExitReadsOOMKilledFromInspect(t *testing.T) {
	cli := newMockDockerClient(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(t, http.StatusOK, map[string]interface{}{
			"State": map[string]interface{}{"OOMKilled": true, "ExitCode": 137, "Status": "exited"},
		}), nil
	})
	b := &ContainerBackend{cli: cli, outcomes: make(map[string]*Outcome)}

	outcome := b.finalizeCommandExit(context.Background(), "deadbeef", 137)
	require.Equal(t, model.StatusKilledOOM, outcome.Status)
	require.Equal(t, 137, *outcome.ExitCode)
}

func TestFinalizeCommandExitReportsCompletedWhenNotOOM(t *testing.T) {
	cli := newMockDockerClient(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(t, http.StatusOK, map[string]interface{}{
			"State": map[string]interface{}{"OOMKilled": false, "ExitCode": 0, "Status": "exited"},
		}), nil
	})
	b := &ContainerBackend{cli: cli, outcomes: make(map[string]*Outcome)}

	outcome := b.finalizeCommandExit(context.Background(), "deadbeef", 0)
	require.Equal(t, model.StatusCompleted, outcome.Status)
	require.Equal(t, 0, *outcome.ExitCode)
}

func TestFinalizeCommandExitFallsBackWhenAutoRemoveWonTheRace(t *testing.T) {
	cli := newMockDockerClient(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(t, http.StatusNotFound, map[string]interface{}{"message": "no such container"}), nil
	})
	b := &ContainerBackend{cli: cli, outcomes: make(map[string]*Outcome)}

	outcome := b.finalizeCommandExit(context.Background(), "deadbeef", 1)
	require.Equal(t, model.StatusFailed, outcome.Status)
	require.Equal(t, 1, *outcome.ExitCode)
}

func TestWatchCommandExitCachesOutcomeForInspect(t *testing.T) {
	cli := newMockDockerClient(t, func(req *http.Request) (*http.Response, error) {
		switch {
		case bytes.Contains([]byte(req.URL.Path), []byte("/wait")):
			return jsonResponse(t, http.StatusOK, map[string]interface{}{"StatusCode": 0}), nil
		default:
			return jsonResponse(t, http.StatusOK, map[string]interface{}{
				"State": map[string]interface{}{"OOMKilled": false, "ExitCode": 0, "Status": "exited"},
			}), nil
		}
	})
	b := NewContainerBackend(cli, nil, t.TempDir(), t.TempDir())

	b.watchCommandExit("deadbeef", "unit-1")

	require.Eventually(t, func() bool {
		_, ok := b.outcomes["unit-1"]
		return ok
	}, time.Second, 10*time.Millisecond)

	outcome, err := b.Inspect(context.Background(), "unit-1")
	require.NoError(t, err)
	require.True(t, outcome.Terminal)
	require.Equal(t, model.StatusCompleted, outcome.Status)

	// consumed; a second Inspect falls through to a live lookup and misses.
	_, ok := b.outcomes["unit-1"]
	require.False(t, ok)
}
