package tunnel

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/KohakuBlueleaf/HakuRiver/pkg/model"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/storage"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// fakeRunner accepts one raw TCP connection and echoes whatever it reads,
// standing in for the runner's sshd endpoint on the other side of a tunnel.
func fakeRunner(t *testing.T) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 1024)
		n, err := conn.Read(buf)
		if err == nil {
			_, _ = conn.Write(buf[:n])
		}
		conn.Close()
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func TestTunnelSucceedsForRunningVPSTask(t *testing.T) {
	store := newTestStore(t)
	runnerAddr, closeRunner := fakeRunner(t)
	defer closeRunner()

	_, portStr, err := net.SplitHostPort(runnerAddr)
	require.NoError(t, err)
	port := mustAtoi(t, portStr)

	require.NoError(t, store.CreateNode(&model.Node{
		Hostname: "node-a",
		URL:      "http://127.0.0.1:7830",
		Status:   model.NodeOnline,
	}))
	require.NoError(t, store.CreateTask(&model.Task{
		ID:           1,
		Kind:         model.KindVPS,
		Status:       model.StatusRunning,
		AssignedNode: "node-a",
		TunnelPort:   port,
	}))

	p := New(store)
	require.NoError(t, p.Start("127.0.0.1:0"))
	defer p.Stop()

	conn, err := net.Dial("tcp", p.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("REQUEST_TUNNEL 1\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "SUCCESS\n", line)

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = reader.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

func TestTunnelRejectsPausedTask(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateNode(&model.Node{Hostname: "node-a", URL: "http://127.0.0.1:7830", Status: model.NodeOnline}))
	require.NoError(t, store.CreateTask(&model.Task{
		ID:           2,
		Kind:         model.KindVPS,
		Status:       model.StatusPaused,
		AssignedNode: "node-a",
		TunnelPort:   12345,
	}))

	p := New(store)
	require.NoError(t, p.Start("127.0.0.1:0"))
	defer p.Stop()

	conn, err := net.Dial("tcp", p.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("REQUEST_TUNNEL 2\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "ERROR")
}

func TestTunnelRejectsTaskOnOfflineNode(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateNode(&model.Node{Hostname: "node-a", URL: "http://127.0.0.1:7830", Status: model.NodeOffline}))
	require.NoError(t, store.CreateTask(&model.Task{
		ID:           3,
		Kind:         model.KindVPS,
		Status:       model.StatusRunning,
		AssignedNode: "node-a",
		TunnelPort:   12345,
	}))

	p := New(store)
	require.NoError(t, p.Start("127.0.0.1:0"))
	defer p.Stop()

	conn, err := net.Dial("tcp", p.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("REQUEST_TUNNEL 3\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "ERROR")
}

func TestTunnelRejectsTaskWithNoTunnelPortYet(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateNode(&model.Node{Hostname: "node-a", URL: "http://127.0.0.1:7830", Status: model.NodeOnline}))
	require.NoError(t, store.CreateTask(&model.Task{
		ID:           4,
		Kind:         model.KindVPS,
		Status:       model.StatusRunning,
		AssignedNode: "node-a",
	}))

	p := New(store)
	require.NoError(t, p.Start("127.0.0.1:0"))
	defer p.Stop()

	conn, err := net.Dial("tcp", p.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("REQUEST_TUNNEL 4\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "ERROR")
}

func TestTunnelRejectsUnknownTask(t *testing.T) {
	store := newTestStore(t)
	p := New(store)
	require.NoError(t, p.Start("127.0.0.1:0"))
	defer p.Stop()

	conn, err := net.Dial("tcp", p.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("REQUEST_TUNNEL 999\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "ERROR")
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, c := range s {
		require.True(t, c >= '0' && c <= '9')
		n = n*10 + int(c-'0')
	}
	return n
}
