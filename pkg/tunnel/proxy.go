// Package tunnel implements the raw-TCP tunnel proxy: the path an SSH client
// takes to reach a vps task's sshd, without ever exposing runner hosts
// directly to clients.
package tunnel

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/KohakuBlueleaf/HakuRiver/pkg/log"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/metrics"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/model"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/storage"
)

const (
	handshakeIdleTimeout = 10 * time.Second
	dialTimeout          = 5 * time.Second
	maxRequestLineBytes  = 256
)

// Proxy accepts raw TCP connections, reads the REQUEST_TUNNEL handshake,
// resolves the target task to its runner's tunnel port, and splices the
// connection through once dialed. It is oblivious to SSH: it never parses or
// logs the bytes that flow through after the handshake.
type Proxy struct {
	store    storage.Store
	listener net.Listener
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// New builds a Proxy over store; it does not start listening until Start.
func New(store storage.Store) *Proxy {
	return &Proxy{
		store:  store,
		logger: log.WithComponent("tunnel"),
		stopCh: make(chan struct{}),
	}
}

// Start binds addr and accepts connections until Stop is called.
func (p *Proxy) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tunnel proxy: listen %s: %w", addr, err)
	}
	p.listener = ln
	p.logger.Info().Str("addr", addr).Msg("tunnel proxy listening")

	go p.acceptLoop()
	return nil
}

func (p *Proxy) Stop() {
	close(p.stopCh)
	if p.listener != nil {
		_ = p.listener.Close()
	}
}

func (p *Proxy) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.stopCh:
				return
			default:
				p.logger.Warn().Err(err).Msg("tunnel accept failed")
				continue
			}
		}
		go p.handle(conn)
	}
}

func (p *Proxy) handle(client net.Conn) {
	defer client.Close()

	metrics.TunnelConnectionsActive.Inc()
	defer metrics.TunnelConnectionsActive.Dec()

	taskID, err := p.readRequest(client)
	if err != nil {
		metrics.TunnelConnectionsTotal.WithLabelValues("handshake_failed").Inc()
		p.logger.Warn().Err(err).Str("remote", client.RemoteAddr().String()).Msg("tunnel handshake failed")
		return
	}

	upstream, err := p.resolveUpstream(taskID)
	if err != nil {
		metrics.TunnelConnectionsTotal.WithLabelValues("lookup_failed").Inc()
		writeLine(client, "ERROR "+err.Error())
		p.logger.Warn().Err(err).Uint64("task_id", taskID).Msg("tunnel lookup failed")
		return
	}

	runnerConn, err := net.DialTimeout("tcp", upstream, dialTimeout)
	if err != nil {
		metrics.TunnelConnectionsTotal.WithLabelValues("dial_failed").Inc()
		writeLine(client, "ERROR unable to reach runner")
		p.logger.Warn().Err(err).Uint64("task_id", taskID).Str("upstream", upstream).Msg("tunnel dial failed")
		return
	}
	defer runnerConn.Close()

	if err := writeLine(client, "SUCCESS"); err != nil {
		return
	}

	metrics.TunnelConnectionsTotal.WithLabelValues("established").Inc()
	p.logger.Info().Uint64("task_id", taskID).Msg("tunnel established")
	splice(client, runnerConn)
}

// readRequest reads the single REQUEST_TUNNEL <id> handshake line, bounded by
// both an idle timeout and a maximum line length.
func (p *Proxy) readRequest(conn net.Conn) (uint64, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeIdleTimeout))
	reader := bufio.NewReaderSize(conn, maxRequestLineBytes)
	// ReadSlice fails with bufio.ErrBufferFull once the line outgrows the
	// maxRequestLineBytes buffer, which is what bounds the line length.
	line, err := reader.ReadSlice('\n')
	if err != nil {
		return 0, fmt.Errorf("reading handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	fields := strings.Fields(string(line))
	if len(fields) != 2 || fields[0] != "REQUEST_TUNNEL" {
		return 0, fmt.Errorf("malformed handshake line")
	}
	taskID, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed task id")
	}
	return taskID, nil
}

// resolveUpstream validates the task is a live, reachable vps and returns
// the runner host:port to dial.
func (p *Proxy) resolveUpstream(taskID uint64) (string, error) {
	task, err := p.store.GetTask(taskID)
	if err != nil {
		return "", fmt.Errorf("unknown task")
	}
	if task.Kind != model.KindVPS {
		return "", fmt.Errorf("task is not a vps")
	}
	if task.Status == model.StatusPaused {
		return "", fmt.Errorf("task is paused")
	}
	if task.Status != model.StatusRunning {
		return "", fmt.Errorf("task is not running")
	}
	if task.TunnelPort == 0 {
		return "", fmt.Errorf("task has no tunnel port yet")
	}

	node, err := p.store.GetNode(task.AssignedNode)
	if err != nil {
		return "", fmt.Errorf("assigned node no longer registered")
	}
	if node.Status != model.NodeOnline {
		return "", fmt.Errorf("assigned node is offline")
	}

	host, err := runnerHost(node.URL)
	if err != nil {
		return "", fmt.Errorf("malformed runner address")
	}
	return net.JoinHostPort(host, strconv.Itoa(task.TunnelPort)), nil
}

func runnerHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("no host in %q", rawURL)
	}
	return host, nil
}

func writeLine(conn net.Conn, line string) error {
	_, err := conn.Write([]byte(line + "\n"))
	return err
}

// splice pumps bytes both directions until either side closes, propagating
// the half-close: once one direction hits EOF, its write side is closed so
// the other side sees its own EOF in turn.
func splice(a, b net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		_, _ = io.Copy(a, b)
		if tc, ok := a.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(b, a)
		if tc, ok := b.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}()

	<-done
	<-done
}
