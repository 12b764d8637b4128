package tunnel

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/porthole-hpc/porthole/pkg/config"
	"github.com/porthole-hpc/porthole/pkg/log"
	"github.com/porthole-hpc/porthole/pkg/metrics"
	"github.com/porthole-hpc/porthole/pkg/types"
)

// probeTimeout bounds how long Start waits for the local port to accept
// connections before killing the transport.
const probeTimeout = 30 * time.Second

// probeInterval paces the TCP connect attempts during startup.
const probeInterval = 500 * time.Millisecond

// stderrTailSize is how much transport stderr is kept for diagnostics.
const stderrTailSize = 4096

// Process is a running tunnel transport. The production implementation
// wraps an ssh subprocess; tests substitute a fake.
type Process interface {
	// Wait blocks until the transport exits.
	Wait() error
	// Kill terminates the transport.
	Kill() error
	// StderrTail returns the buffered tail of the transport's stderr.
	StderrTail() string
}

// Spec describes one forward tunnel: control-plane loopback -> head node ->
// compute node : remote port.
type Spec struct {
	User       string
	Cluster    string
	HeadNode   string
	Node       string
	LocalPort  int
	RemotePort int
}

// Starter launches tunnel transports. Tests substitute a fake.
type Starter interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// ExitHandler is notified when a transport dies while its tunnel is still
// registered, so the session can be failed and its proxy released.
type ExitHandler func(key types.SessionKey, stderrTail string)

// Tunnel is the record for one live forward tunnel.
type Tunnel struct {
	Key        types.SessionKey
	Node       string
	LocalPort  int
	RemotePort int
	StartedAt  time.Time

	proc   Process
	cancel context.CancelFunc
}

// Manager owns the set of live forward tunnels keyed by session. All map
// mutations happen under one mutex; the 30 s readiness probe runs outside
// it on a snapshot so concurrent launches do not serialise.
type Manager struct {
	cfg     *config.Config
	starter Starter

	mu      sync.Mutex
	tunnels map[string]*Tunnel

	onExit ExitHandler

	// probe is swapped in tests.
	probe func(addr string, timeout time.Duration) error
}

// NewManager creates a tunnel manager. A nil starter selects the ssh
// subprocess transport.
func NewManager(cfg *config.Config, starter Starter) *Manager {
	if starter == nil {
		starter = &sshStarter{cfg: cfg}
	}
	return &Manager{
		cfg:     cfg,
		starter: starter,
		tunnels: make(map[string]*Tunnel),
		probe:   probeTCP,
	}
}

// OnExit installs the handler invoked when a transport dies unexpectedly.
func (m *Manager) OnExit(h ExitHandler) {
	m.onExit = h
}

// Start opens a tunnel for the session and returns the allocated local
// port. It blocks until the local port accepts connections or the probe
// window elapses, in which case the transport is killed.
func (m *Manager) Start(ctx context.Context, key types.SessionKey, node string, remotePort int) (int, error) {
	cc, err := m.cfg.Cluster(key.Cluster)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	if existing, ok := m.tunnels[key.String()]; ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("tunnel for %s already open on port %d", key, existing.LocalPort)
	}
	m.mu.Unlock()

	// Bind-to-zero, read back, close, reuse. Racy, but the transport binds
	// the exact port immediately after.
	localPort, err := freePort()
	if err != nil {
		return 0, err
	}

	tctx, cancel := context.WithCancel(context.Background())
	proc, err := m.starter.Launch(tctx, Spec{
		User:       key.User,
		Cluster:    key.Cluster,
		HeadNode:   cc.HeadNode,
		Node:       node,
		LocalPort:  localPort,
		RemotePort: remotePort,
	})
	if err != nil {
		cancel()
		return 0, fmt.Errorf("start tunnel transport: %w", err)
	}

	if err := m.waitReady(ctx, localPort); err != nil {
		proc.Kill()
		cancel()
		metrics.TunnelFailuresTotal.WithLabelValues("probe-timeout").Inc()
		return 0, fmt.Errorf("tunnel to %s:%d never became ready: %w (stderr: %s)",
			node, remotePort, err, proc.StderrTail())
	}

	t := &Tunnel{
		Key:        key,
		Node:       node,
		LocalPort:  localPort,
		RemotePort: remotePort,
		StartedAt:  time.Now().UTC(),
		proc:       proc,
		cancel:     cancel,
	}

	m.mu.Lock()
	if _, ok := m.tunnels[key.String()]; ok {
		m.mu.Unlock()
		proc.Kill()
		cancel()
		return 0, fmt.Errorf("tunnel for %s already open", key)
	}
	m.tunnels[key.String()] = t
	m.mu.Unlock()

	metrics.TunnelsOpen.Inc()
	go m.watch(t)

	log.WithComponent("tunnel").Info().
		Str("session_key", key.String()).Str("node", node).
		Int("local_port", localPort).Int("remote_port", remotePort).
		Msg("tunnel established")
	return localPort, nil
}

// waitReady probes the loopback port with short connects.
func (m *Manager) waitReady(ctx context.Context, port int) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	deadline := time.Now().Add(probeTimeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.probe(addr, probeInterval); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(probeInterval):
		}
	}
	return fmt.Errorf("no connection after %s", probeTimeout)
}

// watch reaps the transport. A transport that dies while its tunnel is
// still registered takes the session down with it.
func (m *Manager) watch(t *Tunnel) {
	err := t.proc.Wait()

	m.mu.Lock()
	_, registered := m.tunnels[t.Key.String()]
	if registered {
		delete(m.tunnels, t.Key.String())
	}
	m.mu.Unlock()

	if !registered {
		// Stopped deliberately.
		return
	}

	metrics.TunnelsOpen.Dec()
	metrics.TunnelFailuresTotal.WithLabelValues("process-exit").Inc()
	log.WithComponent("tunnel").Warn().
		Str("session_key", t.Key.String()).Err(err).
		Str("stderr", t.proc.StderrTail()).
		Msg("tunnel transport died")

	if m.onExit != nil {
		m.onExit(t.Key, t.proc.StderrTail())
	}
}

// Stop tears down the session's tunnel. Idempotent.
func (m *Manager) Stop(key types.SessionKey) {
	m.mu.Lock()
	t, ok := m.tunnels[key.String()]
	if ok {
		delete(m.tunnels, key.String())
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	t.proc.Kill()
	t.cancel()
	metrics.TunnelsOpen.Dec()
	log.WithComponent("tunnel").Info().
		Str("session_key", key.String()).
		Msg("tunnel closed")
}

// Get returns a snapshot of the session's tunnel, if open.
func (m *Manager) Get(key types.SessionKey) (Tunnel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tunnels[key.String()]
	if !ok {
		return Tunnel{}, false
	}
	return Tunnel{
		Key:        t.Key,
		Node:       t.Node,
		LocalPort:  t.LocalPort,
		RemotePort: t.RemotePort,
		StartedAt:  t.StartedAt,
	}, true
}

// Count returns the number of live tunnels.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tunnels)
}

// StopAll tears down every tunnel; called on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := make([]*Tunnel, 0, len(m.tunnels))
	for k, t := range m.tunnels {
		all = append(all, t)
		delete(m.tunnels, k)
	}
	m.mu.Unlock()

	for _, t := range all {
		t.proc.Kill()
		t.cancel()
		metrics.TunnelsOpen.Dec()
	}
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate local port: %w", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port, nil
}

func probeTCP(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}

// sshStarter launches the production transport: an ssh subprocess with
// keepalives and exit-on-forward-failure.
type sshStarter struct {
	cfg *config.Config
}

type sshProcess struct {
	cmd    *exec.Cmd
	stderr *ringBuffer
}

func (s *sshStarter) Launch(ctx context.Context, spec Spec) (Process, error) {
	cc, err := s.cfg.Cluster(spec.Cluster)
	if err != nil {
		return nil, err
	}

	forward := fmt.Sprintf("127.0.0.1:%d:%s:%d", spec.LocalPort, spec.Node, spec.RemotePort)
	cmd := exec.CommandContext(ctx, "ssh",
		"-i", s.cfg.KeyPath(spec.User),
		"-o", "BatchMode=yes",
		"-o", "ServerAliveInterval=30",
		"-o", "ServerAliveCountMax=3",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-N",
		"-L", forward,
		spec.User+cc.SSHUserSuffix+"@"+spec.HeadNode,
	)

	stderr := newRingBuffer(stderrTailSize)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &sshProcess{cmd: cmd, stderr: stderr}, nil
}

func (p *sshProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *sshProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *sshProcess) StderrTail() string {
	return p.stderr.String()
}
