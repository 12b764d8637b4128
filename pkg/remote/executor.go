package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/porthole-hpc/porthole/pkg/config"
	"github.com/porthole-hpc/porthole/pkg/log"
)

// CommandTimeout caps every remote shell invocation.
const CommandTimeout = 30 * time.Second

// defaultMaxSessions bounds concurrent command sessions per (user, cluster)
// when the cluster config does not say otherwise.
const defaultMaxSessions = 8

// FailKind classifies remote execution failures.
type FailKind string

const (
	FailConnect FailKind = "connect"
	FailTimeout FailKind = "timeout"
	FailExit    FailKind = "exit"
)

// Error is a typed remote execution failure.
type Error struct {
	Kind     FailKind
	Cluster  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case FailExit:
		return fmt.Sprintf("remote command on %s exited %d: %s", e.Cluster, e.ExitCode, strings.TrimSpace(e.Stderr))
	case FailTimeout:
		return fmt.Sprintf("remote command on %s timed out", e.Cluster)
	default:
		return fmt.Sprintf("remote connection to %s failed: %v", e.Cluster, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying (connection and
// timeout failures are; a clean non-zero exit is the remote side's answer).
func (e *Error) Transient() bool {
	return e.Kind == FailConnect || e.Kind == FailTimeout
}

// Runner executes shell commands on a cluster head node as a user. The
// interrogator and orchestrator depend on this interface; tests substitute
// a fake.
type Runner interface {
	Run(ctx context.Context, user, cluster, command string) (string, error)
}

// Executor maintains persistent SSH connections to cluster head nodes, one
// per (user, cluster), each with a bounded session semaphore.
type Executor struct {
	cfg *config.Config

	mu      sync.Mutex
	clients map[string]*headConn
}

type headConn struct {
	ssh *ssh.Client
	sem chan struct{}
}

// NewExecutor creates an executor over the configured clusters.
func NewExecutor(cfg *config.Config) *Executor {
	return &Executor{
		cfg:     cfg,
		clients: make(map[string]*headConn),
	}
}

// Run executes command on the cluster's head node as user and returns
// trimmed stdout. Stderr is carried inside the typed error on failure.
func (e *Executor) Run(ctx context.Context, user, cluster, command string) (string, error) {
	conn, err := e.connection(user, cluster)
	if err != nil {
		return "", err
	}

	// Per-cluster bounded FIFO: overflow waits rather than opening
	// unbounded sessions against the head node.
	select {
	case conn.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-conn.sem }()

	out, err := e.runOnce(ctx, conn, cluster, command)
	if err == nil {
		return out, nil
	}

	// A dead transport surfaces as a session-open failure; drop the cached
	// client and retry once on a fresh connection.
	var re *Error
	if errors.As(err, &re) && re.Kind == FailConnect {
		e.drop(user, cluster)
		conn, err2 := e.connection(user, cluster)
		if err2 != nil {
			return "", err2
		}
		return e.runOnce(ctx, conn, cluster, command)
	}
	return "", err
}

func (e *Executor) runOnce(ctx context.Context, conn *headConn, cluster, command string) (string, error) {
	sess, err := conn.ssh.NewSession()
	if err != nil {
		return "", &Error{Kind: FailConnect, Cluster: cluster, Err: err}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		sess.Close()
		<-done
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &Error{Kind: FailTimeout, Cluster: cluster, Err: ctx.Err()}
		}
		return "", ctx.Err()
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return "", &Error{
				Kind:     FailExit,
				Cluster:  cluster,
				ExitCode: exitErr.ExitStatus(),
				Stderr:   stderr.String(),
				Err:      err,
			}
		}
		return "", &Error{Kind: FailConnect, Cluster: cluster, Stderr: stderr.String(), Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (e *Executor) connection(user, cluster string) (*headConn, error) {
	key := user + "@" + cluster

	e.mu.Lock()
	defer e.mu.Unlock()

	if conn, ok := e.clients[key]; ok {
		return conn, nil
	}

	cc, err := e.cfg.Cluster(cluster)
	if err != nil {
		return nil, err
	}

	client, err := e.dial(user, cluster, cc)
	if err != nil {
		return nil, err
	}

	maxSessions := cc.MaxRemoteSessions
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	conn := &headConn{ssh: client, sem: make(chan struct{}, maxSessions)}
	e.clients[key] = conn

	log.WithCluster(cluster).Info().
		Str("user", user).Str("head_node", cc.HeadNode).
		Msg("opened head node connection")
	return conn, nil
}

func (e *Executor) dial(user, cluster string, cc config.ClusterConfig) (*ssh.Client, error) {
	keyData, err := os.ReadFile(e.cfg.KeyPath(user))
	if err != nil {
		return nil, &Error{Kind: FailConnect, Cluster: cluster, Err: fmt.Errorf("read user key: %w", err)}
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, &Error{Kind: FailConnect, Cluster: cluster, Err: fmt.Errorf("parse user key: %w", err)}
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // first-enrollment mode
	if khPath := os.Getenv("SSH_KNOWN_HOSTS"); khPath != "" {
		if cb, err := knownhosts.New(khPath); err == nil {
			hostKeyCallback = cb
		}
	}

	conf := &ssh.ClientConfig{
		User:            user + cc.SSHUserSuffix,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         10 * time.Second,
	}

	addr := net.JoinHostPort(cc.HeadNode, "22")
	client, err := ssh.Dial("tcp", addr, conf)
	if err != nil {
		return nil, &Error{Kind: FailConnect, Cluster: cluster, Err: err}
	}
	return client, nil
}

func (e *Executor) drop(user, cluster string) {
	key := user + "@" + cluster

	e.mu.Lock()
	defer e.mu.Unlock()

	if conn, ok := e.clients[key]; ok {
		conn.ssh.Close()
		delete(e.clients, key)
	}
}

// Close closes every cached connection.
func (e *Executor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key, conn := range e.clients {
		conn.ssh.Close()
		delete(e.clients, key)
	}
}
