package remote

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tacticz/pve-k3s-cluster-management/pkg/log"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/types"
)

// SSHConfig is the connection identity for the SSH executor.
type SSHConfig struct {
	User           string
	KeyFile        string
	Port           int
	ConnectTimeout time.Duration
}

// SSHExecutor implements Executor over SSH connections. Clients are cached
// per host and redialed on failure.
type SSHExecutor struct {
	cfg SSHConfig

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewSSHExecutor builds an executor authenticating with the given key file.
func NewSSHExecutor(cfg SSHConfig) (*SSHExecutor, error) {
	if cfg.User == "" {
		return nil, fmt.Errorf("ssh user is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	return &SSHExecutor{
		cfg:     cfg,
		clients: make(map[string]*ssh.Client),
	}, nil
}

func (e *SSHExecutor) clientConfig() (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(e.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	return &ssh.ClientConfig{
		User:            e.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         e.cfg.ConnectTimeout,
	}, nil
}

func (e *SSHExecutor) client(host string) (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.clients[host]; ok {
		return c, nil
	}

	cfg, err := e.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", e.cfg.Port))
	c, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %v", addr, types.ErrConnectivity, err)
	}
	e.clients[host] = c
	return c, nil
}

func (e *SSHExecutor) drop(host string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[host]; ok {
		c.Close()
		delete(e.clients, host)
	}
}

// Exec runs command on host. Context cancellation closes the session and
// reports a connectivity error so polling loops terminate on their bounds.
func (e *SSHExecutor) Exec(ctx context.Context, host, command string, mode Mode) (Result, error) {
	logger := log.WithComponent("remote")
	if mode != ModeSilent {
		logger.Debug().Str("host", host).Str("cmd", command).Msg("exec")
	}

	client, err := e.client(host)
	if err != nil {
		return Result{ExitCode: -1}, err
	}

	session, err := client.NewSession()
	if err != nil {
		// Stale cached connection; redial once.
		e.drop(host)
		client, err = e.client(host)
		if err != nil {
			return Result{ExitCode: -1}, err
		}
		session, err = client.NewSession()
		if err != nil {
			return Result{ExitCode: -1}, fmt.Errorf("session on %s: %w: %v", host, types.ErrConnectivity, err)
		}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Close()
		e.drop(host)
		return Result{ExitCode: -1}, fmt.Errorf("exec on %s timed out: %w: %v", host, types.ErrConnectivity, ctx.Err())
	case err = <-done:
	}

	res := Result{
		Stdout:   strings.TrimRight(stdout.String(), "\n"),
		Stderr:   strings.TrimRight(stderr.String(), "\n"),
		ExitCode: 0,
	}

	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			res.ExitCode = exitErr.ExitStatus()
			if mode == ModeQuiet || mode == ModeNormal {
				logger.Warn().Str("host", host).Str("cmd", command).
					Int("exit", res.ExitCode).Str("output", res.Combined()).Msg("command failed")
			}
			return res, fmt.Errorf("%s on %s exited %d: %w", command, host, res.ExitCode, types.ErrCommandFailed)
		}
		e.drop(host)
		return Result{ExitCode: -1}, fmt.Errorf("exec on %s: %w: %v", host, types.ErrConnectivity, err)
	}

	if mode == ModeNormal && res.Combined() != "" {
		logger.Info().Str("host", host).Str("output", res.Combined()).Msg("command output")
	}
	return res, nil
}

// Close releases all cached connections.
func (e *SSHExecutor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for host, c := range e.clients {
		c.Close()
		delete(e.clients, host)
	}
}
