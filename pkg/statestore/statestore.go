package statestore

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/tacticz/pve-k3s-cluster-management/pkg/log"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/remote"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/types"
)

// API is the distributed-store capability surface: saving, listing and
// restoring etcd snapshots on control-plane hosts.
type API interface {
	// Save takes a named snapshot on host and returns the artifact actually
	// written (k3s appends host and timestamp to the requested name).
	Save(ctx context.Context, host, name string) (types.EtcdSnapshot, error)
	// List returns the snapshots present on host, newest first.
	List(ctx context.Context, host string) ([]types.EtcdSnapshot, error)
	Delete(ctx context.Context, host, name string) error
	// Find locates a snapshot by exact name on host.
	Find(ctx context.Context, host, name string) (types.EtcdSnapshot, error)
	// ResetRestore stops the server, resets the consensus membership and
	// restores the store from the snapshot at path. The caller is expected
	// to have stopped the cluster service on every other node first.
	ResetRestore(ctx context.Context, host, snapshotPath string) error
}

// K3sCLI implements API with the k3s etcd-snapshot tooling over SSH.
type K3sCLI struct {
	exec        remote.Executor
	snapshotDir string
}

// NewK3sCLI builds the adapter. snapshotDir is the k3s server snapshot
// directory on each control-plane host.
func NewK3sCLI(exec remote.Executor, snapshotDir string) *K3sCLI {
	return &K3sCLI{exec: exec, snapshotDir: snapshotDir}
}

func (s *K3sCLI) Save(ctx context.Context, host, name string) (types.EtcdSnapshot, error) {
	logger := log.WithComponent("statestore")

	cmd := fmt.Sprintf("k3s etcd-snapshot save --name %q", name)
	if _, err := s.exec.Exec(ctx, host, cmd, remote.ModeQuiet); err != nil {
		return types.EtcdSnapshot{}, fmt.Errorf("etcd snapshot save on %s: %w", host, err)
	}

	// k3s writes <name>-<hostname>-<unixts>; resolve what it produced.
	find := fmt.Sprintf("ls -1t %q | grep -m1 '^%s'", s.snapshotDir, name)
	res, err := s.exec.Exec(ctx, host, find, remote.ModeCapture)
	if err != nil {
		return types.EtcdSnapshot{}, fmt.Errorf("locate etcd snapshot %s on %s: %w", name, host, err)
	}
	file := strings.TrimSpace(res.Stdout)
	if file == "" {
		return types.EtcdSnapshot{}, fmt.Errorf("etcd snapshot save reported success but %s has no %s*: %w",
			s.snapshotDir, name, types.ErrVerifyFailed)
	}

	snap := types.EtcdSnapshot{
		Name: file,
		Host: host,
		Path: path.Join(s.snapshotDir, file),
	}
	logger.Info().Str("host", host).Str("snapshot", snap.Name).Msg("etcd snapshot saved")
	return snap, nil
}

func (s *K3sCLI) List(ctx context.Context, host string) ([]types.EtcdSnapshot, error) {
	res, err := s.exec.Exec(ctx, host, fmt.Sprintf("ls -1t %q", s.snapshotDir), remote.ModeCapture)
	if err != nil {
		return nil, fmt.Errorf("list etcd snapshots on %s: %w", host, err)
	}
	var out []types.EtcdSnapshot
	for _, line := range strings.Split(res.Stdout, "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		out = append(out, types.EtcdSnapshot{
			Name: name,
			Host: host,
			Path: path.Join(s.snapshotDir, name),
		})
	}
	return out, nil
}

func (s *K3sCLI) Delete(ctx context.Context, host, name string) error {
	if strings.ContainsAny(name, "/ ") {
		return fmt.Errorf("refusing to delete suspicious snapshot name %q: %w", name, types.ErrPrecondition)
	}
	cmd := fmt.Sprintf("rm -f %q", path.Join(s.snapshotDir, name))
	if _, err := s.exec.Exec(ctx, host, cmd, remote.ModeQuiet); err != nil {
		return fmt.Errorf("delete etcd snapshot %s on %s: %w", name, host, err)
	}
	return nil
}

func (s *K3sCLI) Find(ctx context.Context, host, name string) (types.EtcdSnapshot, error) {
	p := path.Join(s.snapshotDir, name)
	if _, err := s.exec.Exec(ctx, host, fmt.Sprintf("test -r %q", p), remote.ModeSilent); err != nil {
		return types.EtcdSnapshot{}, fmt.Errorf("etcd snapshot %s on %s: %w", name, host, types.ErrNotFound)
	}
	return types.EtcdSnapshot{Name: name, Host: host, Path: p}, nil
}

func (s *K3sCLI) ResetRestore(ctx context.Context, host, snapshotPath string) error {
	logger := log.WithComponent("statestore")
	logger.Warn().Str("host", host).Str("path", snapshotPath).
		Msg("resetting cluster state from etcd snapshot")

	ctx, cancel := context.WithTimeout(ctx, 15*time.Minute)
	defer cancel()

	cmd := fmt.Sprintf("systemctl stop k3s && k3s server --cluster-reset --cluster-reset-restore-path=%q",
		snapshotPath)
	if _, err := s.exec.Exec(ctx, host, cmd, remote.ModeQuiet); err != nil {
		return fmt.Errorf("cluster-reset restore on %s: %w", host, err)
	}
	return nil
}
