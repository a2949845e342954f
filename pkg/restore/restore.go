package restore

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tacticz/pve-k3s-cluster-management/pkg/cluster"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/config"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/hypervisor"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/lifecycle"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/log"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/prompt"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/remote"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/statestore"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/types"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/validate"
)

// Config carries the run policy for restores.
type Config struct {
	BackupStorage string
	Level         config.ValidationLevel
	Force         bool
	DryRun        bool
}

// Request selects what to restore. An empty Label restores the most recent
// point. Scope is the node set the restore covers; it is never mutated.
type Request struct {
	Label string
	Scope []*types.Node
}

// Result reports what a restore did. Issues holds validation findings left
// for the operator; Degraded counts nodes the run could not fully restore
// under force.
type Result struct {
	Target   *Target
	Issues   []validate.Issue
	Degraded int
}

// Coordinator reverses a point-in-time operation: it restores the etcd state
// first, then every node VM, then brings the cluster back and validates it.
type Coordinator struct {
	life    *lifecycle.Manager
	kube    cluster.API
	hv      hypervisor.API
	store   statestore.API
	exec    remote.Executor
	check   *validate.Validator
	confirm prompt.Confirmer
	cfg     Config
	logger  zerolog.Logger
}

// NewCoordinator wires the restore coordinator.
func NewCoordinator(life *lifecycle.Manager, kube cluster.API, hv hypervisor.API, store statestore.API, exec remote.Executor, check *validate.Validator, confirm prompt.Confirmer, cfg Config) *Coordinator {
	return &Coordinator{
		life:    life,
		kube:    kube,
		hv:      hv,
		store:   store,
		exec:    exec,
		check:   check,
		confirm: confirm,
		cfg:     cfg,
		logger:  log.WithComponent("restore"),
	}
}

// Restore locates the target artifacts and replays them. Artifacts without a
// linked etcd snapshot marker need explicit operator confirmation before any
// node is touched; unattended runs fail instead.
func (c *Coordinator) Restore(ctx context.Context, req Request) (*Result, error) {
	if len(req.Scope) == 0 {
		return nil, fmt.Errorf("empty scope: %w", types.ErrPrecondition)
	}

	target, err := c.resolve(ctx, req.Scope, req.Label)
	if err != nil {
		return nil, err
	}
	result := &Result{Target: target}
	c.logger.Info().Str("label", target.Label).Str("kind", string(target.Kind)).
		Int("nodes", len(target.PerNode)).Str("etcd", target.Etcd).Msg("restore target resolved")

	var holder types.EtcdSnapshot
	withEtcd := target.Etcd != ""
	if withEtcd {
		holder, err = c.findSnapshotHolder(ctx, req.Scope, target.Etcd)
		if err != nil {
			withEtcd = false
			if !c.proceedWithout(fmt.Sprintf("etcd snapshot %s not found on any control-plane node; restore VMs only?", target.Etcd)) {
				return nil, err
			}
		}
	} else if !c.proceedWithout(fmt.Sprintf(
		"artifact %q carries no linked etcd snapshot; restore VMs without cluster state?", target.Label)) {
		return nil, fmt.Errorf("artifact %q has no linked etcd snapshot: %w", target.Label, types.ErrNoLinkedSnapshot)
	}

	if withEtcd {
		if err := c.restoreStateStore(ctx, req.Scope, holder); err != nil {
			return result, err
		}
	}

	for _, n := range req.Scope {
		artifact, ok := target.PerNode[n.Name]
		if !ok {
			c.logger.Warn().Str("node", n.Name).Msg("no artifact for node, skipping")
			result.Degraded++
			continue
		}
		if err := c.restoreVM(ctx, n, artifact); err != nil {
			if !c.cfg.Force {
				return result, fmt.Errorf("restore %s: %w", n.Name, err)
			}
			result.Degraded++
			c.logger.Error().Str("node", n.Name).Err(err).Msg("node restore failed, continuing under force")
		}
	}

	for _, n := range req.Scope {
		if err := c.life.WaitReachable(ctx, n); err != nil {
			result.Degraded++
			c.logger.Error().Str("node", n.Name).Err(err).Msg("node not reachable after restore")
		}
	}

	if !c.cfg.DryRun {
		level := c.cfg.Level
		if level == config.ValidationFull {
			level = config.ValidationExtended
		}
		report, err := c.check.Run(ctx, level)
		if err != nil {
			c.logger.Warn().Err(err).Msg("post-restore validation could not run")
		} else {
			result.Issues = report.Issues
		}
	}

	c.logger.Info().Str("label", target.Label).Int("degraded", result.Degraded).
		Int("issues", len(result.Issues)).Msg("restore complete")
	return result, nil
}

// proceedWithout applies the ambiguous-metadata policy: force skips the
// question, otherwise the operator decides. Unattended confirmers answer no.
func (c *Coordinator) proceedWithout(question string) bool {
	if c.cfg.Force {
		c.logger.Warn().Msg(question + " (forced)")
		return true
	}
	return c.confirm.Confirm(question)
}

// findSnapshotHolder locates a control-plane node holding the named etcd
// snapshot on disk.
func (c *Coordinator) findSnapshotHolder(ctx context.Context, scope []*types.Node, name string) (types.EtcdSnapshot, error) {
	topo := &types.Topology{Nodes: scope}
	for _, cp := range topo.ControlPlanes() {
		snap, err := c.store.Find(ctx, cp.Address, name)
		if err == nil {
			return snap, nil
		}
	}
	return types.EtcdSnapshot{}, fmt.Errorf("etcd snapshot %s: %w", name, types.ErrNotFound)
}

// restoreStateStore replays the etcd snapshot: the cluster service stops on
// every node, the holder resets and restores from the on-disk path, comes
// back, and then every other node restarts.
func (c *Coordinator) restoreStateStore(ctx context.Context, scope []*types.Node, snap types.EtcdSnapshot) error {
	if c.cfg.DryRun {
		c.logger.Info().Str("snapshot", snap.Name).Str("host", snap.Host).Msg("would restore etcd state")
		return nil
	}

	c.logger.Info().Str("snapshot", snap.Name).Str("host", snap.Host).Msg("restoring etcd state")

	for _, n := range scope {
		if _, err := c.exec.Exec(ctx, n.Address, "systemctl stop "+n.ServiceUnit(), remote.ModeQuiet); err != nil {
			return fmt.Errorf("stop %s on %s: %w", n.ServiceUnit(), n.Name, err)
		}
	}

	if err := c.store.ResetRestore(ctx, snap.Host, snap.Path); err != nil {
		return err
	}

	var holder *types.Node
	for _, n := range scope {
		if n.Address == snap.Host {
			holder = n
			break
		}
	}
	if holder == nil {
		return fmt.Errorf("snapshot holder %s not in scope: %w", snap.Host, types.ErrPrecondition)
	}

	if _, err := c.exec.Exec(ctx, holder.Address, "systemctl start "+holder.ServiceUnit(), remote.ModeQuiet); err != nil {
		return fmt.Errorf("start %s on %s: %w", holder.ServiceUnit(), holder.Name, err)
	}
	if err := c.life.WaitServiceActive(ctx, holder); err != nil {
		return err
	}

	for _, n := range scope {
		if n.Name == holder.Name {
			continue
		}
		if _, err := c.exec.Exec(ctx, n.Address, "systemctl start "+n.ServiceUnit(), remote.ModeQuiet); err != nil {
			c.logger.Warn().Str("node", n.Name).Err(err).Msg("service restart failed after etcd restore")
		}
	}
	return nil
}

// restoreVM replays one node's artifact: the VM is stopped if running,
// restored from the backup archive or rolled back to the snapshot, and
// started again.
func (c *Coordinator) restoreVM(ctx context.Context, node *types.Node, artifact types.VMArtifact) error {
	if c.cfg.DryRun {
		c.logger.Info().Str("node", node.Name).Str("artifact", artifact.Name).Msg("would restore vm")
		return nil
	}

	status, err := c.hv.Status(ctx, node.HVHost, node.VMID)
	if err != nil {
		return err
	}
	if status == hypervisor.StatusRunning {
		if err := c.hv.Stop(ctx, node.HVHost, node.VMID); err != nil {
			return fmt.Errorf("stop vm %d: %w", node.VMID, err)
		}
	}

	switch artifact.Kind {
	case types.KindBackup:
		if err := c.hv.RestoreBackup(ctx, node.HVHost, node.VMID, artifact.Name); err != nil {
			return fmt.Errorf("restore vm %d from %s: %w", node.VMID, artifact.Name, err)
		}
	case types.KindSnapshot:
		if err := c.hv.RollbackSnapshot(ctx, node.HVHost, node.VMID, artifact.Name); err != nil {
			return fmt.Errorf("roll back vm %d to %s: %w", node.VMID, artifact.Name, err)
		}
	}

	if err := c.hv.Start(ctx, node.HVHost, node.VMID); err != nil {
		return fmt.Errorf("start vm %d: %w", node.VMID, err)
	}
	c.logger.Info().Str("node", node.Name).Str("artifact", artifact.Name).Msg("vm restored")
	return nil
}
