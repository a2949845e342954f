package pointintime

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tacticz/pve-k3s-cluster-management/pkg/cluster"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/config"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/hypervisor"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/lifecycle"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/log"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/statestore"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/types"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/validate"
)

// Recorder persists completed point-in-time records.
type Recorder interface {
	PutRecord(rec *types.PointInTimeRecord) error
}

// Config carries the run policy for the coordinator.
type Config struct {
	ClusterName   string
	LabelPrefix   string
	BackupStorage string
	Retention     types.RetentionPolicy
	Level         config.ValidationLevel
	Force         bool
	DryRun        bool
}

// Request describes one point-in-time operation. Scope is the explicit node
// set the operation covers; it is never mutated.
type Request struct {
	Kind        types.OperationKind
	Label       string
	Description string
	Scope       []*types.Node
}

// Result is the outcome of one operation. Degraded counts items the run
// could not bring back to a clean state under force, so operators can
// intervene manually.
type Result struct {
	Record   *types.PointInTimeRecord
	Degraded int
}

// Coordinator sequences a cluster-wide snapshot or backup. The etcd snapshot
// is always taken before any VM artifact; all workers complete before any
// control-plane node is touched; control-plane nodes go strictly one at a
// time so at most one is ever down.
type Coordinator struct {
	life   *lifecycle.Manager
	kube   cluster.API
	hv     hypervisor.API
	store  statestore.API
	check  *validate.Validator
	clean  *Cleaner
	rec    Recorder
	cfg    Config
	logger zerolog.Logger
}

// NewCoordinator wires the coordinator. rec may be nil when no local history
// should be kept.
func NewCoordinator(life *lifecycle.Manager, kube cluster.API, hv hypervisor.API, store statestore.API, check *validate.Validator, rec Recorder, cfg Config) *Coordinator {
	return &Coordinator{
		life:   life,
		kube:   kube,
		hv:     hv,
		store:  store,
		check:  check,
		clean:  NewCleaner(hv, store, cfg.Retention, cfg.LabelPrefix, cfg.BackupStorage, cfg.DryRun),
		rec:    rec,
		cfg:    cfg,
		logger: log.WithComponent("pointintime"),
	}
}

// CreatePointInTime runs the whole operation and returns the record of what
// was produced. Failures abort at the failing node unless force is set, in
// which case they are logged, counted as degraded and skipped.
func (c *Coordinator) CreatePointInTime(ctx context.Context, req Request) (*Result, error) {
	if len(req.Scope) == 0 {
		return nil, fmt.Errorf("empty scope: %w", types.ErrPrecondition)
	}

	report, err := c.check.Run(ctx, c.cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("pre-operation validation: %w", err)
	}
	if !report.OK() {
		if !c.cfg.Force {
			return nil, fmt.Errorf("%s: %w", report.Summary(), types.ErrPrecondition)
		}
		c.logger.Warn().Str("summary", report.Summary()).Msg("validation failed, continuing under force")
	}

	label := FormatLabel(c.cfg.LabelPrefix, c.cfg.ClusterName, req.Label, time.Now())
	c.logger.Info().Str("kind", string(req.Kind)).Str("label", label).Msg("starting point-in-time operation")

	result := &Result{Record: &types.PointInTimeRecord{
		Kind:        req.Kind,
		Label:       label,
		Description: req.Description,
		Timestamp:   time.Now(),
	}}

	snap, err := c.saveStateSnapshot(ctx, label, req.Scope)
	if err != nil {
		return nil, err
	}
	result.Record.EtcdSnapshot = snap.Name
	notes := types.FormatArtifactNotes(snap.Name, req.Description)

	topo := &types.Topology{Nodes: req.Scope}
	workers := topo.Workers()
	cps := topo.ControlPlanes()

	if err := c.processWorkers(ctx, req.Kind, label, notes, workers, req.Scope, result); err != nil {
		return result, err
	}
	if err := c.processControlPlanes(ctx, req.Kind, label, notes, cps, req.Scope, result); err != nil {
		return result, err
	}

	c.postPass(ctx, req, result)

	if c.rec != nil && !c.cfg.DryRun {
		if err := c.rec.PutRecord(result.Record); err != nil {
			c.logger.Warn().Err(err).Msg("recording operation history failed")
		}
	}

	c.logger.Info().Str("label", label).Int("artifacts", len(result.Record.Artifacts)).
		Int("degraded", result.Degraded).Msg("point-in-time operation complete")
	return result, nil
}

// saveStateSnapshot takes the etcd snapshot on the first control-plane node
// that is currently serving, failing over through the rest.
func (c *Coordinator) saveStateSnapshot(ctx context.Context, label string, scope []*types.Node) (types.EtcdSnapshot, error) {
	topo := &types.Topology{Nodes: scope}
	cps := topo.ControlPlanes()
	if len(cps) == 0 {
		return types.EtcdSnapshot{}, fmt.Errorf("no control-plane node in scope: %w", types.ErrPrecondition)
	}

	if c.cfg.DryRun {
		c.logger.Info().Str("label", label).Msg("would save etcd snapshot")
		return types.EtcdSnapshot{Name: label, Host: cps[0].Address}, nil
	}

	var lastErr error
	for _, cp := range cps {
		snap, err := c.store.Save(ctx, cp.Address, label)
		if err == nil {
			return snap, nil
		}
		lastErr = err
		c.logger.Warn().Str("node", cp.Name).Err(err).Msg("etcd snapshot failed, trying next control-plane node")
	}
	return types.EtcdSnapshot{}, fmt.Errorf("etcd snapshot failed on every control-plane node: %w", lastErr)
}

// processWorkers handles the worker batch. Snapshots shut all workers down,
// snapshot the VMs cold and power everything back on. Backups keep the VMs
// up: the node is cordoned, drained and its agent stopped, then vzdump cycles
// the VM itself.
func (c *Coordinator) processWorkers(ctx context.Context, kind types.OperationKind, label, notes string, workers, scope []*types.Node, result *Result) error {
	if len(workers) == 0 {
		return nil
	}

	switch kind {
	case types.KindSnapshot:
		for _, w := range workers {
			if err := c.life.Shutdown(ctx, w, scope); err != nil {
				if fail := c.failNode(w, "shutdown", err, result); fail != nil {
					return fail
				}
			}
		}
		for _, w := range workers {
			if err := c.createArtifact(ctx, kind, label, notes, w, result); err != nil {
				if fail := c.failNode(w, "snapshot", err, result); fail != nil {
					return fail
				}
			}
		}
		for _, w := range workers {
			if err := c.life.PowerOn(ctx, w, scope); err != nil {
				if fail := c.failNode(w, "power on", err, result); fail != nil {
					return fail
				}
			}
		}

	case types.KindBackup:
		for _, w := range workers {
			if err := c.backupLiveNode(ctx, label, notes, w, scope, result); err != nil {
				if fail := c.failNode(w, "backup", err, result); fail != nil {
					return fail
				}
			}
		}
	}
	return nil
}

// backupLiveNode quiesces one running node and archives its VM. vzdump in
// stop mode owns the VM power cycle, so only the cluster service is stopped
// here; afterwards the node is waited back in and uncordoned.
func (c *Coordinator) backupLiveNode(ctx context.Context, label, notes string, node *types.Node, scope []*types.Node, result *Result) error {
	if err := c.life.Cordon(ctx, node, scope); err != nil {
		return err
	}
	if err := c.life.Drain(ctx, node, scope); err != nil {
		return err
	}
	if err := c.life.StopClusterService(ctx, node); err != nil {
		return err
	}

	if err := c.createArtifact(ctx, types.KindBackup, label, notes, node, result); err != nil {
		return err
	}

	if err := c.life.WaitReachable(ctx, node); err != nil {
		return err
	}
	if err := c.life.WaitServiceActive(ctx, node); err != nil {
		return err
	}
	return c.life.Uncordon(ctx, node, scope)
}

// processControlPlanes takes control-plane nodes down strictly one at a time.
// Shutdown's quorum check gates each node, and a basic validation runs before
// moving on, so the window with a control-plane member missing stays minimal.
func (c *Coordinator) processControlPlanes(ctx context.Context, kind types.OperationKind, label, notes string, cps, scope []*types.Node, result *Result) error {
	for i, cp := range cps {
		if err := c.pointInTimeOne(ctx, kind, label, notes, cp, scope, result); err != nil {
			if fail := c.failNode(cp, "point-in-time", err, result); fail != nil {
				return fail
			}
			continue
		}

		// Not after the last one; the post-pass validates the whole run.
		if i < len(cps)-1 {
			report, err := c.check.Run(ctx, config.ValidationBasic)
			if err != nil || !report.OK() {
				if !c.cfg.Force {
					if err != nil {
						return fmt.Errorf("validation after %s: %w", cp.Name, err)
					}
					return fmt.Errorf("cluster unhealthy after %s: %s: %w", cp.Name, report.Summary(), types.ErrPrecondition)
				}
				result.Degraded++
				c.logger.Warn().Str("node", cp.Name).Msg("cluster unhealthy after node, continuing under force")
			}
		}
	}
	return nil
}

func (c *Coordinator) pointInTimeOne(ctx context.Context, kind types.OperationKind, label, notes string, node *types.Node, scope []*types.Node, result *Result) error {
	if err := c.life.Shutdown(ctx, node, scope); err != nil {
		return err
	}
	if err := c.createArtifact(ctx, kind, label, notes, node, result); err != nil {
		return err
	}
	return c.life.PowerOn(ctx, node, scope)
}

// createArtifact produces the VM artifact for one node and appends it to the
// record.
func (c *Coordinator) createArtifact(ctx context.Context, kind types.OperationKind, label, notes string, node *types.Node, result *Result) error {
	logger := log.WithNode(node.Name)
	if c.cfg.DryRun {
		logger.Info().Str("kind", string(kind)).Str("label", label).Msg("would create vm artifact")
		return nil
	}

	artifact := types.VMArtifact{
		VMID:      node.VMID,
		HVHost:    node.HVHost,
		Kind:      kind,
		Notes:     notes,
		CreatedAt: time.Now(),
	}

	switch kind {
	case types.KindSnapshot:
		if err := c.hv.CreateSnapshot(ctx, node.HVHost, node.VMID, label, notes); err != nil {
			return fmt.Errorf("snapshot vm %d: %w", node.VMID, err)
		}
		artifact.Name = label

	case types.KindBackup:
		backup, err := c.hv.CreateBackup(ctx, node.HVHost, node.VMID, hypervisor.BackupOptions{
			Storage:  c.cfg.BackupStorage,
			Compress: "zstd",
			Mode:     "stop",
			Notes:    notes,
		})
		if err != nil {
			return fmt.Errorf("backup vm %d: %w", node.VMID, err)
		}
		artifact.Name = backup.VolID
	}

	result.Record.Artifacts = append(result.Record.Artifacts, artifact)
	logger.Info().Str("artifact", artifact.Name).Msg("vm artifact created")
	return nil
}

// failNode applies the per-node failure policy: abort (returning the error)
// without force, log and count degraded with it.
func (c *Coordinator) failNode(node *types.Node, step string, err error, result *Result) error {
	if !c.cfg.Force {
		return fmt.Errorf("%s %s: %w", step, node.Name, err)
	}
	result.Degraded++
	c.logger.Error().Str("node", node.Name).Str("step", step).Err(err).
		Msg("node failed, continuing under force")
	return nil
}

// postPass runs the final validation, sweeps for nodes left cordoned and
// applies retention. All of it is best-effort; problems are degraded items,
// not errors.
func (c *Coordinator) postPass(ctx context.Context, req Request, result *Result) {
	if len(req.Scope) > 1 && !c.cfg.DryRun {
		report, err := c.check.Run(ctx, c.cfg.Level)
		switch {
		case err != nil:
			result.Degraded++
			c.logger.Warn().Err(err).Msg("final validation could not run")
		case !report.OK():
			result.Degraded++
			c.logger.Warn().Str("summary", report.Summary()).Msg("final validation failed")
		}
	}

	for _, n := range req.Scope {
		cordoned, err := c.kube.IsCordoned(ctx, n.Name)
		if err != nil || !cordoned {
			continue
		}
		c.logger.Warn().Str("node", n.Name).Msg("node still cordoned after run, uncordoning")
		if err := c.life.Uncordon(ctx, n, req.Scope); err != nil {
			result.Degraded++
			c.logger.Error().Str("node", n.Name).Err(err).Msg("node may still be cordoned")
		}
	}

	if _, err := c.clean.Run(ctx, req.Kind, req.Scope); err != nil {
		c.logger.Warn().Err(err).Msg("retention cleanup failed")
	}
}
