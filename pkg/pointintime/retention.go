package pointintime

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tacticz/pve-k3s-cluster-management/pkg/hypervisor"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/log"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/statestore"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/types"
)

// Cleaner applies the retention policy to one artifact class at a time: VM
// backups per VM, VM snapshots per VM filtered to the label prefix, and etcd
// snapshots filtered to the label prefix. The keep most recent artifacts
// survive; keep == 0 disables cleanup entirely.
type Cleaner struct {
	hv      hypervisor.API
	store   statestore.API
	policy  types.RetentionPolicy
	prefix  string // label prefix the managed artifacts share
	storage string // backup storage target
	dryRun  bool
	logger  zerolog.Logger
}

// NewCleaner wires retention cleanup over the hypervisor and the state store.
func NewCleaner(hv hypervisor.API, store statestore.API, policy types.RetentionPolicy, prefix, storage string, dryRun bool) *Cleaner {
	return &Cleaner{
		hv:      hv,
		store:   store,
		policy:  policy,
		prefix:  prefix,
		storage: storage,
		dryRun:  dryRun,
		logger:  log.WithComponent("retention"),
	}
}

// Run cleans up the artifact class matching kind for every node in scope,
// plus the etcd snapshot class. It returns the number of artifacts deleted.
// Cleanup is best-effort: individual delete failures are logged and counted
// against nothing.
func (c *Cleaner) Run(ctx context.Context, kind types.OperationKind, scope []*types.Node) (int, error) {
	if !c.policy.Enabled() {
		return 0, nil
	}

	deleted := 0
	for _, n := range scope {
		var err error
		var d int
		switch kind {
		case types.KindBackup:
			d, err = c.cleanBackups(ctx, n)
		case types.KindSnapshot:
			d, err = c.cleanSnapshots(ctx, n)
		}
		if err != nil {
			c.logger.Warn().Str("node", n.Name).Err(err).Msg("retention cleanup failed for node")
			continue
		}
		deleted += d
	}

	d, err := c.cleanEtcdSnapshots(ctx, scope)
	if err != nil {
		c.logger.Warn().Err(err).Msg("etcd snapshot retention cleanup failed")
	}
	deleted += d

	c.logger.Info().Int("deleted", deleted).Int("keep", c.policy.Keep).Msg("retention cleanup done")
	return deleted, nil
}

func (c *Cleaner) cleanBackups(ctx context.Context, n *types.Node) (int, error) {
	backups, err := c.hv.ListBackups(ctx, n.HVHost, c.storage, n.VMID)
	if err != nil {
		return 0, err
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})

	deleted := 0
	for _, b := range backups[min(c.policy.Keep, len(backups)):] {
		if c.dryRun {
			c.logger.Info().Str("volid", b.VolID).Msg("would delete backup")
			continue
		}
		if err := c.hv.DeleteBackup(ctx, n.HVHost, c.storage, b.VolID); err != nil {
			c.logger.Warn().Str("volid", b.VolID).Err(err).Msg("delete backup failed")
			continue
		}
		deleted++
	}
	return deleted, nil
}

func (c *Cleaner) cleanSnapshots(ctx context.Context, n *types.Node) (int, error) {
	snaps, err := c.hv.ListSnapshots(ctx, n.HVHost, n.VMID)
	if err != nil {
		return 0, err
	}

	// Only manage snapshots carrying the configured prefix; anything else on
	// the VM was made by hand and is not ours to delete. Labels embed the
	// timestamp, so name order is age order.
	var managed []hypervisor.Snapshot
	for _, s := range snaps {
		if strings.HasPrefix(s.Name, c.prefix+"-") {
			managed = append(managed, s)
		}
	}
	sort.Slice(managed, func(i, j int) bool { return managed[i].Name > managed[j].Name })

	deleted := 0
	for _, s := range managed[min(c.policy.Keep, len(managed)):] {
		if c.dryRun {
			c.logger.Info().Int("vmid", n.VMID).Str("snapshot", s.Name).Msg("would delete snapshot")
			continue
		}
		if err := c.hv.DeleteSnapshot(ctx, n.HVHost, n.VMID, s.Name); err != nil {
			c.logger.Warn().Int("vmid", n.VMID).Str("snapshot", s.Name).Err(err).Msg("delete snapshot failed")
			continue
		}
		deleted++
	}
	return deleted, nil
}

func (c *Cleaner) cleanEtcdSnapshots(ctx context.Context, scope []*types.Node) (int, error) {
	topo := &types.Topology{Nodes: scope}
	cps := topo.ControlPlanes()
	if len(cps) == 0 {
		return 0, nil
	}

	var snaps []types.EtcdSnapshot
	var host string
	var err error
	for _, cp := range cps {
		snaps, err = c.store.List(ctx, cp.Address)
		if err == nil {
			host = cp.Address
			break
		}
	}
	if err != nil {
		return 0, err
	}

	var managed []types.EtcdSnapshot
	for _, s := range snaps {
		if strings.HasPrefix(s.Name, c.prefix+"-") {
			managed = append(managed, s)
		}
	}
	sort.Slice(managed, func(i, j int) bool { return managed[i].Name > managed[j].Name })

	deleted := 0
	for _, s := range managed[min(c.policy.Keep, len(managed)):] {
		if c.dryRun {
			c.logger.Info().Str("snapshot", s.Name).Msg("would delete etcd snapshot")
			continue
		}
		if err := c.store.Delete(ctx, host, s.Name); err != nil {
			c.logger.Warn().Str("snapshot", s.Name).Err(err).Msg("delete etcd snapshot failed")
			continue
		}
		deleted++
	}
	return deleted, nil
}
