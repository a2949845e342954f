package restore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacticz/pve-k3s-cluster-management/pkg/config"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/hypervisor"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/lifecycle"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/pointintime"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/types"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/validate"
	"github.com/tacticz/pve-k3s-cluster-management/test/framework"
)

func restoreNodes() []*types.Node {
	return []*types.Node{
		{Name: "cp-1", Address: "10.0.0.11", Role: types.RoleControlPlane, VMID: 101, HVHost: "pve1"},
		{Name: "cp-2", Address: "10.0.0.12", Role: types.RoleControlPlane, VMID: 102, HVHost: "pve1"},
		{Name: "worker-1", Address: "10.0.0.21", Role: types.RoleWorker, VMID: 201, HVHost: "pve2"},
	}
}

func newTestCoordinator(w *framework.World, nodes []*types.Node, cfg Config, confirm *framework.Confirmer) *Coordinator {
	if cfg.BackupStorage == "" {
		cfg.BackupStorage = "backup-nfs"
	}
	if cfg.Level == "" {
		cfg.Level = config.ValidationBasic
	}
	if confirm == nil {
		confirm = &framework.Confirmer{}
	}
	// Short poll bounds: failure paths should fail fast in tests. Happy
	// paths pass their first poll regardless.
	life := lifecycle.NewManager(w.Cluster(), w.Hypervisor(), w.Executor(), confirm, lifecycle.Config{
		Force:            cfg.Force,
		DryRun:           cfg.DryRun,
		ReachableTimeout: 20 * time.Millisecond,
		ServiceTimeout:   20 * time.Millisecond,
		PowerOffTimeout:  20 * time.Millisecond,
	})
	check := validate.New(w.Cluster(), w.Hypervisor(), w.StateStore(), w.Executor(),
		&types.Topology{Nodes: nodes}, "")
	return NewCoordinator(life, w.Cluster(), w.Hypervisor(), w.StateStore(), w.Executor(), check, confirm, cfg)
}

// takePoint runs a real point-in-time operation against the world so restore
// tests work with faithfully produced artifacts.
func takePoint(t *testing.T, w *framework.World, nodes []*types.Node, kind types.OperationKind, label string) *types.PointInTimeRecord {
	t.Helper()
	life := lifecycle.NewManager(w.Cluster(), w.Hypervisor(), w.Executor(), &framework.Confirmer{}, lifecycle.Config{})
	check := validate.New(w.Cluster(), w.Hypervisor(), w.StateStore(), w.Executor(),
		&types.Topology{Nodes: nodes}, "")
	pit := pointintime.NewCoordinator(life, w.Cluster(), w.Hypervisor(), w.StateStore(), check, nil,
		pointintime.Config{ClusterName: "lab", LabelPrefix: "pit", BackupStorage: "backup-nfs", Level: config.ValidationBasic})
	result, err := pit.CreatePointInTime(context.Background(), pointintime.Request{Kind: kind, Label: label, Scope: nodes})
	require.NoError(t, err)
	return result.Record
}

func TestRestoreSnapshotRoundTrip(t *testing.T) {
	nodes := restoreNodes()
	w := framework.NewWorld(nodes)
	rec := takePoint(t, w, nodes, types.KindSnapshot, "demo")

	c := newTestCoordinator(w, nodes, Config{}, nil)
	result, err := c.Restore(context.Background(), Request{Label: "demo", Scope: nodes})
	require.NoError(t, err)
	assert.Zero(t, result.Degraded)
	assert.Empty(t, result.Issues)
	assert.Equal(t, rec.Label, result.Target.Label)
	assert.Equal(t, rec.EtcdSnapshot, result.Target.Etcd)

	for name, sim := range w.Sims {
		assert.Equal(t, hypervisor.StatusRunning, sim.VMStatus, name)
		assert.True(t, sim.ServiceActive, name)
	}
	assert.Len(t, w.CallsMatching("hv.rollback"), 3)
	assert.Len(t, w.CallsMatching("etcd.restore"), 1)
}

func TestRestorePrefersBackupsOverSnapshots(t *testing.T) {
	nodes := restoreNodes()
	w := framework.NewWorld(nodes)
	takePoint(t, w, nodes, types.KindSnapshot, "old")
	rec := takePoint(t, w, nodes, types.KindBackup, "fresh")

	c := newTestCoordinator(w, nodes, Config{}, nil)
	result, err := c.Restore(context.Background(), Request{Scope: nodes})
	require.NoError(t, err)
	assert.Equal(t, types.KindBackup, result.Target.Kind)
	assert.Equal(t, rec.EtcdSnapshot, result.Target.Etcd)
	assert.Len(t, w.CallsMatching("hv.restore"), 3)
	assert.Empty(t, w.CallsMatching("hv.rollback"))
}

func TestRestoreEtcdStateBeforeAnyVM(t *testing.T) {
	nodes := restoreNodes()
	w := framework.NewWorld(nodes)
	takePoint(t, w, nodes, types.KindBackup, "")

	c := newTestCoordinator(w, nodes, Config{}, nil)
	_, err := c.Restore(context.Background(), Request{Scope: nodes})
	require.NoError(t, err)

	etcdIdx := w.CallIndex("etcd.restore")
	require.GreaterOrEqual(t, etcdIdx, 0)
	for _, call := range w.CallsMatching("hv.restore") {
		assert.Greater(t, w.CallIndex(call), etcdIdx, "etcd state must be restored before %s", call)
	}
}

func TestRestoreAmbiguousMetadataFailsUnattended(t *testing.T) {
	nodes := restoreNodes()
	w := framework.NewWorld(nodes)
	for _, sim := range w.Sims {
		sim.Backups = append(sim.Backups, hypervisor.Backup{
			VolID:   "backup-nfs:backup/vzdump-qemu-manual.vma.zst",
			Storage: "backup-nfs",
			VMID:    sim.Node.VMID,
			Notes:   "manual run, no metadata",
		})
	}

	c := newTestCoordinator(w, nodes, Config{}, &framework.Confirmer{Answer: false})
	_, err := c.Restore(context.Background(), Request{Scope: nodes})
	require.ErrorIs(t, err, types.ErrNoLinkedSnapshot)
	assert.Empty(t, w.Calls, "no node may be touched before the metadata question is settled")
}

func TestRestoreAmbiguousMetadataConfirmedProceedsWithoutEtcd(t *testing.T) {
	nodes := restoreNodes()
	w := framework.NewWorld(nodes)
	for _, sim := range w.Sims {
		sim.Backups = append(sim.Backups, hypervisor.Backup{
			VolID:   "backup-nfs:backup/vzdump-qemu-manual.vma.zst",
			Storage: "backup-nfs",
			VMID:    sim.Node.VMID,
			Notes:   "manual run, no metadata",
		})
	}

	confirm := &framework.Confirmer{Answer: true}
	c := newTestCoordinator(w, nodes, Config{}, confirm)
	result, err := c.Restore(context.Background(), Request{Scope: nodes})
	require.NoError(t, err)
	assert.Len(t, confirm.Questions, 1)
	assert.Empty(t, w.CallsMatching("etcd.restore"))
	assert.Len(t, w.CallsMatching("hv.restore"), 3)
	assert.Zero(t, result.Degraded)
}

func TestRestoreAbortsAtFirstNodeFailure(t *testing.T) {
	nodes := restoreNodes()
	w := framework.NewWorld(nodes)
	takePoint(t, w, nodes, types.KindBackup, "")
	w.RestoreErr["cp-1"] = types.ErrCommandFailed

	c := newTestCoordinator(w, nodes, Config{}, nil)
	_, err := c.Restore(context.Background(), Request{Scope: nodes})
	require.ErrorIs(t, err, types.ErrCommandFailed)
	// cp-1 is first in scope; nothing after it was restored.
	assert.Len(t, w.CallsMatching("hv.restore"), 1)
}

func TestRestoreForceContinuesPastNodeFailure(t *testing.T) {
	nodes := restoreNodes()
	w := framework.NewWorld(nodes)
	takePoint(t, w, nodes, types.KindBackup, "")
	w.RestoreErr["cp-1"] = types.ErrCommandFailed

	c := newTestCoordinator(w, nodes, Config{Force: true}, nil)
	result, err := c.Restore(context.Background(), Request{Scope: nodes})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Degraded, 1)
	assert.Len(t, w.CallsMatching("hv.restore"), 3)
}

func TestRestoreUnknownLabel(t *testing.T) {
	nodes := restoreNodes()
	w := framework.NewWorld(nodes)
	takePoint(t, w, nodes, types.KindSnapshot, "demo")

	c := newTestCoordinator(w, nodes, Config{}, nil)
	_, err := c.Restore(context.Background(), Request{Label: "no-such-point", Scope: nodes})
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestRestoreDryRunTracesOnly(t *testing.T) {
	nodes := restoreNodes()
	w := framework.NewWorld(nodes)
	takePoint(t, w, nodes, types.KindSnapshot, "demo")
	before := len(w.Calls)

	c := newTestCoordinator(w, nodes, Config{DryRun: true}, nil)
	result, err := c.Restore(context.Background(), Request{Label: "demo", Scope: nodes})
	require.NoError(t, err)
	assert.Zero(t, result.Degraded)
	assert.Equal(t, before, len(w.Calls))
}

func TestReplaceWorker(t *testing.T) {
	nodes := restoreNodes()
	w := framework.NewWorld(nodes)
	takePoint(t, w, nodes, types.KindBackup, "")

	c := newTestCoordinator(w, nodes, Config{}, nil)
	node := nodes[2]
	require.NoError(t, c.Replace(context.Background(), node, nodes))

	assert.Len(t, w.CallsMatching("kube.delete-node worker-1"), 1)
	assert.Len(t, w.CallsMatching("hv.restore 201"), 1)
	sim := w.Sims["worker-1"]
	assert.Equal(t, hypervisor.StatusRunning, sim.VMStatus)
	assert.True(t, sim.ServiceActive)
}

func TestReplaceControlPlaneNeedsQuorum(t *testing.T) {
	nodes := restoreNodes()
	w := framework.NewWorld(nodes)
	takePoint(t, w, nodes, types.KindBackup, "")
	w.Sims["cp-2"].VMStatus = hypervisor.StatusStopped

	c := newTestCoordinator(w, nodes, Config{}, nil)
	err := c.Replace(context.Background(), nodes[0], nodes)
	require.ErrorIs(t, err, types.ErrQuorum)
	assert.Empty(t, w.CallsMatching("kube.delete-node"))
}
