package pointintime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacticz/pve-k3s-cluster-management/pkg/config"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/hypervisor"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/lifecycle"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/types"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/validate"
	"github.com/tacticz/pve-k3s-cluster-management/test/framework"
)

func coordinatorNodes() []*types.Node {
	return []*types.Node{
		{Name: "cp-1", Address: "10.0.0.11", Role: types.RoleControlPlane, VMID: 101, HVHost: "pve1"},
		{Name: "cp-2", Address: "10.0.0.12", Role: types.RoleControlPlane, VMID: 102, HVHost: "pve1"},
		{Name: "cp-3", Address: "10.0.0.13", Role: types.RoleControlPlane, VMID: 103, HVHost: "pve2"},
		{Name: "worker-1", Address: "10.0.0.21", Role: types.RoleWorker, VMID: 201, HVHost: "pve1"},
		{Name: "worker-2", Address: "10.0.0.22", Role: types.RoleWorker, VMID: 202, HVHost: "pve2"},
	}
}

type recorderStub struct {
	records []*types.PointInTimeRecord
}

func (r *recorderStub) PutRecord(rec *types.PointInTimeRecord) error {
	r.records = append(r.records, rec)
	return nil
}

func newTestCoordinator(w *framework.World, nodes []*types.Node, cfg Config) (*Coordinator, *recorderStub) {
	if cfg.ClusterName == "" {
		cfg.ClusterName = "lab"
	}
	if cfg.LabelPrefix == "" {
		cfg.LabelPrefix = "pit"
	}
	if cfg.BackupStorage == "" {
		cfg.BackupStorage = "backup-nfs"
	}
	if cfg.Level == "" {
		cfg.Level = config.ValidationBasic
	}

	life := lifecycle.NewManager(w.Cluster(), w.Hypervisor(), w.Executor(), &framework.Confirmer{},
		lifecycle.Config{Force: cfg.Force, DryRun: cfg.DryRun})
	check := validate.New(w.Cluster(), w.Hypervisor(), w.StateStore(), w.Executor(),
		&types.Topology{Nodes: nodes}, "")
	rec := &recorderStub{}
	return NewCoordinator(life, w.Cluster(), w.Hypervisor(), w.StateStore(), check, rec, cfg), rec
}

func TestSnapshotEtcdBeforeAnyVMArtifact(t *testing.T) {
	nodes := coordinatorNodes()
	w := framework.NewWorld(nodes)
	c, _ := newTestCoordinator(w, nodes, Config{})

	result, err := c.CreatePointInTime(context.Background(), Request{Kind: types.KindSnapshot, Scope: nodes})
	require.NoError(t, err)
	require.Len(t, result.Record.Artifacts, 5)
	assert.NotEmpty(t, result.Record.EtcdSnapshot)

	saveIdx := w.CallIndex("etcd.save")
	require.GreaterOrEqual(t, saveIdx, 0)
	for _, call := range w.CallsMatching("hv.snapshot") {
		assert.Greater(t, w.CallIndex(call), saveIdx, "etcd snapshot must precede %s", call)
	}
}

func TestSnapshotWorkersBeforeControlPlane(t *testing.T) {
	nodes := coordinatorNodes()
	w := framework.NewWorld(nodes)
	c, _ := newTestCoordinator(w, nodes, Config{})

	_, err := c.CreatePointInTime(context.Background(), Request{Kind: types.KindSnapshot, Scope: nodes})
	require.NoError(t, err)

	firstCP := w.CallIndex("kube.cordon cp-")
	require.GreaterOrEqual(t, firstCP, 0)
	assert.Less(t, w.CallIndex("hv.snapshot 201"), firstCP)
	assert.Less(t, w.CallIndex("hv.snapshot 202"), firstCP)
}

func TestSnapshotControlPlanesOneAtATime(t *testing.T) {
	nodes := coordinatorNodes()
	w := framework.NewWorld(nodes)
	c, _ := newTestCoordinator(w, nodes, Config{})

	_, err := c.CreatePointInTime(context.Background(), Request{Kind: types.KindSnapshot, Scope: nodes})
	require.NoError(t, err)

	// Every control-plane node must be back up before the next goes down.
	for _, pair := range [][2]string{{"hv.start 101", "hv.shutdown 102"}, {"hv.start 102", "hv.shutdown 103"}} {
		up, down := w.CallIndex(pair[0]), w.CallIndex(pair[1])
		require.GreaterOrEqual(t, up, 0, pair[0])
		require.GreaterOrEqual(t, down, 0, pair[1])
		assert.Less(t, up, down)
	}
}

func TestSnapshotLeavesClusterHealthy(t *testing.T) {
	nodes := coordinatorNodes()
	w := framework.NewWorld(nodes)
	c, rec := newTestCoordinator(w, nodes, Config{})

	result, err := c.CreatePointInTime(context.Background(), Request{
		Kind:        types.KindSnapshot,
		Label:       "weekly",
		Description: "before upgrade",
		Scope:       nodes,
	})
	require.NoError(t, err)
	assert.Zero(t, result.Degraded)

	for name, sim := range w.Sims {
		assert.Equal(t, hypervisor.StatusRunning, sim.VMStatus, name)
		assert.True(t, sim.ServiceActive, name)
		assert.False(t, sim.Cordoned, name)
		require.Len(t, sim.Snapshots, 1, name)
		linked, ok := types.ParseLinkedSnapshot(sim.Snapshots[0].Description)
		require.True(t, ok, name)
		assert.Equal(t, result.Record.EtcdSnapshot, linked)
	}

	require.Len(t, rec.records, 1)
	assert.Contains(t, rec.records[0].Label, "weekly")
}

func TestBackupRoundTrip(t *testing.T) {
	nodes := coordinatorNodes()
	w := framework.NewWorld(nodes)
	c, _ := newTestCoordinator(w, nodes, Config{})

	result, err := c.CreatePointInTime(context.Background(), Request{Kind: types.KindBackup, Scope: nodes})
	require.NoError(t, err)
	require.Len(t, result.Record.Artifacts, 5)

	for name, sim := range w.Sims {
		require.Len(t, sim.Backups, 1, name)
		linked, ok := types.ParseLinkedSnapshot(sim.Backups[0].Notes)
		require.True(t, ok, name)
		assert.Equal(t, result.Record.EtcdSnapshot, linked)
		assert.False(t, sim.Cordoned, name)
	}
}

func TestBackupDrainFailureAbortsBeforeControlPlane(t *testing.T) {
	nodes := coordinatorNodes()
	w := framework.NewWorld(nodes)
	w.DrainErr["worker-1"] = types.ErrCommandFailed
	c, _ := newTestCoordinator(w, nodes, Config{})

	_, err := c.CreatePointInTime(context.Background(), Request{Kind: types.KindBackup, Scope: nodes})
	require.Error(t, err)
	require.ErrorIs(t, err, types.ErrCommandFailed)

	// The failed node stays cordoned for the operator, and no control-plane
	// node was touched.
	assert.True(t, w.Sims["worker-1"].Cordoned)
	assert.Empty(t, w.CallsMatching("kube.cordon cp-"))
	assert.Empty(t, w.CallsMatching("hv.backup 10"))
}

func TestBackupForceContinuesPastNodeFailure(t *testing.T) {
	nodes := coordinatorNodes()
	w := framework.NewWorld(nodes)
	w.BackupErr["worker-1"] = types.ErrCommandFailed
	c, _ := newTestCoordinator(w, nodes, Config{Force: true})

	result, err := c.CreatePointInTime(context.Background(), Request{Kind: types.KindBackup, Scope: nodes})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Degraded, 1)
	assert.Len(t, result.Record.Artifacts, 4)
	// The sweep uncordons what the failed path left behind.
	assert.False(t, w.Sims["worker-1"].Cordoned)
}

func TestPreValidationGate(t *testing.T) {
	nodes := coordinatorNodes()
	w := framework.NewWorld(nodes)
	w.Sims["worker-2"].VMStatus = hypervisor.StatusStopped
	c, _ := newTestCoordinator(w, nodes, Config{})

	_, err := c.CreatePointInTime(context.Background(), Request{Kind: types.KindSnapshot, Scope: nodes})
	require.ErrorIs(t, err, types.ErrPrecondition)
	assert.Empty(t, w.Calls)
}

func TestEtcdSnapshotFailsOverToPeer(t *testing.T) {
	nodes := coordinatorNodes()
	w := framework.NewWorld(nodes)
	// cp-1 is up but its k3s server is not serving; the save must move on.
	w.Sims["cp-1"].ServiceActive = false
	c, _ := newTestCoordinator(w, nodes, Config{Force: true})

	result, err := c.CreatePointInTime(context.Background(), Request{Kind: types.KindSnapshot, Scope: nodes})
	require.NoError(t, err)
	assert.Contains(t, result.Record.EtcdSnapshot, "cp-2")
}

func TestDryRunTracesWithoutMutating(t *testing.T) {
	nodes := coordinatorNodes()
	w := framework.NewWorld(nodes)
	c, rec := newTestCoordinator(w, nodes, Config{DryRun: true})

	result, err := c.CreatePointInTime(context.Background(), Request{Kind: types.KindSnapshot, Scope: nodes})
	require.NoError(t, err)
	assert.Empty(t, w.Calls)
	assert.Empty(t, result.Record.Artifacts)
	assert.Empty(t, rec.records)
	for name, sim := range w.Sims {
		assert.Empty(t, sim.Snapshots, name)
	}
}

func TestRetentionRunsAfterOperation(t *testing.T) {
	nodes := coordinatorNodes()
	w := framework.NewWorld(nodes)
	// Older managed snapshots beyond the keep count.
	for _, sim := range w.Sims {
		sim.Snapshots = append(sim.Snapshots,
			hypervisor.Snapshot{Name: "pit-lab-20200101-1200"},
			hypervisor.Snapshot{Name: "pit-lab-20200102-1200"},
		)
	}
	c, _ := newTestCoordinator(w, nodes, Config{Retention: types.RetentionPolicy{Keep: 1}})

	result, err := c.CreatePointInTime(context.Background(), Request{Kind: types.KindSnapshot, Scope: nodes})
	require.NoError(t, err)

	for name, sim := range w.Sims {
		require.Len(t, sim.Snapshots, 1, name)
		assert.Equal(t, result.Record.Label, sim.Snapshots[0].Name, name)
	}
}
