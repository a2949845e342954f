package lifecycle

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacticz/pve-k3s-cluster-management/pkg/hypervisor"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/types"
	"github.com/tacticz/pve-k3s-cluster-management/test/framework"
)

func testNodes() []*types.Node {
	return []*types.Node{
		{Name: "cp-1", Address: "10.0.0.11", Role: types.RoleControlPlane, VMID: 101, HVHost: "pve1"},
		{Name: "cp-2", Address: "10.0.0.12", Role: types.RoleControlPlane, VMID: 102, HVHost: "pve1"},
		{Name: "cp-3", Address: "10.0.0.13", Role: types.RoleControlPlane, VMID: 103, HVHost: "pve2"},
		{Name: "worker-1", Address: "10.0.0.21", Role: types.RoleWorker, VMID: 201, HVHost: "pve1"},
		{Name: "worker-2", Address: "10.0.0.22", Role: types.RoleWorker, VMID: 202, HVHost: "pve2"},
	}
}

func newTestManager(w *framework.World, cfg Config) *Manager {
	m := NewManager(w.Cluster(), w.Hypervisor(), w.Executor(), &framework.Confirmer{}, cfg)
	m.backoffFn = func(int) time.Duration { return 0 }
	return m
}

func TestShutdownWorker(t *testing.T) {
	nodes := testNodes()
	w := framework.NewWorld(nodes)
	m := newTestManager(w, Config{})

	node := nodes[3]
	require.NoError(t, m.Shutdown(context.Background(), node, nodes))

	sim := w.Sims["worker-1"]
	assert.True(t, sim.Cordoned)
	assert.False(t, sim.ServiceActive)
	assert.Equal(t, hypervisor.StatusStopped, sim.VMStatus)
	assert.Equal(t, types.StatePoweredOff, node.State)

	// Drain must not start before cordon, and the VM must not go down before
	// the cluster service.
	assert.Less(t, w.CallIndex("kube.cordon worker-1"), w.CallIndex("kube.drain worker-1"))
	assert.Less(t, w.CallIndex("kube.drain worker-1"), w.CallIndex("svc.stop worker-1"))
	assert.Less(t, w.CallIndex("svc.stop worker-1"), w.CallIndex("hv.shutdown 201"))
}

func TestShutdownControlPlaneRequiresLivePeer(t *testing.T) {
	nodes := testNodes()
	w := framework.NewWorld(nodes)
	// All other control-plane nodes are already down.
	w.Sims["cp-2"].VMStatus = hypervisor.StatusStopped
	w.Sims["cp-3"].VMStatus = hypervisor.StatusStopped

	m := newTestManager(w, Config{})
	err := m.Shutdown(context.Background(), nodes[0], nodes)
	require.ErrorIs(t, err, types.ErrQuorum)
	assert.False(t, w.Sims["cp-1"].Cordoned)
	assert.Empty(t, w.Calls)
}

func TestShutdownControlPlaneForcedPastQuorum(t *testing.T) {
	nodes := testNodes()
	w := framework.NewWorld(nodes)
	w.Sims["cp-2"].VMStatus = hypervisor.StatusStopped
	w.Sims["cp-3"].VMStatus = hypervisor.StatusStopped

	m := newTestManager(w, Config{Force: true})
	require.NoError(t, m.Shutdown(context.Background(), nodes[0], nodes))
	assert.Equal(t, hypervisor.StatusStopped, w.Sims["cp-1"].VMStatus)
}

func TestDrainFailureLeavesNodeCordoned(t *testing.T) {
	nodes := testNodes()
	w := framework.NewWorld(nodes)
	w.DrainErr["worker-1"] = types.ErrCommandFailed

	m := newTestManager(w, Config{})
	err := m.Shutdown(context.Background(), nodes[3], nodes)
	require.ErrorIs(t, err, types.ErrCommandFailed)

	sim := w.Sims["worker-1"]
	assert.True(t, sim.Cordoned, "a failed drain must leave the node cordoned")
	assert.True(t, sim.ServiceActive)
	assert.Equal(t, hypervisor.StatusRunning, sim.VMStatus)
}

func TestDrainFailureForcedRetry(t *testing.T) {
	nodes := testNodes()
	w := framework.NewWorld(nodes)
	w.DrainErr["worker-1"] = types.ErrCommandFailed

	m := newTestManager(w, Config{})
	confirm := &framework.Confirmer{Answer: true}
	m.confirm = confirm

	require.NoError(t, m.Drain(context.Background(), nodes[3], nodes))
	assert.Len(t, confirm.Questions, 1)
	assert.Len(t, w.CallsMatching("kube.drain worker-1"), 2)
	assert.Equal(t, types.StateDrained, nodes[3].State)
}

func TestUncordonRetriesUntilVerified(t *testing.T) {
	nodes := testNodes()
	w := framework.NewWorld(nodes)
	w.Sims["worker-1"].Cordoned = true
	w.UncordonStuck["worker-1"] = true

	m := newTestManager(w, Config{})
	err := m.Uncordon(context.Background(), nodes[3], nodes)
	require.ErrorIs(t, err, types.ErrVerifyFailed)
	assert.Len(t, w.CallsMatching("kube.uncordon worker-1"), maxUncordonAttempts)
}

func TestUncordonSucceedsFirstAttempt(t *testing.T) {
	nodes := testNodes()
	w := framework.NewWorld(nodes)
	w.Sims["worker-1"].Cordoned = true

	m := newTestManager(w, Config{})
	require.NoError(t, m.Uncordon(context.Background(), nodes[3], nodes))
	assert.False(t, w.Sims["worker-1"].Cordoned)
	assert.Len(t, w.CallsMatching("kube.uncordon worker-1"), 1)
}

func TestStopServiceStuckFailsWithoutForce(t *testing.T) {
	nodes := testNodes()
	w := framework.NewWorld(nodes)
	w.StopStuck["worker-1"] = true

	m := newTestManager(w, Config{})
	err := m.StopClusterService(context.Background(), nodes[3])
	require.ErrorIs(t, err, types.ErrVerifyFailed)
}

func TestStopServiceStuckKilledUnderForce(t *testing.T) {
	nodes := testNodes()
	w := framework.NewWorld(nodes)
	w.StopStuck["worker-1"] = true

	m := newTestManager(w, Config{Force: true})
	require.NoError(t, m.StopClusterService(context.Background(), nodes[3]))
	assert.False(t, w.Sims["worker-1"].ServiceActive)
	assert.Len(t, w.CallsMatching("svc.kill worker-1"), 1)
}

func TestStopServiceUnreachableProbeIsAnError(t *testing.T) {
	nodes := testNodes()
	w := framework.NewWorld(nodes)
	// The stop lands but the link drops before the verification probe. That
	// must surface as a connectivity error, not as a verified stop.
	w.ProbeCut["worker-1"] = true

	m := newTestManager(w, Config{})
	err := m.StopClusterService(context.Background(), nodes[3])
	require.ErrorIs(t, err, types.ErrConnectivity)
	assert.NotEqual(t, types.StateServiceStopped, nodes[3].State)
}

func TestShutdownRollbackUncordonsOnLateFailure(t *testing.T) {
	nodes := testNodes()
	w := framework.NewWorld(nodes)
	w.StopStuck["worker-1"] = true

	m := newTestManager(w, Config{})
	err := m.Shutdown(context.Background(), nodes[3], nodes)
	require.ErrorIs(t, err, types.ErrVerifyFailed)
	assert.False(t, w.Sims["worker-1"].Cordoned, "aborted shutdown must uncordon the node")
}

func TestPowerOnRoundTrip(t *testing.T) {
	nodes := testNodes()
	w := framework.NewWorld(nodes)
	node := nodes[3]

	m := newTestManager(w, Config{})
	require.NoError(t, m.Shutdown(context.Background(), node, nodes))
	require.NoError(t, m.PowerOn(context.Background(), node, nodes))

	sim := w.Sims["worker-1"]
	assert.Equal(t, hypervisor.StatusRunning, sim.VMStatus)
	assert.True(t, sim.ServiceActive)
	assert.False(t, sim.Cordoned)
	assert.Equal(t, types.StateReady, node.State)
}

func TestPowerOffIdempotentWhenStopped(t *testing.T) {
	nodes := testNodes()
	w := framework.NewWorld(nodes)
	w.Sims["worker-1"].VMStatus = hypervisor.StatusStopped

	m := newTestManager(w, Config{})
	require.NoError(t, m.PowerOff(context.Background(), nodes[3], true))
	assert.Empty(t, w.CallsMatching("hv.shutdown"))
	assert.Empty(t, w.CallsMatching("hv.stop"))
}

// TestShutdownQuorumUnderRandomFailures samples random control-plane outage
// patterns: shutting down cp-1 must be refused exactly when no other
// control-plane node is live, and refused before anything is mutated.
func TestShutdownQuorumUnderRandomFailures(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 100; i++ {
		nodes := testNodes()
		w := framework.NewWorld(nodes)

		livePeers := 0
		for _, name := range []string{"cp-2", "cp-3"} {
			switch rng.Intn(3) {
			case 0:
				w.Sims[name].VMStatus = hypervisor.StatusStopped
			case 1:
				w.Sims[name].ServiceActive = false
			default:
				livePeers++
			}
		}

		m := newTestManager(w, Config{})
		err := m.Shutdown(context.Background(), nodes[0], nodes)

		if livePeers == 0 {
			require.ErrorIs(t, err, types.ErrQuorum, "pattern %d", i)
			assert.Empty(t, w.Calls, "pattern %d: refusal must precede any mutation", i)
		} else {
			require.NoError(t, err, "pattern %d", i)
			assert.Equal(t, hypervisor.StatusStopped, w.Sims["cp-1"].VMStatus, "pattern %d", i)
		}
	}
}

func TestDryRunMakesNoMutations(t *testing.T) {
	nodes := testNodes()
	w := framework.NewWorld(nodes)

	m := newTestManager(w, Config{DryRun: true})
	require.NoError(t, m.Shutdown(context.Background(), nodes[3], nodes))

	sim := w.Sims["worker-1"]
	assert.False(t, sim.Cordoned)
	assert.True(t, sim.ServiceActive)
	assert.Equal(t, hypervisor.StatusRunning, sim.VMStatus)
	assert.Empty(t, w.Calls)
	assert.Equal(t, types.StatePoweredOff, nodes[3].State)
}
