package validate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacticz/pve-k3s-cluster-management/pkg/config"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/hypervisor"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/types"
	"github.com/tacticz/pve-k3s-cluster-management/test/framework"
)

func testNodes() []*types.Node {
	return []*types.Node{
		{Name: "cp-1", Address: "10.0.0.11", Role: types.RoleControlPlane, VMID: 101, HVHost: "pve1"},
		{Name: "cp-2", Address: "10.0.0.12", Role: types.RoleControlPlane, VMID: 102, HVHost: "pve1"},
		{Name: "worker-1", Address: "10.0.0.21", Role: types.RoleWorker, VMID: 201, HVHost: "pve2"},
	}
}

func newTestValidator(w *framework.World, nodes []*types.Node, shared string) *Validator {
	topo := &types.Topology{Nodes: nodes}
	return New(w.Cluster(), w.Hypervisor(), w.StateStore(), w.Executor(), topo, shared)
}

func checks(r *Report) []string {
	var out []string
	for _, i := range r.Issues {
		out = append(out, i.Check)
	}
	return out
}

func TestBasicHealthy(t *testing.T) {
	nodes := testNodes()
	w := framework.NewWorld(nodes)
	v := newTestValidator(w, nodes, "")

	report, err := v.Run(context.Background(), config.ValidationBasic)
	require.NoError(t, err)
	assert.True(t, report.OK(), report.Summary())
}

func TestBasicFlagsNotReadyAndCordoned(t *testing.T) {
	nodes := testNodes()
	w := framework.NewWorld(nodes)
	w.Sims["worker-1"].VMStatus = hypervisor.StatusStopped
	w.Sims["cp-2"].Cordoned = true

	v := newTestValidator(w, nodes, "")
	report, err := v.Run(context.Background(), config.ValidationBasic)
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Contains(t, checks(report), "node-ready")
	assert.Contains(t, checks(report), "node-schedulable")
}

func TestBasicFlagsMissingNode(t *testing.T) {
	nodes := testNodes()
	w := framework.NewWorld(nodes)

	withGhost := append(append([]*types.Node{}, nodes...),
		&types.Node{Name: "worker-9", Address: "10.0.0.99", Role: types.RoleWorker, VMID: 209, HVHost: "pve2"})
	v := newTestValidator(w, withGhost, "")

	report, err := v.Run(context.Background(), config.ValidationBasic)
	require.NoError(t, err)
	assert.Contains(t, checks(report), "node-registered")
}

func TestBasicFlagsMixedVersions(t *testing.T) {
	nodes := testNodes()
	w := framework.NewWorld(nodes)
	w.Sims["worker-1"].KubeletVersion = "v1.29.0+k3s1"

	v := newTestValidator(w, nodes, "")
	report, err := v.Run(context.Background(), config.ValidationBasic)
	require.NoError(t, err)
	assert.Contains(t, checks(report), "version-consistency")
}

func TestExtendedFlagsBrokenSharedStorage(t *testing.T) {
	nodes := testNodes()
	w := framework.NewWorld(nodes)
	w.SharedBroken["worker-1"] = true

	v := newTestValidator(w, nodes, "/mnt/shared")
	report, err := v.Run(context.Background(), config.ValidationExtended)
	require.NoError(t, err)
	require.False(t, report.OK())
	assert.Contains(t, checks(report), "shared-storage")
	assert.Equal(t, "worker-1", report.Issues[0].Node)
}

func TestExtendedSkipsSharedStorageWhenUnconfigured(t *testing.T) {
	nodes := testNodes()
	w := framework.NewWorld(nodes)
	w.SharedBroken["worker-1"] = true

	v := newTestValidator(w, nodes, "")
	report, err := v.Run(context.Background(), config.ValidationExtended)
	require.NoError(t, err)
	assert.True(t, report.OK(), report.Summary())
}

func TestFullHealthy(t *testing.T) {
	nodes := testNodes()
	w := framework.NewWorld(nodes)

	v := newTestValidator(w, nodes, "/mnt/shared")
	report, err := v.Run(context.Background(), config.ValidationFull)
	require.NoError(t, err)
	assert.True(t, report.OK(), report.Summary())
}

func TestFullFlagsBrokenClusterDNS(t *testing.T) {
	nodes := testNodes()
	w := framework.NewWorld(nodes)
	w.DNSBroken = true

	v := newTestValidator(w, nodes, "")
	report, err := v.Run(context.Background(), config.ValidationFull)
	require.NoError(t, err)
	require.False(t, report.OK())
	assert.Contains(t, checks(report), "cluster-dns")
	// Every node sees the breakage; the node network itself is fine.
	assert.NotContains(t, checks(report), "node-network")
}

func TestFullFlagsPartitionedNode(t *testing.T) {
	nodes := testNodes()
	w := framework.NewWorld(nodes)
	w.Partitioned["worker-1"] = true

	v := newTestValidator(w, nodes, "")
	report, err := v.Run(context.Background(), config.ValidationFull)
	require.NoError(t, err)
	require.False(t, report.OK())
	assert.Contains(t, checks(report), "node-network")

	// Both directions across the cut fail: worker-1 to its successor and
	// its predecessor to worker-1.
	var hit []string
	for _, i := range report.Issues {
		if i.Check == "node-network" {
			hit = append(hit, i.Node)
		}
	}
	assert.ElementsMatch(t, []string{"cp-2", "worker-1"}, hit)
}

func TestFullSkipsReachabilityForDownNodes(t *testing.T) {
	nodes := testNodes()
	w := framework.NewWorld(nodes)
	w.Sims["worker-1"].VMStatus = hypervisor.StatusStopped

	v := newTestValidator(w, nodes, "")
	report, err := v.Run(context.Background(), config.ValidationFull)
	require.NoError(t, err)
	// The down node is a readiness issue, not a reachability one.
	assert.Contains(t, checks(report), "node-ready")
	assert.NotContains(t, checks(report), "node-reachable")
}
