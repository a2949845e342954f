// Package validate runs tiered cluster health checks. Basic covers the API
// view of the cluster, extended adds the state-store and shared storage, full
// adds connectivity and workload depth. Each tier includes everything below
// it.
package validate

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tacticz/pve-k3s-cluster-management/pkg/cluster"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/config"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/hypervisor"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/log"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/remote"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/statestore"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/types"
)

// Issue is one failed check.
type Issue struct {
	Check  string
	Node   string // empty for cluster-wide checks
	Detail string
}

func (i Issue) String() string {
	if i.Node == "" {
		return fmt.Sprintf("%s: %s", i.Check, i.Detail)
	}
	return fmt.Sprintf("%s [%s]: %s", i.Check, i.Node, i.Detail)
}

// Report is the outcome of one validation pass.
type Report struct {
	Level  config.ValidationLevel
	Issues []Issue
}

// OK reports whether every check passed.
func (r *Report) OK() bool {
	return len(r.Issues) == 0
}

func (r *Report) add(check, node, format string, args ...interface{}) {
	r.Issues = append(r.Issues, Issue{Check: check, Node: node, Detail: fmt.Sprintf(format, args...)})
}

// Summary is a one-line human rendering of the report.
func (r *Report) Summary() string {
	if r.OK() {
		return fmt.Sprintf("validation %s: ok", r.Level)
	}
	parts := make([]string, 0, len(r.Issues))
	for _, i := range r.Issues {
		parts = append(parts, i.String())
	}
	return fmt.Sprintf("validation %s: %d issue(s): %s", r.Level, len(r.Issues), strings.Join(parts, "; "))
}

// Validator checks cluster health at a configurable depth.
type Validator struct {
	kube   cluster.API
	hv     hypervisor.API
	store  statestore.API
	exec   remote.Executor
	topo   *types.Topology
	shared string // shared storage mountpoint, empty disables the check
	logger zerolog.Logger
}

// New wires a validator over its collaborators. sharedStoragePath may be
// empty when the cluster has no shared mount to verify.
func New(kube cluster.API, hv hypervisor.API, store statestore.API, exec remote.Executor, topo *types.Topology, sharedStoragePath string) *Validator {
	return &Validator{
		kube:   kube,
		hv:     hv,
		store:  store,
		exec:   exec,
		topo:   topo,
		shared: sharedStoragePath,
		logger: log.WithComponent("validate"),
	}
}

// Run executes every check of the given level and the levels below it. It
// returns an error only when validation itself could not run; failed checks
// land in the report.
func (v *Validator) Run(ctx context.Context, level config.ValidationLevel) (*Report, error) {
	report := &Report{Level: level}

	nodes, err := v.basic(ctx, report)
	if err != nil {
		return nil, err
	}

	if level == config.ValidationExtended || level == config.ValidationFull {
		v.extended(ctx, report)
	}
	if level == config.ValidationFull {
		v.full(ctx, report, nodes)
	}

	if report.OK() {
		v.logger.Info().Str("level", string(level)).Msg("validation passed")
	} else {
		v.logger.Warn().Str("level", string(level)).Int("issues", len(report.Issues)).Msg("validation failed")
	}
	return report, nil
}

// basic checks node readiness, schedulability, version consistency and pod
// health through the cluster API.
func (v *Validator) basic(ctx context.Context, report *Report) (map[string]cluster.NodeInfo, error) {
	infos, err := v.kube.Nodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	byName := make(map[string]cluster.NodeInfo, len(infos))
	versions := make(map[string][]string)
	for _, info := range infos {
		byName[info.Name] = info
		versions[info.KubeletVersion] = append(versions[info.KubeletVersion], info.Name)
	}

	for _, n := range v.topo.Nodes {
		info, ok := byName[n.Name]
		if !ok {
			report.add("node-registered", n.Name, "not joined to the cluster")
			continue
		}
		if !info.Ready {
			report.add("node-ready", n.Name, "NotReady")
		}
		if info.Cordoned {
			report.add("node-schedulable", n.Name, "cordoned")
		}
	}

	if len(versions) > 1 {
		parts := make([]string, 0, len(versions))
		for ver, names := range versions {
			parts = append(parts, fmt.Sprintf("%s on %s", ver, strings.Join(names, ",")))
		}
		report.add("version-consistency", "", "mixed kubelet versions: %s", strings.Join(parts, "; "))
	}

	notReady, err := v.kube.PodsNotReady(ctx)
	if err != nil {
		report.add("pods-ready", "", "listing pods failed: %v", err)
	} else if len(notReady) > 0 {
		report.add("pods-ready", "", "%d pod(s) not running: %s", len(notReady), strings.Join(notReady, ", "))
	}

	return byName, nil
}

// extended adds the etcd snapshot machinery and the shared storage mount.
func (v *Validator) extended(ctx context.Context, report *Report) {
	cps := v.topo.ControlPlanes()
	listed := false
	for _, cp := range cps {
		if _, err := v.store.List(ctx, cp.Address); err == nil {
			listed = true
			break
		}
	}
	if !listed && len(cps) > 0 {
		report.add("etcd-snapshots", "", "snapshot directory not listable on any control-plane node")
	}

	if v.shared == "" {
		return
	}
	for _, n := range v.topo.Nodes {
		cmd := fmt.Sprintf("findmnt -rn %q", v.shared)
		if _, err := v.exec.Exec(ctx, n.Address, cmd, remote.ModeSilent); err != nil {
			report.add("shared-storage", n.Name, "%s not mounted", v.shared)
			continue
		}
		probe := fmt.Sprintf("f=%q/.pvek3s-probe-$$ && touch \"$f\" && rm -f \"$f\"", v.shared)
		if _, err := v.exec.Exec(ctx, n.Address, probe, remote.ModeSilent); err != nil {
			report.add("shared-storage", n.Name, "%s mounted but not writable", v.shared)
		}
	}
}

// clusterDNSAddr is the k3s default service address of the cluster DNS.
const clusterDNSAddr = "10.43.0.10"

// full adds node reachability, the inter-node pod network, cluster DNS,
// workload replica health and hypervisor host reachability.
func (v *Validator) full(ctx context.Context, report *Report, infos map[string]cluster.NodeInfo) {
	for _, n := range v.topo.Nodes {
		// Only probe nodes the cluster believes are up; a powered-off node
		// is a readiness issue already reported by the basic tier.
		if info, ok := infos[n.Name]; ok && !info.Ready {
			continue
		}
		if _, err := v.exec.Exec(ctx, n.Address, "true", remote.ModeSilent); err != nil {
			report.add("node-reachable", n.Name, "ssh probe failed: %v", err)
		}
	}

	v.checkNodeNetwork(ctx, report, infos)
	v.checkClusterDNS(ctx, report, infos)

	degraded, err := v.kube.WorkloadsDegraded(ctx)
	if err != nil {
		report.add("workloads", "", "listing workloads failed: %v", err)
	} else if len(degraded) > 0 {
		report.add("workloads", "", "%d workload(s) below desired replicas: %s",
			len(degraded), strings.Join(degraded, ", "))
	}

	for _, host := range v.topo.HVHosts() {
		if err := v.hv.Reachable(ctx, host); err != nil {
			report.add("hypervisor-reachable", host, "%v", err)
		}
	}
}

// checkNodeNetwork probes the network between nodes: each ready node pings
// its successor in the inventory ring, so a partitioned node fails both as
// source and as target without probing every pair.
func (v *Validator) checkNodeNetwork(ctx context.Context, report *Report, infos map[string]cluster.NodeInfo) {
	var up []*types.Node
	for _, n := range v.topo.Nodes {
		if info, ok := infos[n.Name]; ok && info.Ready {
			up = append(up, n)
		}
	}
	if len(up) < 2 {
		return
	}
	for i, n := range up {
		peer := up[(i+1)%len(up)]
		cmd := fmt.Sprintf("ping -c1 -W2 %s", peer.Address)
		if _, err := v.exec.Exec(ctx, n.Address, cmd, remote.ModeSilent); err != nil {
			report.add("node-network", n.Name, "cannot reach %s (%s): %v", peer.Name, peer.Address, err)
		}
	}
}

// checkClusterDNS resolves an in-cluster service name against the cluster DNS
// from every ready node. A node that cannot resolve it has no working path to
// the DNS pods, so pod-to-pod traffic from that node is suspect.
func (v *Validator) checkClusterDNS(ctx context.Context, report *Report, infos map[string]cluster.NodeInfo) {
	cmd := fmt.Sprintf("nslookup -timeout=2 kubernetes.default.svc.cluster.local %s", clusterDNSAddr)
	for _, n := range v.topo.Nodes {
		if info, ok := infos[n.Name]; !ok || !info.Ready {
			continue
		}
		if _, err := v.exec.Exec(ctx, n.Address, cmd, remote.ModeSilent); err != nil {
			report.add("cluster-dns", n.Name, "service resolution via %s failed: %v", clusterDNSAddr, err)
		}
	}
}
