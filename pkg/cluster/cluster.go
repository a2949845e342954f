package cluster

import (
	"context"
	"errors"
	"time"

	"github.com/tacticz/pve-k3s-cluster-management/pkg/types"
)

// NodeInfo is the live view of one cluster node.
type NodeInfo struct {
	Name           string
	Ready          bool
	Cordoned       bool
	ControlPlane   bool
	KubeletVersion string
}

// DrainOptions bound a drain. DaemonSet and mirror pods are always skipped.
type DrainOptions struct {
	Timeout time.Duration
	// DeleteLocalData also evicts pods backed by emptyDir volumes. Without
	// it such pods block the drain, matching kubectl semantics.
	DeleteLocalData bool
	// Force deletes pods that refuse eviction instead of failing.
	Force bool
}

// API is the narrow cluster-management surface the orchestrator needs.
type API interface {
	Nodes(ctx context.Context) ([]NodeInfo, error)
	Node(ctx context.Context, name string) (NodeInfo, error)
	Cordon(ctx context.Context, name string) error
	Uncordon(ctx context.Context, name string) error
	IsCordoned(ctx context.Context, name string) (bool, error)
	Drain(ctx context.Context, name string, opts DrainOptions) error
	DeleteNode(ctx context.Context, name string) error
	// PodsNotReady returns namespace/name of pods outside Running/Succeeded.
	PodsNotReady(ctx context.Context) ([]string, error)
	// WorkloadsDegraded returns deployments with fewer available replicas
	// than desired, as namespace/name.
	WorkloadsDegraded(ctx context.Context) ([]string, error)
	// UsingEndpoint returns a client bound to the API server on the given
	// control-plane host, so mutations can be issued via a peer of the
	// node being operated on.
	UsingEndpoint(host string) (API, error)
}

// HasLiveControlPlanePeer reports whether at least one control-plane node in
// scope other than target is Ready. Both the snapshot and the backup paths
// gate control-plane work on this single check.
func HasLiveControlPlanePeer(ctx context.Context, api API, scope []*types.Node, target string) (bool, error) {
	var lastErr error
	for _, n := range scope {
		if !n.IsControlPlane() || n.Name == target {
			continue
		}
		info, err := api.Node(ctx, n.Name)
		if err != nil {
			lastErr = err
			continue
		}
		if info.Ready {
			return true, nil
		}
	}
	if lastErr != nil && !errors.Is(lastErr, types.ErrNotFound) {
		return false, lastErr
	}
	return false, nil
}

// PickPeer returns a reachable control-plane node in scope other than target,
// preferring Ready peers. The bool is false when no peer qualifies.
func PickPeer(ctx context.Context, api API, scope []*types.Node, target string) (*types.Node, bool) {
	var fallback *types.Node
	for _, n := range scope {
		if !n.IsControlPlane() || n.Name == target {
			continue
		}
		info, err := api.Node(ctx, n.Name)
		if err != nil {
			continue
		}
		if info.Ready {
			return n, true
		}
		if fallback == nil {
			fallback = n
		}
	}
	if fallback != nil {
		return fallback, true
	}
	return nil, false
}
