// Package cluster adapts the Kubernetes API for node-lifecycle orchestration:
// node listing and readiness, cordon/uncordon by patching the unschedulable
// flag, eviction-based drains, and the quorum helper both point-in-time paths
// gate on. UsingEndpoint lets callers route mutations through a control-plane
// peer of the node under maintenance.
package cluster
