// Package statestore manages point-in-time dumps of the cluster's consensus
// store through the k3s etcd-snapshot tooling on control-plane hosts.
package statestore
