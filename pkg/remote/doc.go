// Package remote executes commands on cluster and hypervisor hosts over SSH.
// It is the leaf dependency of every mutating operation: service control,
// etcd snapshot handling and storage checks all go through Executor.
package remote
