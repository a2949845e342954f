/*
Package pointintime creates cluster-wide snapshots and backups.

One operation produces an etcd snapshot plus one VM artifact per node, all
sharing a single label. The etcd snapshot always comes first, the worker
batch completes before any control-plane node is touched, and control-plane
nodes go down strictly one at a time behind a quorum check. Each VM artifact
carries the linked etcd snapshot name embedded in its notes; restore resolves
the pair through that marker.
*/
package pointintime
