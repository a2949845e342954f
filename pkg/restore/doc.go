/*
Package restore reverses a point-in-time operation.

A restore resolves its target among VM backups first, then VM snapshots,
correlates the artifacts through the etcd snapshot name embedded in their
notes, and replays the cluster state before any VM: the linked etcd snapshot
is restored on the node still holding it, then every VM is restored or
rolled back and restarted. Artifacts with no linked-snapshot marker are
ambiguous and need explicit operator confirmation.
*/
package restore
