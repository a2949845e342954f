// Package types defines the shared data model for cluster point-in-time
// operations: nodes and their lifecycle states, point-in-time records and the
// VM artifacts they produce, the etcd snapshot that links them together, and
// the sentinel errors every coordinator classifies against.
package types
