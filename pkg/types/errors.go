package types

import "errors"

// Sentinel errors classifying every failure a coordinator can hit. Callers
// match with errors.Is; wrapping sites add the node/command context.
var (
	// ErrConnectivity marks a remote host unreachable or a timed-out dial.
	ErrConnectivity = errors.New("host unreachable")

	// ErrPrecondition marks a blocked operation: validation failed, an
	// artifact was not found, or an input was rejected.
	ErrPrecondition = errors.New("precondition failed")

	// ErrQuorum marks an operation that would leave the control plane
	// without a live peer.
	ErrQuorum = errors.New("quorum would be violated")

	// ErrCommandFailed marks a remote command that returned non-zero.
	ErrCommandFailed = errors.New("command failed")

	// ErrVerifyFailed marks a command that reported success while the
	// post-condition check disagreed (e.g. still cordoned).
	ErrVerifyFailed = errors.New("verification failed")

	// ErrNoLinkedSnapshot marks a restore artifact whose notes carry no
	// etcd snapshot marker.
	ErrNoLinkedSnapshot = errors.New("artifact has no linked etcd snapshot")

	// ErrNotFound marks a missing node, record or artifact.
	ErrNotFound = errors.New("not found")
)
