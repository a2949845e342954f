// Package history keeps a local bbolt-backed record of point-in-time
// operations and command runs, so an operator can see what was taken, when,
// and whether a run left degraded items behind. The cluster itself carries
// the authoritative artifacts; this store is an index, not a source of truth.
package history
