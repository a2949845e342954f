// Package config loads the operator's YAML configuration: the node inventory
// with role/VM/host mapping, SSH identity, hypervisor endpoint, retention and
// timeout policy, and the force/dry-run/interactive switches. Decoding is
// strict; unknown keys are rejected.
package config
