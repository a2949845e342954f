// Package hypervisor defines the VM-level capability interface the
// orchestrator consumes: power control, snapshot and backup lifecycle, and
// storage discovery. The proxmox sub-package implements it against the
// Proxmox VE API.
package hypervisor
