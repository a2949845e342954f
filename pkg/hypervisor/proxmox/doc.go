// Package proxmox implements hypervisor.API on the Proxmox VE HTTP API.
// Power transitions use the typed go-proxmox VM operations; snapshot, vzdump
// and storage-content endpoints go through the client's raw REST helpers with
// task UPIDs polled to completion.
package proxmox
