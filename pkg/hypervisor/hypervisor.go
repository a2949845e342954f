package hypervisor

import (
	"context"
	"time"
)

// VMStatus is the hypervisor-side power state of a VM.
type VMStatus string

const (
	StatusRunning VMStatus = "running"
	StatusStopped VMStatus = "stopped"
)

// Snapshot is one copy-on-write checkpoint of a VM.
type Snapshot struct {
	Name        string
	Description string
	CreatedAt   time.Time
}

// Backup is one standalone archive of a VM on a backup storage.
type Backup struct {
	VolID     string
	Storage   string
	VMID      int
	Notes     string
	CreatedAt time.Time
}

// Storage is a hypervisor storage target with its content types.
type Storage struct {
	Name    string
	Content []string
	Active  bool
}

// SupportsBackups reports whether the storage accepts vzdump archives.
func (s Storage) SupportsBackups() bool {
	for _, c := range s.Content {
		if c == "backup" {
			return true
		}
	}
	return false
}

// BackupOptions tune a vzdump run.
type BackupOptions struct {
	Storage  string
	Compress string        // zstd by default
	Mode     string        // stop, suspend or snapshot
	Notes    string        // embedded artifact metadata
	Timeout  time.Duration // bound on the whole vendor operation
}

// API is the narrow hypervisor surface the orchestrator needs. Hosts are
// hypervisor node names; VMs are addressed by (host, vmid).
type API interface {
	Status(ctx context.Context, host string, vmid int) (VMStatus, error)
	Start(ctx context.Context, host string, vmid int) error
	// Shutdown asks the guest to power off gracefully and waits up to
	// timeout for the task to finish.
	Shutdown(ctx context.Context, host string, vmid int, timeout time.Duration) error
	// Stop hard-stops the VM.
	Stop(ctx context.Context, host string, vmid int) error

	CreateSnapshot(ctx context.Context, host string, vmid int, name, description string) error
	ListSnapshots(ctx context.Context, host string, vmid int) ([]Snapshot, error)
	DeleteSnapshot(ctx context.Context, host string, vmid int, name string) error
	RollbackSnapshot(ctx context.Context, host string, vmid int, name string) error

	CreateBackup(ctx context.Context, host string, vmid int, opts BackupOptions) (Backup, error)
	ListBackups(ctx context.Context, host, storage string, vmid int) ([]Backup, error)
	DeleteBackup(ctx context.Context, host, storage, volid string) error
	// RestoreBackup recreates the VM from the archive, overwriting the
	// existing VM with the same id.
	RestoreBackup(ctx context.Context, host string, vmid int, volid string) error

	Storages(ctx context.Context, host string) ([]Storage, error)
	Reachable(ctx context.Context, host string) error
}
