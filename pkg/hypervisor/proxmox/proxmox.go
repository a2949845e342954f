package proxmox

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	proxmoxapi "github.com/luthermonson/go-proxmox"

	"github.com/tacticz/pve-k3s-cluster-management/pkg/config"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/hypervisor"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/log"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/types"
)

const taskPollInterval = 2 * time.Second

// Client implements hypervisor.API against the Proxmox VE HTTP API.
type Client struct {
	api *proxmoxapi.Client
}

// NewClient builds a Proxmox client from config. The API token secret is read
// from the environment variable named in cfg.TokenEnv.
func NewClient(cfg config.ProxmoxConfig) (*Client, error) {
	secret := os.Getenv(cfg.TokenEnv)
	if secret == "" {
		return nil, fmt.Errorf("proxmox token secret: environment variable %s is empty", cfg.TokenEnv)
	}

	httpClient := &http.Client{}
	if cfg.SkipTLSVerify {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	api := proxmoxapi.NewClient(
		cfg.Endpoint,
		proxmoxapi.WithHTTPClient(httpClient),
		proxmoxapi.WithAPIToken(cfg.TokenID, secret),
	)
	return &Client{api: api}, nil
}

func (c *Client) vm(ctx context.Context, host string, vmid int) (*proxmoxapi.VirtualMachine, error) {
	node, err := c.api.Node(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("proxmox node %s: %w: %v", host, types.ErrConnectivity, err)
	}
	vm, err := node.VirtualMachine(ctx, vmid)
	if err != nil {
		return nil, fmt.Errorf("vm %d on %s: %w: %v", vmid, host, types.ErrNotFound, err)
	}
	return vm, nil
}

// taskStatus mirrors /nodes/{node}/tasks/{upid}/status.
type taskStatus struct {
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus"`
}

// waitTask polls a task UPID until it leaves the running state or the bound
// expires.
func (c *Client) waitTask(ctx context.Context, host, upid string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", host, url.PathEscape(upid))
	for {
		var st taskStatus
		if err := c.api.Get(ctx, path, &st); err != nil {
			return fmt.Errorf("task %s status: %w: %v", upid, types.ErrConnectivity, err)
		}
		if st.Status != "running" {
			if st.ExitStatus != "OK" {
				return fmt.Errorf("task %s on %s exited %q: %w", upid, host, st.ExitStatus, types.ErrCommandFailed)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("task %s on %s timed out: %w: %v", upid, host, types.ErrConnectivity, ctx.Err())
		case <-time.After(taskPollInterval):
		}
	}
}

func (c *Client) Status(ctx context.Context, host string, vmid int) (hypervisor.VMStatus, error) {
	vm, err := c.vm(ctx, host, vmid)
	if err != nil {
		return "", err
	}
	if vm.Status == "running" {
		return hypervisor.StatusRunning, nil
	}
	return hypervisor.StatusStopped, nil
}

func (c *Client) Start(ctx context.Context, host string, vmid int) error {
	vm, err := c.vm(ctx, host, vmid)
	if err != nil {
		return err
	}
	task, err := vm.Start(ctx)
	if err != nil {
		return fmt.Errorf("start vm %d: %w", vmid, err)
	}
	if err := task.WaitFor(ctx, 300); err != nil {
		return fmt.Errorf("start vm %d: %w", vmid, err)
	}
	return nil
}

func (c *Client) Shutdown(ctx context.Context, host string, vmid int, timeout time.Duration) error {
	vm, err := c.vm(ctx, host, vmid)
	if err != nil {
		return err
	}
	task, err := vm.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("shutdown vm %d: %w", vmid, err)
	}
	secs := int(timeout.Seconds())
	if secs <= 0 {
		secs = 180
	}
	if err := task.WaitFor(ctx, secs); err != nil {
		return fmt.Errorf("shutdown vm %d: %w", vmid, err)
	}
	return nil
}

func (c *Client) Stop(ctx context.Context, host string, vmid int) error {
	vm, err := c.vm(ctx, host, vmid)
	if err != nil {
		return err
	}
	task, err := vm.Stop(ctx)
	if err != nil {
		return fmt.Errorf("stop vm %d: %w", vmid, err)
	}
	if err := task.WaitFor(ctx, 120); err != nil {
		return fmt.Errorf("stop vm %d: %w", vmid, err)
	}
	return nil
}

// snapshotEntry mirrors /nodes/{node}/qemu/{vmid}/snapshot list items.
type snapshotEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Snaptime    int64  `json:"snaptime"`
}

func (c *Client) CreateSnapshot(ctx context.Context, host string, vmid int, name, description string) error {
	var upid string
	path := fmt.Sprintf("/nodes/%s/qemu/%d/snapshot", host, vmid)
	data := map[string]interface{}{
		"snapname":    name,
		"description": description,
	}
	if err := c.api.Post(ctx, path, data, &upid); err != nil {
		return fmt.Errorf("create snapshot %s of vm %d: %w", name, vmid, err)
	}
	return c.waitTask(ctx, host, upid, 10*time.Minute)
}

func (c *Client) ListSnapshots(ctx context.Context, host string, vmid int) ([]hypervisor.Snapshot, error) {
	var entries []snapshotEntry
	path := fmt.Sprintf("/nodes/%s/qemu/%d/snapshot", host, vmid)
	if err := c.api.Get(ctx, path, &entries); err != nil {
		return nil, fmt.Errorf("list snapshots of vm %d: %w", vmid, err)
	}
	out := make([]hypervisor.Snapshot, 0, len(entries))
	for _, e := range entries {
		if e.Name == "current" {
			// Pseudo-entry for the live state.
			continue
		}
		out = append(out, hypervisor.Snapshot{
			Name:        e.Name,
			Description: e.Description,
			CreatedAt:   time.Unix(e.Snaptime, 0),
		})
	}
	return out, nil
}

func (c *Client) DeleteSnapshot(ctx context.Context, host string, vmid int, name string) error {
	var upid string
	path := fmt.Sprintf("/nodes/%s/qemu/%d/snapshot/%s", host, vmid, url.PathEscape(name))
	if err := c.api.Delete(ctx, path, &upid); err != nil {
		return fmt.Errorf("delete snapshot %s of vm %d: %w", name, vmid, err)
	}
	return c.waitTask(ctx, host, upid, 10*time.Minute)
}

func (c *Client) RollbackSnapshot(ctx context.Context, host string, vmid int, name string) error {
	var upid string
	path := fmt.Sprintf("/nodes/%s/qemu/%d/snapshot/%s/rollback", host, vmid, url.PathEscape(name))
	if err := c.api.Post(ctx, path, nil, &upid); err != nil {
		return fmt.Errorf("rollback vm %d to snapshot %s: %w", vmid, name, err)
	}
	return c.waitTask(ctx, host, upid, 30*time.Minute)
}

// backupEntry mirrors /nodes/{node}/storage/{storage}/content items.
type backupEntry struct {
	VolID string `json:"volid"`
	Notes string `json:"notes"`
	VMID  int    `json:"vmid"`
	CTime int64  `json:"ctime"`
}

func (c *Client) CreateBackup(ctx context.Context, host string, vmid int, opts hypervisor.BackupOptions) (hypervisor.Backup, error) {
	logger := log.WithComponent("proxmox")
	if opts.Compress == "" {
		opts.Compress = "zstd"
	}
	if opts.Mode == "" {
		opts.Mode = "stop"
	}

	var upid string
	data := map[string]interface{}{
		"vmid":     fmt.Sprintf("%d", vmid),
		"storage":  opts.Storage,
		"compress": opts.Compress,
		"mode":     opts.Mode,
	}
	if opts.Notes != "" {
		data["notes-template"] = opts.Notes
	}
	if err := c.api.Post(ctx, fmt.Sprintf("/nodes/%s/vzdump", host), data, &upid); err != nil {
		return hypervisor.Backup{}, fmt.Errorf("vzdump vm %d: %w", vmid, err)
	}

	logger.Info().Int("vmid", vmid).Str("storage", opts.Storage).Str("mode", opts.Mode).
		Msg("backup running")
	if err := c.waitTask(ctx, host, upid, opts.Timeout); err != nil {
		return hypervisor.Backup{}, err
	}

	// The vzdump task does not report the produced volid; resolve it as the
	// newest archive for this VM on the target storage.
	backups, err := c.ListBackups(ctx, host, opts.Storage, vmid)
	if err != nil {
		return hypervisor.Backup{}, err
	}
	if len(backups) == 0 {
		return hypervisor.Backup{}, fmt.Errorf("vzdump vm %d reported success but no archive found on %s: %w",
			vmid, opts.Storage, types.ErrVerifyFailed)
	}
	newest := backups[0]
	for _, b := range backups[1:] {
		if b.CreatedAt.After(newest.CreatedAt) {
			newest = b
		}
	}
	return newest, nil
}

func (c *Client) ListBackups(ctx context.Context, host, storage string, vmid int) ([]hypervisor.Backup, error) {
	var entries []backupEntry
	path := fmt.Sprintf("/nodes/%s/storage/%s/content?content=backup", host, storage)
	if vmid > 0 {
		path += fmt.Sprintf("&vmid=%d", vmid)
	}
	if err := c.api.Get(ctx, path, &entries); err != nil {
		return nil, fmt.Errorf("list backups on %s/%s: %w", host, storage, err)
	}
	out := make([]hypervisor.Backup, 0, len(entries))
	for _, e := range entries {
		out = append(out, hypervisor.Backup{
			VolID:     e.VolID,
			Storage:   storage,
			VMID:      e.VMID,
			Notes:     e.Notes,
			CreatedAt: time.Unix(e.CTime, 0),
		})
	}
	return out, nil
}

func (c *Client) DeleteBackup(ctx context.Context, host, storage, volid string) error {
	var upid string
	path := fmt.Sprintf("/nodes/%s/storage/%s/content/%s", host, storage, url.PathEscape(volid))
	if err := c.api.Delete(ctx, path, &upid); err != nil {
		return fmt.Errorf("delete backup %s: %w", volid, err)
	}
	if upid == "" {
		return nil
	}
	return c.waitTask(ctx, host, upid, 10*time.Minute)
}

func (c *Client) RestoreBackup(ctx context.Context, host string, vmid int, volid string) error {
	var upid string
	data := map[string]interface{}{
		"vmid":    fmt.Sprintf("%d", vmid),
		"archive": volid,
		"force":   "1",
	}
	if err := c.api.Post(ctx, fmt.Sprintf("/nodes/%s/qemu", host), data, &upid); err != nil {
		return fmt.Errorf("restore vm %d from %s: %w", vmid, volid, err)
	}
	return c.waitTask(ctx, host, upid, 60*time.Minute)
}

// storageEntry mirrors /nodes/{node}/storage items.
type storageEntry struct {
	Storage string `json:"storage"`
	Content string `json:"content"`
	Active  int    `json:"active"`
}

func (c *Client) Storages(ctx context.Context, host string) ([]hypervisor.Storage, error) {
	var entries []storageEntry
	if err := c.api.Get(ctx, fmt.Sprintf("/nodes/%s/storage", host), &entries); err != nil {
		return nil, fmt.Errorf("list storages on %s: %w", host, err)
	}
	out := make([]hypervisor.Storage, 0, len(entries))
	for _, e := range entries {
		out = append(out, hypervisor.Storage{
			Name:    e.Storage,
			Content: strings.Split(e.Content, ","),
			Active:  e.Active == 1,
		})
	}
	return out, nil
}

func (c *Client) Reachable(ctx context.Context, host string) error {
	if _, err := c.api.Node(ctx, host); err != nil {
		return fmt.Errorf("hypervisor host %s: %w: %v", host, types.ErrConnectivity, err)
	}
	return nil
}
