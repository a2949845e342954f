// Package framework provides an in-memory simulation of the cluster, the
// hypervisor fleet and the remote hosts, implementing every collaborator
// interface the coordinators consume. Tests drive real orchestration code
// against it and assert on resulting state and call order.
package framework

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tacticz/pve-k3s-cluster-management/pkg/cluster"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/hypervisor"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/remote"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/types"
)

// NodeSim is the simulated state of one node and its backing VM.
type NodeSim struct {
	Node           *types.Node
	Cordoned       bool
	ServiceActive  bool
	VMStatus       hypervisor.VMStatus
	KubeletVersion string
	Snapshots      []hypervisor.Snapshot
	Backups        []hypervisor.Backup
	EvictablePods  int
}

// Ready mirrors the node Ready condition: the VM runs and the agent is up.
func (n *NodeSim) Ready() bool {
	return n.VMStatus == hypervisor.StatusRunning && n.ServiceActive
}

// World simulates the whole fleet. All collaborator fakes share it.
type World struct {
	mu sync.Mutex

	Sims          map[string]*NodeSim // keyed by node name
	EtcdSnapshots []types.EtcdSnapshot
	SnapshotDir   string
	BackupStorage string

	// Calls records every state-changing operation in order, entries like
	// "etcd.save cp-1" or "hv.snapshot 201".
	Calls []string

	// Failure injection.
	DrainErr      map[string]error // per node name
	UncordonStuck map[string]bool  // uncordon succeeds but flag never clears
	StartErr      map[string]error // per node name
	RestoreErr    map[string]error // per node name
	EtcdSaveErr   error
	BackupErr     map[string]error // per node name
	StopStuck     map[string]bool  // systemctl stop succeeds but unit stays active
	SharedBroken  map[string]bool  // shared storage unmounted on these nodes
	ProbeCut      map[string]bool  // "systemctl is-active" fails as if the link dropped
	Partitioned   map[string]bool  // node cut off from the pod network
	DNSBroken     bool             // cluster DNS resolution fails on every node
	backupSeq     int
}

// NewWorld builds a healthy world from the inventory.
func NewWorld(nodes []*types.Node) *World {
	w := &World{
		Sims:          make(map[string]*NodeSim, len(nodes)),
		SnapshotDir:   "/var/lib/rancher/k3s/server/db/snapshots",
		BackupStorage: "backup-nfs",
		DrainErr:      make(map[string]error),
		UncordonStuck: make(map[string]bool),
		StartErr:      make(map[string]error),
		RestoreErr:    make(map[string]error),
		BackupErr:     make(map[string]error),
		StopStuck:     make(map[string]bool),
		SharedBroken:  make(map[string]bool),
		ProbeCut:      make(map[string]bool),
		Partitioned:   make(map[string]bool),
	}
	for _, n := range nodes {
		w.Sims[n.Name] = &NodeSim{
			Node:           n,
			ServiceActive:  true,
			VMStatus:       hypervisor.StatusRunning,
			KubeletVersion: "v1.30.4+k3s1",
			EvictablePods:  2,
		}
	}
	return w
}

func (w *World) record(format string, args ...interface{}) {
	w.Calls = append(w.Calls, fmt.Sprintf(format, args...))
}

// CallsMatching returns the recorded calls with the given prefix, in order.
func (w *World) CallsMatching(prefix string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, c := range w.Calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// CallIndex returns the position of the first call with prefix, or -1.
func (w *World) CallIndex(prefix string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, c := range w.Calls {
		if strings.HasPrefix(c, prefix) {
			return i
		}
	}
	return -1
}

func (w *World) simByName(name string) (*NodeSim, error) {
	sim, ok := w.Sims[name]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", name, types.ErrNotFound)
	}
	return sim, nil
}

func (w *World) simByAddress(addr string) (*NodeSim, error) {
	for _, sim := range w.Sims {
		if sim.Node.Address == addr || sim.Node.Name == addr {
			return sim, nil
		}
	}
	return nil, fmt.Errorf("host %s: %w", addr, types.ErrConnectivity)
}

func (w *World) simByVMID(vmid int) (*NodeSim, error) {
	for _, sim := range w.Sims {
		if sim.Node.VMID == vmid {
			return sim, nil
		}
	}
	return nil, fmt.Errorf("vm %d: %w", vmid, types.ErrNotFound)
}

// Cluster returns the cluster.API view of the world.
func (w *World) Cluster() cluster.API { return &fakeCluster{w: w} }

// Hypervisor returns the hypervisor.API view of the world.
func (w *World) Hypervisor() hypervisor.API { return &fakeHypervisor{w: w} }

// Executor returns the remote.Executor view of the world.
func (w *World) Executor() remote.Executor { return &fakeExecutor{w: w} }

// StateStore returns the statestore.API view of the world.
func (w *World) StateStore() *FakeStateStore { return &FakeStateStore{w: w} }

// ---- cluster.API ----

type fakeCluster struct {
	w *World
}

func (c *fakeCluster) Nodes(ctx context.Context) ([]cluster.NodeInfo, error) {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	var out []cluster.NodeInfo
	for _, sim := range c.w.Sims {
		out = append(out, c.info(sim))
	}
	return out, nil
}

func (c *fakeCluster) info(sim *NodeSim) cluster.NodeInfo {
	return cluster.NodeInfo{
		Name:           sim.Node.Name,
		Ready:          sim.Ready(),
		Cordoned:       sim.Cordoned,
		ControlPlane:   sim.Node.IsControlPlane(),
		KubeletVersion: sim.KubeletVersion,
	}
}

func (c *fakeCluster) Node(ctx context.Context, name string) (cluster.NodeInfo, error) {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	sim, err := c.w.simByName(name)
	if err != nil {
		return cluster.NodeInfo{}, err
	}
	return c.info(sim), nil
}

func (c *fakeCluster) Cordon(ctx context.Context, name string) error {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	sim, err := c.w.simByName(name)
	if err != nil {
		return err
	}
	sim.Cordoned = true
	c.w.record("kube.cordon %s", name)
	return nil
}

func (c *fakeCluster) Uncordon(ctx context.Context, name string) error {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	sim, err := c.w.simByName(name)
	if err != nil {
		return err
	}
	c.w.record("kube.uncordon %s", name)
	if c.w.UncordonStuck[name] {
		// Command reports success, flag never clears.
		return nil
	}
	sim.Cordoned = false
	return nil
}

func (c *fakeCluster) IsCordoned(ctx context.Context, name string) (bool, error) {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	sim, err := c.w.simByName(name)
	if err != nil {
		return false, err
	}
	return sim.Cordoned, nil
}

func (c *fakeCluster) Drain(ctx context.Context, name string, opts cluster.DrainOptions) error {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	sim, err := c.w.simByName(name)
	if err != nil {
		return err
	}
	c.w.record("kube.drain %s", name)
	// A forced drain clears what blocked the normal one.
	if err := c.w.DrainErr[name]; err != nil && !opts.Force {
		return err
	}
	sim.EvictablePods = 0
	return nil
}

func (c *fakeCluster) DeleteNode(ctx context.Context, name string) error {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	c.w.record("kube.delete-node %s", name)
	// The unschedulable flag lives on the deleted object; a rejoining node
	// starts schedulable.
	if sim, err := c.w.simByName(name); err == nil {
		sim.Cordoned = false
	}
	return nil
}

func (c *fakeCluster) PodsNotReady(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (c *fakeCluster) WorkloadsDegraded(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (c *fakeCluster) UsingEndpoint(host string) (cluster.API, error) {
	return c, nil
}

// ---- hypervisor.API ----

type fakeHypervisor struct {
	w *World
}

func (h *fakeHypervisor) Status(ctx context.Context, host string, vmid int) (hypervisor.VMStatus, error) {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	sim, err := h.w.simByVMID(vmid)
	if err != nil {
		return "", err
	}
	return sim.VMStatus, nil
}

func (h *fakeHypervisor) Start(ctx context.Context, host string, vmid int) error {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	sim, err := h.w.simByVMID(vmid)
	if err != nil {
		return err
	}
	h.w.record("hv.start %d", vmid)
	if err := h.w.StartErr[sim.Node.Name]; err != nil {
		return err
	}
	sim.VMStatus = hypervisor.StatusRunning
	sim.ServiceActive = true
	return nil
}

func (h *fakeHypervisor) Shutdown(ctx context.Context, host string, vmid int, timeout time.Duration) error {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	sim, err := h.w.simByVMID(vmid)
	if err != nil {
		return err
	}
	h.w.record("hv.shutdown %d", vmid)
	sim.VMStatus = hypervisor.StatusStopped
	sim.ServiceActive = false
	return nil
}

func (h *fakeHypervisor) Stop(ctx context.Context, host string, vmid int) error {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	sim, err := h.w.simByVMID(vmid)
	if err != nil {
		return err
	}
	h.w.record("hv.stop %d", vmid)
	sim.VMStatus = hypervisor.StatusStopped
	sim.ServiceActive = false
	return nil
}

func (h *fakeHypervisor) CreateSnapshot(ctx context.Context, host string, vmid int, name, description string) error {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	sim, err := h.w.simByVMID(vmid)
	if err != nil {
		return err
	}
	h.w.record("hv.snapshot %d %s", vmid, name)
	sim.Snapshots = append(sim.Snapshots, hypervisor.Snapshot{
		Name:        name,
		Description: description,
		CreatedAt:   time.Now(),
	})
	return nil
}

func (h *fakeHypervisor) ListSnapshots(ctx context.Context, host string, vmid int) ([]hypervisor.Snapshot, error) {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	sim, err := h.w.simByVMID(vmid)
	if err != nil {
		return nil, err
	}
	return append([]hypervisor.Snapshot(nil), sim.Snapshots...), nil
}

func (h *fakeHypervisor) DeleteSnapshot(ctx context.Context, host string, vmid int, name string) error {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	sim, err := h.w.simByVMID(vmid)
	if err != nil {
		return err
	}
	h.w.record("hv.delete-snapshot %d %s", vmid, name)
	out := sim.Snapshots[:0]
	for _, s := range sim.Snapshots {
		if s.Name != name {
			out = append(out, s)
		}
	}
	sim.Snapshots = out
	return nil
}

func (h *fakeHypervisor) RollbackSnapshot(ctx context.Context, host string, vmid int, name string) error {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	sim, err := h.w.simByVMID(vmid)
	if err != nil {
		return err
	}
	h.w.record("hv.rollback %d %s", vmid, name)
	if err := h.w.RestoreErr[sim.Node.Name]; err != nil {
		return err
	}
	for _, s := range sim.Snapshots {
		if s.Name == name {
			sim.VMStatus = hypervisor.StatusStopped
			sim.ServiceActive = false
			return nil
		}
	}
	return fmt.Errorf("snapshot %s on vm %d: %w", name, vmid, types.ErrNotFound)
}

func (h *fakeHypervisor) CreateBackup(ctx context.Context, host string, vmid int, opts hypervisor.BackupOptions) (hypervisor.Backup, error) {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	sim, err := h.w.simByVMID(vmid)
	if err != nil {
		return hypervisor.Backup{}, err
	}
	h.w.record("hv.backup %d", vmid)
	if err := h.w.BackupErr[sim.Node.Name]; err != nil {
		return hypervisor.Backup{}, err
	}
	// vzdump in stop mode cycles a running VM; the agent comes back with it.
	// A stopped VM is archived in place.
	if sim.VMStatus == hypervisor.StatusRunning {
		sim.ServiceActive = true
	}
	h.w.backupSeq++
	b := hypervisor.Backup{
		VolID:     fmt.Sprintf("%s:backup/vzdump-qemu-%d-%04d.vma.zst", opts.Storage, vmid, h.w.backupSeq),
		Storage:   opts.Storage,
		VMID:      vmid,
		Notes:     opts.Notes,
		CreatedAt: time.Now().Add(time.Duration(h.w.backupSeq) * time.Millisecond),
	}
	sim.Backups = append(sim.Backups, b)
	return b, nil
}

func (h *fakeHypervisor) ListBackups(ctx context.Context, host, storage string, vmid int) ([]hypervisor.Backup, error) {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	var out []hypervisor.Backup
	for _, sim := range h.w.Sims {
		if vmid > 0 && sim.Node.VMID != vmid {
			continue
		}
		out = append(out, sim.Backups...)
	}
	return out, nil
}

func (h *fakeHypervisor) DeleteBackup(ctx context.Context, host, storage, volid string) error {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	h.w.record("hv.delete-backup %s", volid)
	for _, sim := range h.w.Sims {
		out := sim.Backups[:0]
		for _, b := range sim.Backups {
			if b.VolID != volid {
				out = append(out, b)
			}
		}
		sim.Backups = out
	}
	return nil
}

func (h *fakeHypervisor) RestoreBackup(ctx context.Context, host string, vmid int, volid string) error {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	sim, err := h.w.simByVMID(vmid)
	if err != nil {
		return err
	}
	h.w.record("hv.restore %d %s", vmid, volid)
	if err := h.w.RestoreErr[sim.Node.Name]; err != nil {
		return err
	}
	sim.VMStatus = hypervisor.StatusStopped
	sim.ServiceActive = false
	return nil
}

func (h *fakeHypervisor) Storages(ctx context.Context, host string) ([]hypervisor.Storage, error) {
	return []hypervisor.Storage{
		{Name: h.w.BackupStorage, Content: []string{"backup"}, Active: true},
		{Name: "local-lvm", Content: []string{"images", "rootdir"}, Active: true},
	}, nil
}

func (h *fakeHypervisor) Reachable(ctx context.Context, host string) error {
	return nil
}

// ---- remote.Executor ----

type fakeExecutor struct {
	w *World
}

func (e *fakeExecutor) Exec(ctx context.Context, host, command string, mode remote.Mode) (remote.Result, error) {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()

	sim, err := e.w.simByAddress(host)
	if err != nil {
		return remote.Result{ExitCode: -1}, err
	}
	if sim.VMStatus != hypervisor.StatusRunning {
		return remote.Result{ExitCode: -1},
			fmt.Errorf("host %s is down: %w", host, types.ErrConnectivity)
	}

	switch {
	case command == "true":
		return remote.Result{}, nil

	case strings.HasPrefix(command, "systemctl is-active"):
		if e.w.ProbeCut[sim.Node.Name] {
			return remote.Result{ExitCode: -1},
				fmt.Errorf("dial %s: %w", host, types.ErrConnectivity)
		}
		if sim.ServiceActive {
			return remote.Result{Stdout: "active"}, nil
		}
		return remote.Result{Stdout: "inactive", ExitCode: 3},
			fmt.Errorf("inactive: %w", types.ErrCommandFailed)

	case strings.HasPrefix(command, "systemctl stop"):
		e.w.record("svc.stop %s", sim.Node.Name)
		if !e.w.StopStuck[sim.Node.Name] {
			sim.ServiceActive = false
		}
		return remote.Result{}, nil

	case strings.HasPrefix(command, "systemctl start"):
		e.w.record("svc.start %s", sim.Node.Name)
		sim.ServiceActive = true
		return remote.Result{}, nil

	case strings.HasPrefix(command, "systemctl kill"):
		e.w.record("svc.kill %s", sim.Node.Name)
		sim.ServiceActive = false
		return remote.Result{}, nil

	case strings.HasPrefix(command, "findmnt"):
		if e.w.SharedBroken[sim.Node.Name] {
			return remote.Result{ExitCode: 1},
				fmt.Errorf("not mounted: %w", types.ErrCommandFailed)
		}
		return remote.Result{}, nil

	case strings.HasPrefix(command, "ping"):
		fields := strings.Fields(command)
		peer, err := e.w.simByAddress(fields[len(fields)-1])
		if err != nil {
			return remote.Result{ExitCode: 1}, fmt.Errorf("ping: %w", types.ErrCommandFailed)
		}
		if e.w.Partitioned[sim.Node.Name] || e.w.Partitioned[peer.Node.Name] ||
			peer.VMStatus != hypervisor.StatusRunning {
			return remote.Result{ExitCode: 1},
				fmt.Errorf("no route to %s: %w", peer.Node.Name, types.ErrCommandFailed)
		}
		return remote.Result{}, nil

	case strings.HasPrefix(command, "nslookup"):
		if e.w.DNSBroken || e.w.Partitioned[sim.Node.Name] {
			return remote.Result{ExitCode: 1},
				fmt.Errorf("resolution failed: %w", types.ErrCommandFailed)
		}
		return remote.Result{}, nil
	}

	return remote.Result{}, nil
}

// ---- statestore.API ----

// FakeStateStore implements statestore.API against the world.
type FakeStateStore struct {
	w *World
}

func (s *FakeStateStore) Save(ctx context.Context, host, name string) (types.EtcdSnapshot, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	sim, err := s.w.simByAddress(host)
	if err != nil {
		return types.EtcdSnapshot{}, err
	}
	if !sim.ServiceActive {
		return types.EtcdSnapshot{}, fmt.Errorf("k3s not serving on %s: %w", host, types.ErrCommandFailed)
	}
	s.w.record("etcd.save %s", sim.Node.Name)
	if s.w.EtcdSaveErr != nil {
		return types.EtcdSnapshot{}, s.w.EtcdSaveErr
	}
	snap := types.EtcdSnapshot{
		Name: fmt.Sprintf("%s-%s-%d", name, sim.Node.Name, time.Now().Unix()),
		Host: host,
		Path: s.w.SnapshotDir + "/" + name,
	}
	s.w.EtcdSnapshots = append(s.w.EtcdSnapshots, snap)
	return snap, nil
}

func (s *FakeStateStore) List(ctx context.Context, host string) ([]types.EtcdSnapshot, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	var out []types.EtcdSnapshot
	for _, snap := range s.w.EtcdSnapshots {
		if snap.Host == host {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *FakeStateStore) Delete(ctx context.Context, host, name string) error {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	s.w.record("etcd.delete %s", name)
	out := s.w.EtcdSnapshots[:0]
	for _, snap := range s.w.EtcdSnapshots {
		if snap.Name != name {
			out = append(out, snap)
		}
	}
	s.w.EtcdSnapshots = out
	return nil
}

func (s *FakeStateStore) Find(ctx context.Context, host, name string) (types.EtcdSnapshot, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	for _, snap := range s.w.EtcdSnapshots {
		if snap.Name == name && snap.Host == host {
			return snap, nil
		}
	}
	return types.EtcdSnapshot{}, fmt.Errorf("etcd snapshot %s on %s: %w", name, host, types.ErrNotFound)
}

func (s *FakeStateStore) ResetRestore(ctx context.Context, host, snapshotPath string) error {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	sim, err := s.w.simByAddress(host)
	if err != nil {
		return err
	}
	s.w.record("etcd.restore %s %s", sim.Node.Name, snapshotPath)
	sim.ServiceActive = false
	return nil
}

// ---- prompt.Confirmer ----

// Confirmer is a scripted confirmer recording the questions asked.
type Confirmer struct {
	Answer    bool
	Questions []string
}

func (c *Confirmer) Confirm(question string) bool {
	c.Questions = append(c.Questions, question)
	return c.Answer
}
