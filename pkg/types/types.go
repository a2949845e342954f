package types

import (
	"time"
)

// Role defines the cluster role of a node.
type Role string

const (
	RoleControlPlane Role = "control-plane"
	RoleWorker       Role = "worker"
)

// NodeState tracks where a node is in its lifecycle. Forward transitions run
// Ready through PoweredOff; the reverse path runs PoweredOff back to Ready.
type NodeState string

const (
	StateReady           NodeState = "ready"
	StateCordoned        NodeState = "cordoned"
	StateDraining        NodeState = "draining"
	StateDrained         NodeState = "drained"
	StateServiceStopped  NodeState = "service-stopped"
	StatePoweredOff      NodeState = "powered-off"
	StatePoweringOn      NodeState = "powering-on"
	StateReachable       NodeState = "reachable"
	StateServiceStarting NodeState = "service-starting"
	StateServiceActive   NodeState = "service-active"
)

// Node is one cluster member backed by a VM on the hypervisor fleet.
type Node struct {
	Name    string    `yaml:"name" json:"name"`
	Address string    `yaml:"address" json:"address"`
	Role    Role      `yaml:"role" json:"role"`
	VMID    int       `yaml:"vmid" json:"vmid"`
	HVHost  string    `yaml:"hvHost" json:"hvHost"`
	Arch    string    `yaml:"arch,omitempty" json:"arch,omitempty"`
	State   NodeState `yaml:"-" json:"state,omitempty"`
}

// IsControlPlane reports whether the node carries the control-plane role.
func (n *Node) IsControlPlane() bool {
	return n.Role == RoleControlPlane
}

// ServiceUnit returns the systemd unit running the node agent.
func (n *Node) ServiceUnit() string {
	if n.IsControlPlane() {
		return "k3s"
	}
	return "k3s-agent"
}

// Topology is the ordered set of nodes plus the hypervisor hosts backing them.
// At least one control-plane node must remain running and joined at all times
// during any sequential operation.
type Topology struct {
	Nodes []*Node
}

// ControlPlanes returns the control-plane nodes in topology order.
func (t *Topology) ControlPlanes() []*Node {
	var out []*Node
	for _, n := range t.Nodes {
		if n.IsControlPlane() {
			out = append(out, n)
		}
	}
	return out
}

// Workers returns the worker nodes in topology order.
func (t *Topology) Workers() []*Node {
	var out []*Node
	for _, n := range t.Nodes {
		if !n.IsControlPlane() {
			out = append(out, n)
		}
	}
	return out
}

// Find returns the node with the given name, or nil.
func (t *Topology) Find(name string) *Node {
	for _, n := range t.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// HVHosts returns the distinct hypervisor hosts backing the topology.
func (t *Topology) HVHosts() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, n := range t.Nodes {
		if _, ok := seen[n.HVHost]; ok {
			continue
		}
		seen[n.HVHost] = struct{}{}
		out = append(out, n.HVHost)
	}
	return out
}

// OperationKind selects between a hypervisor snapshot and a vzdump backup.
type OperationKind string

const (
	KindSnapshot OperationKind = "snapshot"
	KindBackup   OperationKind = "backup"
)

// VMArtifact is one hypervisor-level snapshot or backup of one node VM. Notes
// carries the linked etcd snapshot name as embedded metadata; it is the only
// persistent link between the artifact and the etcd snapshot it is consistent
// with.
type VMArtifact struct {
	VMID      int           `json:"vmid"`
	HVHost    string        `json:"hvHost"`
	Name      string        `json:"name"` // snapshot name or backup volid
	Kind      OperationKind `json:"kind"`
	Notes     string        `json:"notes"`
	CreatedAt time.Time     `json:"createdAt"`
}

// EtcdSnapshot is a point-in-time dump of the cluster's consensus store.
type EtcdSnapshot struct {
	Name string `json:"name"`
	Host string `json:"host"` // control-plane host it was taken on
	Path string `json:"path"` // on-disk location on Host
}

// PointInTimeRecord names one snapshot or backup operation instance. Immutable
// once recorded; removed only by retention cleanup.
type PointInTimeRecord struct {
	ID           string        `json:"id"`
	Kind         OperationKind `json:"kind"`
	Label        string        `json:"label"`
	Description  string        `json:"description,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
	EtcdSnapshot string        `json:"etcdSnapshot"`
	Artifacts    []VMArtifact  `json:"artifacts"`
}

// RetentionPolicy keeps the most recent Keep artifacts of a class. Keep == 0
// disables cleanup entirely.
type RetentionPolicy struct {
	Keep int `yaml:"keep" json:"keep"`
}

// Enabled reports whether cleanup should run at all.
func (p RetentionPolicy) Enabled() bool {
	return p.Keep > 0
}
