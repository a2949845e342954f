package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tacticz/pve-k3s-cluster-management/pkg/types"
)

// ValidationLevel selects how deep pre/post-operation health checks go.
type ValidationLevel string

const (
	ValidationBasic    ValidationLevel = "basic"
	ValidationExtended ValidationLevel = "extended"
	ValidationFull     ValidationLevel = "full"
)

// SSHConfig is the identity used for remote command execution.
type SSHConfig struct {
	User           string   `yaml:"user"`
	KeyFile        string   `yaml:"keyFile"`
	Port           int      `yaml:"port"`
	ConnectTimeout Duration `yaml:"connectTimeout"`
}

// ProxmoxConfig locates the hypervisor API.
type ProxmoxConfig struct {
	Endpoint      string `yaml:"endpoint"`
	TokenID       string `yaml:"tokenID"`
	TokenEnv      string `yaml:"tokenEnv"` // env var holding the token secret
	SkipTLSVerify bool   `yaml:"skipTLSVerify"`
	BackupStorage string `yaml:"backupStorage"`
}

// Config is the full operator configuration for one cluster.
type Config struct {
	ClusterName string        `yaml:"clusterName"`
	Kubeconfig  string        `yaml:"kubeconfig"`
	Nodes       []*types.Node `yaml:"nodes"`

	SSH     SSHConfig     `yaml:"ssh"`
	Proxmox ProxmoxConfig `yaml:"proxmox"`

	LabelPrefix     string                `yaml:"labelPrefix"`
	Retention       types.RetentionPolicy `yaml:"retention"`
	DrainTimeout    Duration              `yaml:"drainTimeout"`
	ValidationLevel ValidationLevel       `yaml:"validationLevel"`

	SharedStoragePath string `yaml:"sharedStoragePath"`
	EtcdSnapshotDir   string `yaml:"etcdSnapshotDir"`
	DataDir           string `yaml:"dataDir"` // local history store location

	Force          bool `yaml:"force"`
	DryRun         bool `yaml:"dryRun"`
	NonInteractive bool `yaml:"nonInteractive"`
}

// Load reads and strictly decodes the YAML configuration at path, applies
// defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.SSH.ConnectTimeout == 0 {
		c.SSH.ConnectTimeout = Duration(15 * time.Second)
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = Duration(120 * time.Second)
	}
	if c.ValidationLevel == "" {
		c.ValidationLevel = ValidationBasic
	}
	if c.LabelPrefix == "" {
		c.LabelPrefix = "pit"
	}
	if c.EtcdSnapshotDir == "" {
		c.EtcdSnapshotDir = "/var/lib/rancher/k3s/server/db/snapshots"
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home + "/.pve-k3s"
}

// Validate rejects configurations the orchestrator cannot safely act on.
func (c *Config) Validate() error {
	if c.ClusterName == "" {
		return fmt.Errorf("clusterName is required")
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("at least one node is required")
	}

	seen := make(map[string]struct{}, len(c.Nodes))
	controlPlanes := 0
	for _, n := range c.Nodes {
		if n.Name == "" {
			return fmt.Errorf("node name is required")
		}
		if _, dup := seen[n.Name]; dup {
			return fmt.Errorf("duplicate node name %q", n.Name)
		}
		seen[n.Name] = struct{}{}

		if n.Address == "" {
			return fmt.Errorf("node %s: address is required", n.Name)
		}
		if n.VMID <= 0 {
			return fmt.Errorf("node %s: vmid is required", n.Name)
		}
		if n.HVHost == "" {
			return fmt.Errorf("node %s: hvHost is required", n.Name)
		}
		switch n.Role {
		case types.RoleControlPlane:
			controlPlanes++
		case types.RoleWorker:
		default:
			return fmt.Errorf("node %s: role must be %q or %q", n.Name, types.RoleControlPlane, types.RoleWorker)
		}
	}
	if controlPlanes == 0 {
		return fmt.Errorf("at least one control-plane node is required")
	}

	switch c.ValidationLevel {
	case ValidationBasic, ValidationExtended, ValidationFull:
	default:
		return fmt.Errorf("validationLevel must be basic, extended or full")
	}

	if c.Retention.Keep < 0 {
		return fmt.Errorf("retention.keep must be >= 0")
	}
	if c.SSH.User == "" {
		return fmt.Errorf("ssh.user is required")
	}
	if c.Proxmox.Endpoint == "" {
		return fmt.Errorf("proxmox.endpoint is required")
	}
	return nil
}

// Topology builds the node topology from the configured inventory.
func (c *Config) Topology() *types.Topology {
	return &types.Topology{Nodes: c.Nodes}
}
