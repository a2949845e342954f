package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tacticz/pve-k3s-cluster-management/pkg/cluster"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/config"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/history"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/hypervisor"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/hypervisor/proxmox"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/lifecycle"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/log"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/prompt"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/remote"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/statestore"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/types"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/validate"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pvek3sctl",
	Short: "Node-lifecycle and point-in-time operations for k3s on Proxmox",
	Long: `pvek3sctl orchestrates disruptive operations on a k3s cluster whose
nodes are Proxmox VMs: node shutdown and replacement, cluster-wide
snapshots and backups, and restores. Every operation preserves
control-plane quorum and correlates VM artifacts with the etcd
snapshot they were taken against.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"pvek3sctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "cluster.yaml", "Path to the cluster configuration file")
	pf.Bool("force", false, "Continue past failures and skip confirmations")
	pf.Bool("dry-run", false, "Log intended actions without mutating anything")
	pf.Bool("non-interactive", false, "Never prompt; unanswered confirmations count as no")
	pf.Bool("log-json", false, "Emit structured JSON logs")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(shutdownCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(replaceCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(historyCmd)
}

// app holds one command invocation's wired collaborators.
type app struct {
	cfg     *config.Config
	kube    cluster.API
	hv      hypervisor.API
	exec    *remote.SSHExecutor
	store   statestore.API
	hist    *history.Store
	confirm prompt.Confirmer
	life    *lifecycle.Manager
	check   *validate.Validator
}

// newApp loads the configuration, initializes logging and wires every
// collaborator the subcommands share.
func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	// Command-line flags override the config file.
	if v, _ := cmd.Flags().GetBool("force"); v {
		cfg.Force = true
	}
	if v, _ := cmd.Flags().GetBool("dry-run"); v {
		cfg.DryRun = true
	}
	if v, _ := cmd.Flags().GetBool("non-interactive"); v {
		cfg.NonInteractive = true
	}
	if cmd.Flags().Changed("validation-level") {
		v, _ := cmd.Flags().GetString("validation-level")
		cfg.ValidationLevel = config.ValidationLevel(v)
	}
	if cmd.Flags().Changed("retention-count") {
		v, _ := cmd.Flags().GetInt("retention-count")
		cfg.Retention.Keep = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	jsonOut, _ := cmd.Flags().GetBool("log-json")
	level, _ := cmd.Flags().GetString("log-level")
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonOut,
		DryRun:     cfg.DryRun,
	})

	kube, err := cluster.NewKubeAPI(cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("cluster client: %w", err)
	}
	exec, err := remote.NewSSHExecutor(remote.SSHConfig{
		User:           cfg.SSH.User,
		KeyFile:        cfg.SSH.KeyFile,
		Port:           cfg.SSH.Port,
		ConnectTimeout: cfg.SSH.ConnectTimeout.Std(),
	})
	if err != nil {
		return nil, fmt.Errorf("ssh executor: %w", err)
	}
	hv, err := proxmox.NewClient(cfg.Proxmox)
	if err != nil {
		return nil, fmt.Errorf("proxmox client: %w", err)
	}
	hist, err := history.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("history store: %w", err)
	}

	store := statestore.NewK3sCLI(exec, cfg.EtcdSnapshotDir)
	confirm := prompt.ForMode(cfg.NonInteractive, cfg.Force)
	life := lifecycle.NewManager(kube, hv, exec, confirm, lifecycle.Config{
		DrainTimeout: cfg.DrainTimeout.Std(),
		Force:        cfg.Force,
		DryRun:       cfg.DryRun,
	})
	check := validate.New(kube, hv, store, exec, cfg.Topology(), cfg.SharedStoragePath)

	return &app{
		cfg:     cfg,
		kube:    kube,
		hv:      hv,
		exec:    exec,
		store:   store,
		hist:    hist,
		confirm: confirm,
		life:    life,
		check:   check,
	}, nil
}

func (a *app) close() {
	a.exec.Close()
	a.hist.Close()
}

// scope resolves the node set a command operates on from --node flags,
// defaulting to every configured node.
func (a *app) scope(cmd *cobra.Command) ([]*types.Node, error) {
	names, _ := cmd.Flags().GetStringSlice("node")
	if len(names) == 0 {
		return a.cfg.Nodes, nil
	}

	topo := a.cfg.Topology()
	var out []*types.Node
	for _, name := range names {
		n := topo.Find(name)
		if n == nil {
			return nil, fmt.Errorf("node %q is not in the configured inventory", name)
		}
		out = append(out, n)
	}
	return out, nil
}

// node resolves a single positional node argument.
func (a *app) node(name string) (*types.Node, error) {
	n := a.cfg.Topology().Find(name)
	if n == nil {
		return nil, fmt.Errorf("node %q is not in the configured inventory", name)
	}
	return n, nil
}

// recordRun writes the audit entry for one command invocation. Dry runs are
// not recorded.
func (a *app) recordRun(cmd *cobra.Command, args []string, start time.Time, degraded int, runErr error) {
	if a.cfg.DryRun {
		return
	}
	run := &history.Run{
		Command:   cmd.Name(),
		Args:      args,
		StartedAt: start,
		EndedAt:   time.Now(),
		Success:   runErr == nil,
		Degraded:  degraded,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := a.hist.PutRun(run); err != nil {
		log.Logger.Warn().Err(err).Msg("recording run history failed")
	}
}

// summarize prints the operator-facing outcome line.
func summarize(op string, degraded int, err error) {
	switch {
	case err != nil:
		fmt.Fprintf(os.Stderr, "✗ %s failed: %v\n", op, err)
	case degraded > 0:
		fmt.Printf("⚠ %s finished with %d item(s) needing attention\n", op, degraded)
	default:
		fmt.Printf("✓ %s complete\n", op)
	}
}

func joinIssues(issues []validate.Issue) string {
	parts := make([]string, 0, len(issues))
	for _, i := range issues {
		parts = append(parts, i.String())
	}
	return strings.Join(parts, "\n  ")
}
