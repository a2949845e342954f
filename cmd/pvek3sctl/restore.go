package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tacticz/pve-k3s-cluster-management/pkg/restore"
)

var restoreCmd = &cobra.Command{
	Use:   "restore [LABEL]",
	Short: "Restore the cluster from a point-in-time artifact set",
	Long: `Restore resolves a restore point among VM backups first, then VM
snapshots; without a label the most recent point is used. The linked
etcd snapshot is restored before any VM. Artifacts without linked-
snapshot metadata require explicit confirmation.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		scope, err := a.scope(cmd)
		if err != nil {
			return err
		}
		label := ""
		if len(args) > 0 {
			label = args[0]
		}

		coord := newRestoreCoordinator(a)
		start := time.Now()
		result, err := coord.Restore(context.Background(), restore.Request{Label: label, Scope: scope})

		degraded := 0
		if result != nil {
			degraded = result.Degraded
			if len(result.Issues) > 0 {
				fmt.Printf("validation issues after restore:\n  %s\n", joinIssues(result.Issues))
			}
		}
		a.recordRun(cmd, args, start, degraded, err)
		summarize("restore", degraded, err)
		return err
	},
}

var replaceCmd = &cobra.Command{
	Use:   "replace NODE",
	Short: "Rebuild one node from its most recent artifact",
	Long: `Replace shuts the node down, removes its stale object from the cluster,
restores its VM from the most recent backup or snapshot and waits for
it to rejoin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		node, err := a.node(args[0])
		if err != nil {
			return err
		}

		coord := newRestoreCoordinator(a)
		start := time.Now()
		err = coord.Replace(context.Background(), node, a.cfg.Nodes)
		a.recordRun(cmd, args, start, 0, err)
		summarize("replace of "+node.Name, 0, err)
		return err
	},
}

func init() {
	restoreCmd.Flags().StringSlice("node", nil, "Limit the restore to these nodes (default: all)")
	restoreCmd.Flags().String("validation-level", "", "Override the configured validation level (basic, extended, full)")
}

func newRestoreCoordinator(a *app) *restore.Coordinator {
	return restore.NewCoordinator(a.life, a.kube, a.hv, a.store, a.exec, a.check, a.confirm, restore.Config{
		BackupStorage: a.cfg.Proxmox.BackupStorage,
		Level:         a.cfg.ValidationLevel,
		Force:         a.cfg.Force,
		DryRun:        a.cfg.DryRun,
	})
}
