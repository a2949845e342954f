package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var shutdownCmd = &cobra.Command{
	Use:   "shutdown NODE",
	Short: "Cordon, drain and power off one node",
	Long: `Shutdown takes one node offline safely: cordon, drain, stop the k3s
service and power off the backing VM. Control-plane nodes are refused
when no other control-plane node is alive, unless --force is set.`,
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

		start := time.Now()
		err = a.life.Shutdown(context.Background(), node, a.cfg.Nodes)
		a.recordRun(cmd, args, start, 0, err)
		summarize("shutdown of "+node.Name, 0, err)
		return err
	},
}

var startCmd = &cobra.Command{
	Use:   "start NODE",
	Short: "Power on one node and return it to service",
	Long: `Start powers the backing VM back on, waits for SSH reachability and
the k3s service, then uncordons the node with verification.`,
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

		start := time.Now()
		err = a.life.PowerOn(context.Background(), node, a.cfg.Nodes)
		a.recordRun(cmd, args, start, 0, err)
		summarize("start of "+node.Name, 0, err)
		return err
	},
}
