package restore

import (
	"context"
	"fmt"

	"github.com/tacticz/pve-k3s-cluster-management/pkg/types"
)

// Replace rebuilds one node from its most recent artifact: the node is shut
// down, its stale object removed from the cluster, its VM restored and
// started, and the node rejoins on its own. The quorum check inside the
// shutdown path protects control-plane nodes.
func (c *Coordinator) Replace(ctx context.Context, node *types.Node, scope []*types.Node) error {
	target, err := c.resolve(ctx, []*types.Node{node}, "")
	if err != nil {
		return fmt.Errorf("no artifact to rebuild %s from: %w", node.Name, err)
	}
	artifact, ok := target.PerNode[node.Name]
	if !ok {
		return fmt.Errorf("no artifact for %s: %w", node.Name, types.ErrNotFound)
	}

	if err := c.life.Shutdown(ctx, node, scope); err != nil {
		return err
	}

	if c.cfg.DryRun {
		c.logger.Info().Str("node", node.Name).Str("artifact", artifact.Name).Msg("would replace node")
		return nil
	}

	if err := c.kube.DeleteNode(ctx, node.Name); err != nil {
		return fmt.Errorf("remove node object %s: %w", node.Name, err)
	}

	if err := c.restoreVM(ctx, node, artifact); err != nil {
		return err
	}

	if err := c.life.WaitReachable(ctx, node); err != nil {
		return err
	}
	if err := c.life.WaitServiceActive(ctx, node); err != nil {
		return err
	}

	info, err := c.kube.Node(ctx, node.Name)
	if err != nil {
		return fmt.Errorf("node %s did not rejoin: %w", node.Name, err)
	}
	if !info.Ready {
		return fmt.Errorf("node %s rejoined but is not ready: %w", node.Name, types.ErrVerifyFailed)
	}

	c.logger.Info().Str("node", node.Name).Str("artifact", artifact.Name).Msg("node replaced")
	return nil
}
