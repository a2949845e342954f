package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tacticz/pve-k3s-cluster-management/pkg/cluster"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/hypervisor"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/log"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/prompt"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/remote"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/types"
)

const (
	// maxUncordonAttempts bounds the uncordon retry-until-verified loop.
	// Cordon/uncordon races are expected under concurrent cluster activity,
	// so this is the one step that retries by design.
	maxUncordonAttempts = 12

	pollInterval = 3 * time.Second
)

// Config bounds the lifecycle waits and carries the run policy.
type Config struct {
	DrainTimeout     time.Duration
	PowerOffTimeout  time.Duration
	ReachableTimeout time.Duration
	ServiceTimeout   time.Duration
	Force            bool
	DryRun           bool
}

func (c *Config) applyDefaults() {
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 120 * time.Second
	}
	if c.PowerOffTimeout == 0 {
		c.PowerOffTimeout = 180 * time.Second
	}
	if c.ReachableTimeout == 0 {
		c.ReachableTimeout = 300 * time.Second
	}
	if c.ServiceTimeout == 0 {
		c.ServiceTimeout = 300 * time.Second
	}
}

// Manager drives a single node through its lifecycle transitions.
type Manager struct {
	kube    cluster.API
	hv      hypervisor.API
	exec    remote.Executor
	confirm prompt.Confirmer
	cfg     Config
	logger  zerolog.Logger

	// backoffFn is replaceable in tests to avoid real sleeps.
	backoffFn func(attempt int) time.Duration
}

// NewManager wires the lifecycle over its collaborators.
func NewManager(kube cluster.API, hv hypervisor.API, exec remote.Executor, confirm prompt.Confirmer, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		kube:      kube,
		hv:        hv,
		exec:      exec,
		confirm:   confirm,
		cfg:       cfg,
		logger:    log.WithComponent("lifecycle"),
		backoffFn: backoff,
	}
}

// backoff returns the exponential delay before retry attempt (0-based),
// capped at one minute.
func backoff(attempt int) time.Duration {
	d := 2 * time.Second << uint(attempt)
	if d > time.Minute {
		return time.Minute
	}
	return d
}

// dry logs the intended mutation and reports whether it should be skipped.
func (m *Manager) dry(node *types.Node, action string) bool {
	if !m.cfg.DryRun {
		return false
	}
	m.logger.Info().Str("node", node.Name).Str("action", action).Msg("would execute")
	return true
}

// apiFor returns a cluster client routed through a control-plane peer of
// node whenever one is reachable. The target itself is only used as a last
// resort, logged as degraded.
func (m *Manager) apiFor(ctx context.Context, node *types.Node, scope []*types.Node) cluster.API {
	peer, ok := cluster.PickPeer(ctx, m.kube, scope, node.Name)
	if !ok {
		m.logger.Warn().Str("node", node.Name).
			Msg("no control-plane peer reachable, issuing cluster calls via target (degraded)")
		return m.kube
	}
	api, err := m.kube.UsingEndpoint(peer.Address)
	if err != nil {
		m.logger.Warn().Str("peer", peer.Name).Err(err).
			Msg("peer endpoint client failed, falling back to default endpoint")
		return m.kube
	}
	return api
}

// waitFor polls check until it reports done, the bound expires or ctx ends.
func waitFor(ctx context.Context, timeout time.Duration, desc string, check func(context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		done, err := check(ctx)
		if err == nil && done {
			return nil
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("timeout waiting for %s: %w (last error: %v)", desc, types.ErrConnectivity, err)
			}
			return fmt.Errorf("timeout waiting for %s: %w", desc, types.ErrConnectivity)
		case <-ticker.C:
		}
	}
}

// Cordon marks the node unschedulable via a peer endpoint.
func (m *Manager) Cordon(ctx context.Context, node *types.Node, scope []*types.Node) error {
	if m.dry(node, "cordon") {
		node.State = types.StateCordoned
		return nil
	}
	if err := m.apiFor(ctx, node, scope).Cordon(ctx, node.Name); err != nil {
		return fmt.Errorf("cordon %s: %w", node.Name, err)
	}
	node.State = types.StateCordoned
	m.logger.Info().Str("node", node.Name).Msg("cordoned")
	return nil
}

// Uncordon clears the unschedulable flag and verifies it actually cleared,
// retrying the action+verification pair with exponential backoff. The cordon
// command can report success while the flag lags behind.
func (m *Manager) Uncordon(ctx context.Context, node *types.Node, scope []*types.Node) error {
	if m.dry(node, "uncordon") {
		node.State = types.StateReady
		return nil
	}
	api := m.apiFor(ctx, node, scope)

	var lastErr error
	for attempt := 0; attempt < maxUncordonAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("uncordon %s: %w: %v", node.Name, types.ErrConnectivity, ctx.Err())
			case <-time.After(m.backoffFn(attempt - 1)):
			}
		}

		if err := api.Uncordon(ctx, node.Name); err != nil {
			lastErr = err
			m.logger.Warn().Str("node", node.Name).Int("attempt", attempt+1).Err(err).
				Msg("uncordon attempt failed")
			continue
		}

		cordoned, err := api.IsCordoned(ctx, node.Name)
		if err != nil {
			lastErr = err
			continue
		}
		if !cordoned {
			node.State = types.StateReady
			m.logger.Info().Str("node", node.Name).Int("attempts", attempt+1).Msg("uncordoned")
			return nil
		}
		lastErr = fmt.Errorf("node %s still cordoned after uncordon", node.Name)
	}

	return fmt.Errorf("uncordon %s not verified after %d attempts: %w (last: %v)",
		node.Name, maxUncordonAttempts, types.ErrVerifyFailed, lastErr)
}

// Drain evicts workloads from the node. On a bounded-timeout failure it
// offers (or, under force policy, performs) a forced drain that also removes
// local-storage-backed pods. A failed drain leaves the node cordoned.
func (m *Manager) Drain(ctx context.Context, node *types.Node, scope []*types.Node) error {
	if m.dry(node, "drain") {
		node.State = types.StateDrained
		return nil
	}
	api := m.apiFor(ctx, node, scope)
	node.State = types.StateDraining

	err := api.Drain(ctx, node.Name, cluster.DrainOptions{Timeout: m.cfg.DrainTimeout})
	if err == nil {
		node.State = types.StateDrained
		m.logger.Info().Str("node", node.Name).Msg("drained")
		return nil
	}

	forced := m.cfg.Force
	if !forced {
		forced = m.confirm.Confirm(fmt.Sprintf(
			"drain of %s failed (%v); force drain including local-storage pods?", node.Name, err))
	}
	if !forced {
		return fmt.Errorf("drain %s: %w", node.Name, err)
	}

	m.logger.Warn().Str("node", node.Name).Err(err).Msg("retrying drain with force")
	err = api.Drain(ctx, node.Name, cluster.DrainOptions{
		Timeout:         m.cfg.DrainTimeout,
		DeleteLocalData: true,
		Force:           true,
	})
	if err != nil {
		return fmt.Errorf("forced drain %s: %w", node.Name, err)
	}
	node.State = types.StateDrained
	m.logger.Info().Str("node", node.Name).Msg("drained (forced)")
	return nil
}

// StopClusterService stops the node agent and verifies the unit went
// inactive, force-killing only when the run policy permits it.
func (m *Manager) StopClusterService(ctx context.Context, node *types.Node) error {
	svc := node.ServiceUnit()
	if m.dry(node, "stop service "+svc) {
		node.State = types.StateServiceStopped
		return nil
	}

	if _, err := m.exec.Exec(ctx, node.Address, "systemctl stop "+svc, remote.ModeQuiet); err != nil {
		return fmt.Errorf("stop %s on %s: %w", svc, node.Name, err)
	}

	active, err := m.serviceActive(ctx, node, svc)
	if err != nil {
		return err
	}
	if active {
		if !m.cfg.Force {
			return fmt.Errorf("%s still active on %s after stop: %w", svc, node.Name, types.ErrVerifyFailed)
		}
		m.logger.Warn().Str("node", node.Name).Str("service", svc).Msg("service still active, force-killing")
		if _, err := m.exec.Exec(ctx, node.Address, "systemctl kill "+svc, remote.ModeQuiet); err != nil {
			return fmt.Errorf("kill %s on %s: %w", svc, node.Name, err)
		}
		active, err = m.serviceActive(ctx, node, svc)
		if err != nil {
			return err
		}
		if active {
			return fmt.Errorf("%s survived kill on %s: %w", svc, node.Name, types.ErrVerifyFailed)
		}
	}

	node.State = types.StateServiceStopped
	m.logger.Info().Str("node", node.Name).Str("service", svc).Msg("service stopped")
	return nil
}

// serviceActive probes the unit state. A connectivity failure is an error,
// never read as "inactive": an unreachable host must not verify a stop.
func (m *Manager) serviceActive(ctx context.Context, node *types.Node, svc string) (bool, error) {
	res, err := m.exec.Exec(ctx, node.Address, "systemctl is-active "+svc, remote.ModeCapture)
	if err != nil {
		if errors.Is(err, types.ErrConnectivity) {
			return false, fmt.Errorf("probe %s on %s: %w", svc, node.Name, err)
		}
		// is-active exits non-zero for any non-active state.
		return false, nil
	}
	return res.Stdout == "active", nil
}

// PowerOff shuts the backing VM down gracefully, escalating to a hard stop
// only under force policy, and optionally waits for the stopped state.
func (m *Manager) PowerOff(ctx context.Context, node *types.Node, waitForStop bool) error {
	if m.dry(node, "power off vm") {
		node.State = types.StatePoweredOff
		return nil
	}

	status, err := m.hv.Status(ctx, node.HVHost, node.VMID)
	if err != nil {
		return fmt.Errorf("vm status for %s: %w", node.Name, err)
	}
	if status == hypervisor.StatusStopped {
		node.State = types.StatePoweredOff
		m.logger.Info().Str("node", node.Name).Msg("vm already stopped")
		return nil
	}

	if err := m.hv.Shutdown(ctx, node.HVHost, node.VMID, m.cfg.PowerOffTimeout); err != nil {
		if !m.cfg.Force {
			return fmt.Errorf("shutdown vm for %s: %w", node.Name, err)
		}
		m.logger.Warn().Str("node", node.Name).Err(err).Msg("graceful shutdown failed, hard-stopping")
		if err := m.hv.Stop(ctx, node.HVHost, node.VMID); err != nil {
			return fmt.Errorf("hard stop vm for %s: %w", node.Name, err)
		}
	}

	if waitForStop {
		err := waitFor(ctx, m.cfg.PowerOffTimeout, "vm stopped", func(ctx context.Context) (bool, error) {
			st, err := m.hv.Status(ctx, node.HVHost, node.VMID)
			if err != nil {
				return false, err
			}
			return st == hypervisor.StatusStopped, nil
		})
		if err != nil {
			return fmt.Errorf("power off %s: %w", node.Name, err)
		}
	}

	node.State = types.StatePoweredOff
	m.logger.Info().Str("node", node.Name).Msg("powered off")
	return nil
}

// PowerOn starts the backing VM, waits for SSH reachability and the node
// agent, then uncordons with verification.
func (m *Manager) PowerOn(ctx context.Context, node *types.Node, scope []*types.Node) error {
	if m.dry(node, "power on vm") {
		node.State = types.StateReady
		return nil
	}

	status, err := m.hv.Status(ctx, node.HVHost, node.VMID)
	if err != nil {
		return fmt.Errorf("vm status for %s: %w", node.Name, err)
	}
	if status != hypervisor.StatusRunning {
		node.State = types.StatePoweringOn
		if err := m.hv.Start(ctx, node.HVHost, node.VMID); err != nil {
			return fmt.Errorf("start vm for %s: %w", node.Name, err)
		}
	}

	if err := m.WaitReachable(ctx, node); err != nil {
		return err
	}

	if err := m.WaitServiceActive(ctx, node); err != nil {
		return err
	}

	return m.Uncordon(ctx, node, scope)
}

// WaitReachable polls SSH connectivity to the node within the bound.
func (m *Manager) WaitReachable(ctx context.Context, node *types.Node) error {
	if m.cfg.DryRun {
		node.State = types.StateReachable
		return nil
	}
	err := waitFor(ctx, m.cfg.ReachableTimeout, node.Name+" reachable", func(ctx context.Context) (bool, error) {
		if _, err := m.exec.Exec(ctx, node.Address, "true", remote.ModeSilent); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("node %s never became reachable: %w", node.Name, err)
	}
	node.State = types.StateReachable
	m.logger.Info().Str("node", node.Name).Msg("reachable")
	return nil
}

// WaitServiceActive polls the node agent unit until systemd reports active.
func (m *Manager) WaitServiceActive(ctx context.Context, node *types.Node) error {
	svc := node.ServiceUnit()
	if m.cfg.DryRun {
		node.State = types.StateServiceActive
		return nil
	}
	node.State = types.StateServiceStarting
	// While the node boots, connectivity errors are just "not yet".
	err := waitFor(ctx, m.cfg.ServiceTimeout, svc+" active on "+node.Name, func(ctx context.Context) (bool, error) {
		return m.serviceActive(ctx, node, svc)
	})
	if err != nil {
		return fmt.Errorf("service %s on %s: %w", svc, node.Name, err)
	}
	node.State = types.StateServiceActive
	m.logger.Info().Str("node", node.Name).Str("service", svc).Msg("service active")
	return nil
}

// Shutdown is the composite forward path: quorum check, cordon, drain, stop
// service, power off. A control-plane node is only taken down when another
// control-plane node is live, unless the run is forced. On a failed step the
// node is uncordoned best-effort so it is not silently left unschedulable.
func (m *Manager) Shutdown(ctx context.Context, node *types.Node, scope []*types.Node) error {
	if node.IsControlPlane() {
		ok, err := cluster.HasLiveControlPlanePeer(ctx, m.kube, scope, node.Name)
		if err != nil {
			return fmt.Errorf("quorum check for %s: %w", node.Name, err)
		}
		if !ok {
			if !m.cfg.Force {
				return fmt.Errorf("no live control-plane peer for %s: %w", node.Name, types.ErrQuorum)
			}
			m.logger.Warn().Str("node", node.Name).Msg("quorum check failed, continuing under force")
		}
	}

	if err := m.Cordon(ctx, node, scope); err != nil {
		return err
	}

	if err := m.Drain(ctx, node, scope); err != nil {
		return err
	}

	if err := m.StopClusterService(ctx, node); err != nil {
		m.rollbackUncordon(ctx, node, scope)
		return err
	}

	if err := m.PowerOff(ctx, node, true); err != nil {
		m.rollbackUncordon(ctx, node, scope)
		return err
	}
	return nil
}

// rollbackUncordon tries to leave an aborted node schedulable again.
func (m *Manager) rollbackUncordon(ctx context.Context, node *types.Node, scope []*types.Node) {
	if err := m.Uncordon(ctx, node, scope); err != nil {
		m.logger.Error().Str("node", node.Name).Err(err).
			Msg("rollback uncordon failed, node may still be cordoned")
	}
}
