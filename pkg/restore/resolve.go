package restore

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tacticz/pve-k3s-cluster-management/pkg/hypervisor"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/types"
)

// Target is a resolved restore point: one VM artifact per node, all produced
// by the same point-in-time operation, plus the etcd snapshot they were taken
// against. Etcd is empty when the artifacts carry no linked-snapshot marker.
type Target struct {
	Kind    types.OperationKind
	Label   string
	Etcd    string
	PerNode map[string]types.VMArtifact // keyed by node name
}

// resolve locates the artifacts for label across the scope. Backups are
// searched first, then snapshots; an empty label selects the most recent
// point. A backup's own volid never carries the label, so membership is
// decided through the linked etcd snapshot name embedded in its notes.
func (c *Coordinator) resolve(ctx context.Context, scope []*types.Node, label string) (*Target, error) {
	if t, err := c.resolveBackups(ctx, scope, label); err != nil {
		return nil, err
	} else if t != nil {
		return t, nil
	}
	if t, err := c.resolveSnapshots(ctx, scope, label); err != nil {
		return nil, err
	} else if t != nil {
		return t, nil
	}
	if label == "" {
		return nil, fmt.Errorf("no restorable artifact on any node: %w", types.ErrNotFound)
	}
	return nil, fmt.Errorf("no artifact labeled %q on any node: %w", label, types.ErrNotFound)
}

func (c *Coordinator) resolveBackups(ctx context.Context, scope []*types.Node, label string) (*Target, error) {
	type hit struct {
		node    *types.Node
		backup  hypervisor.Backup
		linked  string
		hasMark bool
	}
	var hits []hit

	for _, n := range scope {
		backups, err := c.hv.ListBackups(ctx, n.HVHost, c.cfg.BackupStorage, n.VMID)
		if err != nil {
			return nil, fmt.Errorf("list backups for %s: %w", n.Name, err)
		}
		for _, b := range backups {
			linked, ok := types.ParseLinkedSnapshot(b.Notes)
			if label != "" && (!ok || !strings.Contains(linked, label)) {
				continue
			}
			hits = append(hits, hit{node: n, backup: b, linked: linked, hasMark: ok})
		}
	}
	if len(hits) == 0 {
		return nil, nil
	}

	// Newest first; with an explicit label this just breaks ties, without
	// one it selects the restore point.
	sort.Slice(hits, func(i, j int) bool {
		return hits[i].backup.CreatedAt.After(hits[j].backup.CreatedAt)
	})

	anchor := hits[0]
	target := &Target{
		Kind:    types.KindBackup,
		Label:   label,
		Etcd:    anchor.linked,
		PerNode: make(map[string]types.VMArtifact),
	}
	if target.Label == "" && anchor.hasMark {
		target.Label = anchor.linked
	}

	for _, h := range hits {
		if h.linked != anchor.linked {
			continue
		}
		if _, have := target.PerNode[h.node.Name]; have {
			continue // newest per node wins
		}
		target.PerNode[h.node.Name] = types.VMArtifact{
			VMID:      h.node.VMID,
			HVHost:    h.node.HVHost,
			Name:      h.backup.VolID,
			Kind:      types.KindBackup,
			Notes:     h.backup.Notes,
			CreatedAt: h.backup.CreatedAt,
		}
	}
	return target, nil
}

func (c *Coordinator) resolveSnapshots(ctx context.Context, scope []*types.Node, label string) (*Target, error) {
	target := &Target{
		Kind:    types.KindSnapshot,
		PerNode: make(map[string]types.VMArtifact),
	}

	// Snapshots are named by the operation label itself. The first match
	// pins the exact name so every node resolves to the same operation.
	match := label
	for _, n := range scope {
		snaps, err := c.hv.ListSnapshots(ctx, n.HVHost, n.VMID)
		if err != nil {
			return nil, fmt.Errorf("list snapshots for %s: %w", n.Name, err)
		}

		sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name > snaps[j].Name })
		for _, s := range snaps {
			if target.Label == "" {
				if !strings.Contains(s.Name, match) {
					continue
				}
				target.Label = s.Name
				match = s.Name
			} else if s.Name != match {
				continue
			}
			if linked, ok := types.ParseLinkedSnapshot(s.Description); ok && target.Etcd == "" {
				target.Etcd = linked
			}
			target.PerNode[n.Name] = types.VMArtifact{
				VMID:      n.VMID,
				HVHost:    n.HVHost,
				Name:      s.Name,
				Kind:      types.KindSnapshot,
				Notes:     s.Description,
				CreatedAt: s.CreatedAt,
			}
			break
		}
	}

	if len(target.PerNode) == 0 {
		return nil, nil
	}
	return target, nil
}
