package types

import (
	"fmt"
	"strings"
)

// linkedSnapshotKey is the marker token embedded in artifact descriptions.
// The wire format is kept human-readable so it stays legible in the Proxmox
// UI next to operator-written notes.
const linkedSnapshotKey = "etcd-snapshot="

// FormatArtifactNotes builds the free-text notes stored on a VM artifact,
// embedding the linked etcd snapshot name ahead of the operator description.
func FormatArtifactNotes(etcdSnapshot, description string) string {
	marker := linkedSnapshotKey + etcdSnapshot
	if description == "" {
		return marker
	}
	return marker + " " + description
}

// ParseLinkedSnapshot extracts the etcd snapshot name embedded in artifact
// notes. The second return is false when the marker is absent, which restore
// treats as ambiguous metadata requiring operator confirmation.
func ParseLinkedSnapshot(notes string) (string, bool) {
	idx := strings.Index(notes, linkedSnapshotKey)
	if idx < 0 {
		return "", false
	}
	rest := notes[idx+len(linkedSnapshotKey):]
	if end := strings.IndexAny(rest, " \t\n;,"); end >= 0 {
		rest = rest[:end]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}

// ArtifactNotesDescription returns the operator description part of notes,
// with the marker stripped.
func ArtifactNotesDescription(notes string) string {
	idx := strings.Index(notes, linkedSnapshotKey)
	if idx < 0 {
		return strings.TrimSpace(notes)
	}
	rest := notes[idx+len(linkedSnapshotKey):]
	if end := strings.IndexAny(rest, " \t\n;,"); end >= 0 {
		return strings.TrimSpace(notes[:idx] + rest[end+1:])
	}
	return strings.TrimSpace(notes[:idx])
}

// String implements fmt.Stringer for operator-facing summaries.
func (r *PointInTimeRecord) String() string {
	return fmt.Sprintf("%s %q (etcd snapshot %s, %d artifacts)",
		r.Kind, r.Label, r.EtcdSnapshot, len(r.Artifacts))
}
