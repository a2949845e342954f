package pointintime

import (
	"strings"
	"time"
)

// Proxmox accepts snapshot names matching ^[A-Za-z][A-Za-z0-9_-]*$ with at
// most 40 characters. Labels are built as prefix-cluster[-user]-timestamp and
// shortened deterministically when they overflow: first the timestamp drops
// its seconds, then the cluster segment shrinks to 3 characters, then the
// user segment is truncated.
const (
	labelMaxLen = 40
	labelMinLen = 2

	stampLong  = "20060102-150405"
	stampShort = "20060102-1504"
)

// FormatLabel derives the artifact label for one point-in-time operation.
// userLabel may be empty. The result always satisfies the Proxmox name
// constraints and is deterministic for a given input.
func FormatLabel(prefix, clusterName, userLabel string, ts time.Time) string {
	prefix = sanitizeSegment(prefix)
	cluster := sanitizeSegment(clusterName)
	user := sanitizeSegment(userLabel)

	name := joinSegments(prefix, cluster, user, ts.Format(stampLong))
	if len(name) <= labelMaxLen {
		return finalize(name)
	}

	stamp := ts.Format(stampShort)
	name = joinSegments(prefix, cluster, user, stamp)
	if len(name) <= labelMaxLen {
		return finalize(name)
	}

	if len(cluster) > 3 {
		cluster = cluster[:3]
		name = joinSegments(prefix, cluster, user, stamp)
		if len(name) <= labelMaxLen {
			return finalize(name)
		}
	}

	over := len(name) - labelMaxLen
	if len(user) > over {
		user = strings.TrimRight(user[:len(user)-over], "-_")
	} else {
		user = ""
	}
	name = joinSegments(prefix, cluster, user, stamp)
	if len(name) > labelMaxLen {
		name = name[:labelMaxLen]
	}
	return finalize(name)
}

// sanitizeSegment maps a free-text segment onto the allowed charset.
func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-_")
}

func joinSegments(segs ...string) string {
	out := segs[:0]
	for _, s := range segs {
		if s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "-")
}

// finalize enforces the leading-letter rule and the length floor.
func finalize(name string) string {
	isLetter := func(b byte) bool {
		return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
	}
	if name == "" || !isLetter(name[0]) {
		name = "p" + name
		if len(name) > labelMaxLen {
			name = name[:labelMaxLen]
		}
	}
	for len(name) < labelMinLen {
		name += "p"
	}
	return name
}
