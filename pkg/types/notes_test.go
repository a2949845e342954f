package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatArtifactNotes(t *testing.T) {
	tests := []struct {
		name        string
		snapshot    string
		description string
		want        string
	}{
		{
			name:     "marker only",
			snapshot: "pit-demo-20250101-120000",
			want:     "etcd-snapshot=pit-demo-20250101-120000",
		},
		{
			name:        "marker with description",
			snapshot:    "pit-demo-20250101-120000",
			description: "pre-upgrade checkpoint",
			want:        "etcd-snapshot=pit-demo-20250101-120000 pre-upgrade checkpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatArtifactNotes(tt.snapshot, tt.description)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLinkedSnapshot(t *testing.T) {
	tests := []struct {
		name  string
		notes string
		want  string
		found bool
	}{
		{
			name:  "plain marker",
			notes: "etcd-snapshot=pit-a-20250101-120000",
			want:  "pit-a-20250101-120000",
			found: true,
		},
		{
			name:  "marker followed by description",
			notes: "etcd-snapshot=pit-a-20250101-120000 weekly backup",
			want:  "pit-a-20250101-120000",
			found: true,
		},
		{
			name:  "marker embedded mid-text",
			notes: "weekly backup; etcd-snapshot=pit-a-20250101-120000, verified",
			want:  "pit-a-20250101-120000",
			found: true,
		},
		{
			name:  "no marker",
			notes: "manual backup taken before maintenance",
			found: false,
		},
		{
			name:  "empty marker value",
			notes: "etcd-snapshot= trailing",
			found: false,
		},
		{
			name:  "empty notes",
			notes: "",
			found: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseLinkedSnapshot(tt.notes)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestNotesRoundTrip(t *testing.T) {
	notes := FormatArtifactNotes("pit-x-20250601-090000", "quarterly")
	name, ok := ParseLinkedSnapshot(notes)
	assert.True(t, ok)
	assert.Equal(t, "pit-x-20250601-090000", name)
	assert.Equal(t, "quarterly", ArtifactNotesDescription(notes))
}
