package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacticz/pve-k3s-cluster-management/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := &types.PointInTimeRecord{
		Kind:         types.KindSnapshot,
		Label:        "pit-lab-20250101-120000",
		Timestamp:    time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		EtcdSnapshot: "pit-lab-20250101-120000-cp1-1735732800",
		Artifacts: []types.VMArtifact{
			{VMID: 101, HVHost: "pve1", Name: "pit-lab-20250101-120000", Kind: types.KindSnapshot},
		},
	}
	require.NoError(t, s.PutRecord(rec))
	assert.NotEmpty(t, rec.ID)

	got, err := s.GetRecord(rec.Label)
	require.NoError(t, err)
	assert.Equal(t, rec.EtcdSnapshot, got.EtcdSnapshot)
	assert.Len(t, got.Artifacts, 1)
}

func TestGetRecordMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetRecord("nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestListRecordsNewestFirst(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, label := range []string{"pit-a", "pit-b", "pit-c"} {
		require.NoError(t, s.PutRecord(&types.PointInTimeRecord{
			Kind:      types.KindBackup,
			Label:     label,
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	records, err := s.ListRecords()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "pit-c", records[0].Label)
	assert.Equal(t, "pit-a", records[2].Label)
}

func TestDeleteRecord(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutRecord(&types.PointInTimeRecord{Label: "pit-x", Kind: types.KindSnapshot}))
	require.NoError(t, s.DeleteRecord("pit-x"))
	_, err := s.GetRecord("pit-x")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRuns(t *testing.T) {
	s := openTestStore(t)

	run := &Run{
		Command:   "backup",
		StartedAt: time.Now().Add(-time.Minute),
		EndedAt:   time.Now(),
		Success:   false,
		Error:     "drain timed out",
		Degraded:  1,
	}
	require.NoError(t, s.PutRun(run))
	assert.NotEmpty(t, run.ID)

	runs, err := s.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "backup", runs[0].Command)
	assert.Equal(t, 1, runs[0].Degraded)
}
