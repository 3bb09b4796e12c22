package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fetchkit/fetchd/job"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	return s
}

func makeJob(t *testing.T, status job.Status) *job.Job {
	t.Helper()
	j, err := job.New([]string{"https://example.com/v/1"}, job.Options{Format: "best"})
	require.NoError(t, err)
	j.Status = status
	return j
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	j := makeJob(t, job.StatusCompleted)
	j.MainFile = "/data/downloads/video.mp4"
	j.Versions.Options = 3

	require.NoError(t, s.SaveIndex([]*job.Job{j}))
	require.NoError(t, s.SaveOptions(j.ID, 3, j.Options))
	require.NoError(t, s.SaveLogs(j.ID, 2, []job.LogLine{
		{Seq: 1, Time: time.Now().UTC(), Line: "[download] Destination: video.mp4"},
	}))

	records, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)

	got := records[0]
	assert.Equal(t, j.ID, got.Job.ID)
	assert.Equal(t, job.StatusCompleted, got.Job.Status)
	assert.Equal(t, "best", got.Job.Options.Format)
	assert.Equal(t, uint64(3), got.Job.Versions.Options)
	assert.Equal(t, uint64(2), got.Job.Versions.Logs)
	require.Len(t, got.Logs, 1)
	assert.Contains(t, got.Logs[0].Line, "Destination")
}

func TestLoadAllFreshDirectory(t *testing.T) {
	s := newTestStore(t)
	records, err := s.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestMissingBlobsDegradeGracefully(t *testing.T) {
	s := newTestStore(t)

	j := makeJob(t, job.StatusFailed)
	col := j.EnsureCollection()
	col.SetTotal(5)
	col.MarkCompleted(1)

	// index only, no blobs on disk
	require.NoError(t, s.SaveIndex([]*job.Job{j}))

	records, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)

	got := records[0]
	assert.Empty(t, got.Logs)
	assert.Empty(t, got.Job.Collection.Entries)
	assert.Contains(t, got.Job.Collection.CompletedIndices, 1,
		"index sets ride in the root snapshot")
}

func TestCorruptBlobDoesNotFailRestore(t *testing.T) {
	s := newTestStore(t)

	j := makeJob(t, job.StatusFailed)
	require.NoError(t, s.SaveIndex([]*job.Job{j}))
	require.NoError(t, s.SaveLogs(j.ID, 1, []job.LogLine{{Seq: 1, Line: "x"}}))

	// truncate the logs blob mid-file
	logsPath := filepath.Join(s.jobDir(j.ID), logsFile)
	require.NoError(t, os.WriteFile(logsPath, []byte(`{"version": 1, "lines": [`), 0644))

	records, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].Logs, "corrupt blob rehydrates as empty")
}

func TestEntriesStrippedFromIndex(t *testing.T) {
	s := newTestStore(t)

	j := makeJob(t, job.StatusRunning)
	col := j.EnsureCollection()
	col.SetTotal(2)
	col.Entries = []job.PlaylistEntry{
		{Index: 1, ID: "a", Preview: "First"},
		{Index: 2, ID: "b", Preview: "Second"},
	}

	require.NoError(t, s.SaveIndex([]*job.Job{j}))
	require.NoError(t, s.SaveEntries(j.ID, 1, col.Entries))

	// the original in-memory job is untouched by snapshotting
	assert.Len(t, j.Collection.Entries, 2)

	records, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Len(t, records[0].Job.Collection.Entries, 2,
		"entries rehydrate from the blob")
	assert.Equal(t, uint64(1), records[0].Job.Versions.Entries)
}

func TestLoadEntriesMissingFile(t *testing.T) {
	s := newTestStore(t)

	blob, err := s.LoadEntries("dl_missing")
	require.NoError(t, err)
	assert.Zero(t, blob.Version)
	assert.Empty(t, blob.Entries)
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	j := makeJob(t, job.StatusQueued)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.SaveIndex([]*job.Job{j}))
	}

	files, err := os.ReadDir(s.root)
	require.NoError(t, err)
	for _, f := range files {
		assert.NotContains(t, f.Name(), ".tmp-", "temp files must not survive a write")
	}
}

func TestDeleteJobRemovesBlobs(t *testing.T) {
	s := newTestStore(t)
	j := makeJob(t, job.StatusCompleted)

	require.NoError(t, s.SaveOptions(j.ID, 1, j.Options))
	require.NoError(t, s.DeleteJob(j.ID))

	_, err := os.Stat(s.jobDir(j.ID))
	assert.True(t, os.IsNotExist(err))

	// deleting a job that was never persisted is a no-op
	require.NoError(t, s.DeleteJob("dl_missing"))
}
