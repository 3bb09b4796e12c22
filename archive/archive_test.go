package archive

import (
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fetchkit/fetchd/db"
	"github.com/fetchkit/fetchd/errors"
	"github.com/fetchkit/fetchd/job"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return New(database, zap.NewNop().Sugar())
}

func makeTerminalJob(t *testing.T, status job.Status) *job.Job {
	t.Helper()
	j, err := job.New([]string{"https://example.com/v/1"}, job.Options{})
	require.NoError(t, err)
	j.Status = status
	if status == job.StatusFailed {
		j.Error = "engine exited with code 1"
	}
	return j
}

func TestArchiveAndGet(t *testing.T) {
	s := newTestStore(t)

	j := makeTerminalJob(t, job.StatusCompleted)
	j.MainFile = "/data/downloads/video.mp4"
	require.NoError(t, s.Archive(j))

	got, err := s.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, "/data/downloads/video.mp4", got.MainFile)
}

func TestArchiveRejectsLiveJobs(t *testing.T) {
	s := newTestStore(t)

	j := makeTerminalJob(t, job.StatusCompleted)
	j.Status = job.StatusRunning
	require.Error(t, s.Archive(j))
}

func TestArchiveIsIdempotentPerID(t *testing.T) {
	s := newTestStore(t)

	j := makeTerminalJob(t, job.StatusFailed)
	require.NoError(t, s.Archive(j))
	require.NoError(t, s.Archive(j))

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestListNewestFirst(t *testing.T) {
	s := newTestStore(t)

	first := makeTerminalJob(t, job.StatusCompleted)
	second := makeTerminalJob(t, job.StatusFailed)
	require.NoError(t, s.Archive(first))
	require.NoError(t, s.Archive(second))

	list, err := s.List(10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "engine exited with code 1", list[0].Error+list[1].Error)
}

func TestGetUnknownID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("dl_missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestArchiveSurfacesWriteErrors(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	mock.ExpectExec("INSERT OR REPLACE INTO archived_jobs").
		WillReturnError(assert.AnError)

	s := New(database, zap.NewNop().Sugar())
	j := makeTerminalJob(t, job.StatusCancelled)

	err = s.Archive(j)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to archive job")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListSurfacesQueryErrors(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	mock.ExpectQuery("SELECT id, kind, status").
		WillReturnError(assert.AnError)

	s := New(database, zap.NewNop().Sugar())
	_, err = s.List(5)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
