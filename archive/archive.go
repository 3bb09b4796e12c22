// Package archive stores terminal jobs swept out of the live registry by the
// retention policy. Archived jobs are read-only history: they can be listed
// and inspected but never retried or resumed.
package archive

import (
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/fetchkit/fetchd/errors"
	"github.com/fetchkit/fetchd/job"
)

// ArchivedJob is one row of download history
type ArchivedJob struct {
	ID         string     `json:"id"`
	Kind       job.Kind   `json:"kind"`
	Status     job.Status `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	URL        string     `json:"url"`
	Error      string     `json:"error,omitempty"`
	Attempt    int        `json:"attempt"`
	MainFile   string     `json:"main_file,omitempty"`
	ArchivedAt time.Time  `json:"archived_at"`
}

// Store persists archived jobs in SQLite
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// New creates an archive store over an open database
func New(database *sql.DB, logger *zap.SugaredLogger) *Store {
	return &Store{
		db:     database,
		logger: logger.Named("archive"),
	}
}

// Archive inserts a terminal job into the history. Re-archiving the same id
// replaces the previous row.
func (s *Store) Archive(j *job.Job) error {
	if !j.Status.IsTerminal() {
		return errors.Newf("job %s is %s, only terminal jobs can be archived", j.ID, j.Status)
	}

	snapshot, err := json.Marshal(j)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal job %s", j.ID)
	}

	url := ""
	if len(j.URLs) > 0 {
		url = j.URLs[0]
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO archived_jobs
			(id, kind, status, created_at, finished_at, url, error, attempt, main_file, snapshot, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, string(j.Kind), string(j.Status), j.CreatedAt, j.FinishedAt,
		url, j.Error, j.Attempt, j.MainFile, string(snapshot), time.Now().UTC())
	if err != nil {
		return errors.Wrapf(err, "failed to archive job %s", j.ID)
	}

	s.logger.Debugw("Archived job", "job_id", j.ID, "status", j.Status)
	return nil
}

// List returns the most recently archived jobs, newest first
func (s *Store) List(limit int) ([]ArchivedJob, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, kind, status, created_at, finished_at, url, error, attempt, main_file, archived_at
		FROM archived_jobs
		ORDER BY archived_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list archived jobs")
	}
	defer rows.Close()

	var out []ArchivedJob
	for rows.Next() {
		var a ArchivedJob
		if err := rows.Scan(&a.ID, &a.Kind, &a.Status, &a.CreatedAt, &a.FinishedAt,
			&a.URL, &a.Error, &a.Attempt, &a.MainFile, &a.ArchivedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan archived job")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read archived jobs")
	}
	return out, nil
}

// Get returns the full job aggregate for an archived id
func (s *Store) Get(id string) (*job.Job, error) {
	var snapshot string
	err := s.db.QueryRow(`SELECT snapshot FROM archived_jobs WHERE id = ?`, id).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("archived job %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load archived job %s", id)
	}

	var j job.Job
	if err := json.Unmarshal([]byte(snapshot), &j); err != nil {
		return nil, errors.Wrapf(err, "failed to parse snapshot for %s", id)
	}
	return &j, nil
}

// Count returns the number of archived jobs
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM archived_jobs`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count archived jobs")
	}
	return n, nil
}
