// Package store persists job state to the data directory. The in-memory
// registry stays authoritative; the store is a durable snapshot that survives
// a daemon restart.
//
// Layout under the data root:
//
//	jobs.json                root index, compact snapshot of every job
//	jobs/<id>/options.json   versioned options blob
//	jobs/<id>/logs.json      versioned engine log blob
//	jobs/<id>/entries.json   versioned playlist entries blob
//
// Large substructures live in the per-job blobs so the root index stays small
// even when a job accumulates thousands of log lines or entries.
package store

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/fetchkit/fetchd/errors"
	"github.com/fetchkit/fetchd/job"
)

const (
	indexFile   = "jobs.json"
	jobsDir     = "jobs"
	optionsFile = "options.json"
	logsFile    = "logs.json"
	entriesFile = "entries.json"
)

// OptionsBlob is the on-disk form of a job's options substructure
type OptionsBlob struct {
	Version uint64      `json:"version"`
	Options job.Options `json:"options"`
}

// LogsBlob is the on-disk form of a job's engine log
type LogsBlob struct {
	Version uint64        `json:"version"`
	Lines   []job.LogLine `json:"lines"`
}

// EntriesBlob is the on-disk form of a collection's full entry list
type EntriesBlob struct {
	Version uint64              `json:"version"`
	Entries []job.PlaylistEntry `json:"entries"`
}

// Record is one rehydrated job plus the substructures that are not carried
// on the Job aggregate itself
type Record struct {
	Job  *job.Job
	Logs []job.LogLine
}

// Store reads and writes the on-disk job state
type Store struct {
	root   string
	logger *zap.SugaredLogger

	// index writes are serialized globally; per-job blob writes are
	// serialized per job so independent jobs can persist concurrently
	indexMu sync.Mutex
	jobMu   sync.Mutex
	jobLock map[string]*sync.Mutex
}

// New creates a store rooted at dataDir, creating the directory tree
func New(dataDir string, logger *zap.SugaredLogger) (*Store, error) {
	if dataDir == "" {
		return nil, errors.New("data directory is required")
	}
	if err := os.MkdirAll(filepath.Join(dataDir, jobsDir), 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create data directory %s", dataDir)
	}
	return &Store{
		root:    dataDir,
		logger:  logger.Named("store"),
		jobLock: make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) lockFor(jobID string) *sync.Mutex {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	mu, ok := s.jobLock[jobID]
	if !ok {
		mu = &sync.Mutex{}
		s.jobLock[jobID] = mu
	}
	return mu
}

func (s *Store) jobDir(jobID string) string {
	return filepath.Join(s.root, jobsDir, jobID)
}

// SaveIndex writes the root job index. Entries are stripped from the
// snapshot; they live in the per-job blob.
func (s *Store) SaveIndex(jobs []*job.Job) error {
	snapshots := make([]*job.Job, 0, len(jobs))
	for _, j := range jobs {
		c := j.Clone()
		if c.Collection != nil && len(c.Collection.Entries) > 0 {
			c.Collection.Entries = nil
			c.Collection.EntriesExternal = true
		}
		snapshots = append(snapshots, c)
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	return writeJSON(filepath.Join(s.root, indexFile), snapshots)
}

// SaveOptions persists a job's options blob
func (s *Store) SaveOptions(jobID string, version uint64, opts job.Options) error {
	mu := s.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()
	return writeJSON(filepath.Join(s.jobDir(jobID), optionsFile), OptionsBlob{
		Version: version,
		Options: opts,
	})
}

// SaveLogs persists a job's engine log blob
func (s *Store) SaveLogs(jobID string, version uint64, lines []job.LogLine) error {
	mu := s.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()
	return writeJSON(filepath.Join(s.jobDir(jobID), logsFile), LogsBlob{
		Version: version,
		Lines:   lines,
	})
}

// SaveEntries persists a collection's full entry list
func (s *Store) SaveEntries(jobID string, version uint64, entries []job.PlaylistEntry) error {
	mu := s.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()
	return writeJSON(filepath.Join(s.jobDir(jobID), entriesFile), EntriesBlob{
		Version: version,
		Entries: entries,
	})
}

// LoadEntries reads a collection's entry blob. Returns an empty blob when
// the file does not exist.
func (s *Store) LoadEntries(jobID string) (EntriesBlob, error) {
	var blob EntriesBlob
	err := readJSON(filepath.Join(s.jobDir(jobID), entriesFile), &blob)
	if os.IsNotExist(err) {
		return EntriesBlob{}, nil
	}
	return blob, err
}

// LoadAll rehydrates every job from disk. A missing or unreadable
// substructure blob degrades that job to an empty substructure instead of
// failing the whole restore; a missing index means a fresh data directory.
func (s *Store) LoadAll() ([]Record, error) {
	var snapshots []*job.Job
	err := readJSON(filepath.Join(s.root, indexFile), &snapshots)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load job index")
	}

	records := make([]Record, 0, len(snapshots))
	for _, j := range snapshots {
		if j == nil || j.ID == "" {
			continue
		}
		rec := Record{Job: j}

		var opts OptionsBlob
		if err := readJSON(filepath.Join(s.jobDir(j.ID), optionsFile), &opts); err == nil {
			j.Options = opts.Options
			j.Versions.Options = opts.Version
		} else if !os.IsNotExist(err) {
			s.logger.Warnw("Options blob unreadable, keeping index copy",
				"job_id", j.ID, "error", err)
		}

		var logs LogsBlob
		if err := readJSON(filepath.Join(s.jobDir(j.ID), logsFile), &logs); err == nil {
			rec.Logs = logs.Lines
			j.Versions.Logs = logs.Version
		} else if !os.IsNotExist(err) {
			s.logger.Warnw("Logs blob unreadable, rehydrating without logs",
				"job_id", j.ID, "error", err)
		}

		if j.Collection != nil {
			if entries, err := s.LoadEntries(j.ID); err != nil {
				s.logger.Warnw("Entries blob unreadable, rehydrating without entries",
					"job_id", j.ID, "error", err)
			} else if entries.Version > 0 {
				j.Collection.Entries = entries.Entries
				j.Collection.EntriesExternal = false
				j.Versions.Entries = entries.Version
			}
		}

		records = append(records, rec)
	}
	return records, nil
}

// DeleteJob removes a job's blob directory. The caller is responsible for
// rewriting the index afterwards.
func (s *Store) DeleteJob(jobID string) error {
	mu := s.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()

	if err := os.RemoveAll(s.jobDir(jobID)); err != nil {
		return errors.Wrapf(err, "failed to remove job directory for %s", jobID)
	}

	s.jobMu.Lock()
	delete(s.jobLock, jobID)
	s.jobMu.Unlock()
	return nil
}
