package manager

import (
	"sort"
	"strings"
	"time"

	"github.com/fetchkit/fetchd/errors"
	"github.com/fetchkit/fetchd/job"
)

// Stats summarizes the live registry
type Stats struct {
	TotalJobs   int                `json:"total_jobs"`
	ByStatus    map[job.Status]int `json:"by_status"`
	ActiveSlots int                `json:"active_slots"`
	Width       int                `json:"width"`
	QueueDepth  int                `json:"queue_depth"`
	Subscribers int                `json:"subscribers"`
}

// Bus exposes the event bus for subscription
func (m *Manager) Bus() *Bus {
	return m.bus
}

// Create validates and registers a new job. Multiple URLs become a
// collection immediately; a single URL is probed at dispatch time.
func (m *Manager) Create(urls []string, opts job.Options) (*job.Job, error) {
	m.applyOptionDefaults(&opts)

	j, err := job.New(urls, opts)
	if err != nil {
		return nil, err
	}
	j.Versions.Options = 1

	if len(urls) > 1 {
		col := j.EnsureCollection()
		col.Entries = make([]job.PlaylistEntry, 0, len(urls))
		for i, u := range urls {
			col.Entries = append(col.Entries, job.PlaylistEntry{
				Index:   i + 1,
				URL:     u,
				Status:  job.EntryPending,
				Preview: u,
			})
		}
		col.SetTotal(len(urls))
		col.IsCollectingEntries = job.Ptr(false)
		col.CollectionComplete = job.Ptr(true)
		j.Versions.Entries = 1
	}

	var cmdErr error
	var created *job.Job
	err = m.exec(func() {
		if dup := m.findActiveDuplicate(urls); dup != nil {
			cmdErr = errors.NewConflictError("an active job for this URL already exists: %s", dup.ID)
			return
		}

		m.jobs[j.ID] = j
		m.queue = append(m.queue, j.ID)

		m.persistOptions(j)
		m.persistEntries(j)
		m.persistIndex()
		m.publishStatus(j)
		m.dispatch()

		created = j.Clone()
	})
	if err != nil {
		return nil, err
	}
	if cmdErr != nil {
		return nil, cmdErr
	}
	return created, nil
}

// findActiveDuplicate returns a live non-terminal job with the same URL set
func (m *Manager) findActiveDuplicate(urls []string) *job.Job {
	key := urlKey(urls)
	for _, j := range m.jobs {
		if !j.Status.IsTerminal() && urlKey(j.URLs) == key {
			return j
		}
	}
	return nil
}

func urlKey(urls []string) string {
	sorted := make([]string, len(urls))
	for i, u := range urls {
		sorted[i] = strings.TrimSpace(u)
	}
	sort.Strings(sorted)
	return strings.Join(sorted, "\n")
}

func (m *Manager) applyOptionDefaults(opts *job.Options) {
	if opts.Format == "" {
		opts.Format = m.cfg.Engine.Format
	}
	if opts.ConcurrentFragments == 0 {
		opts.ConcurrentFragments = m.cfg.Engine.ConcurrentFragments
	}
	if opts.RateLimitMBps == 0 {
		opts.RateLimitMBps = m.cfg.Engine.RateLimitMBps
	}
	if m.cfg.Engine.ExtraArgs != "" {
		if opts.ExtraArgs == "" {
			opts.ExtraArgs = m.cfg.Engine.ExtraArgs
		} else {
			opts.ExtraArgs = m.cfg.Engine.ExtraArgs + " " + opts.ExtraArgs
		}
	}
}

// Get returns a clone of one job
func (m *Manager) Get(id string) (*job.Job, error) {
	var out *job.Job
	var cmdErr error
	if err := m.exec(func() {
		j, ok := m.jobs[id]
		if !ok {
			cmdErr = errors.NewNotFoundError("job %s not found", id)
			return
		}
		out = j.Clone()
	}); err != nil {
		return nil, err
	}
	return out, cmdErr
}

// List returns clones of all jobs, oldest first, optionally filtered by
// status
func (m *Manager) List(filter job.Status) ([]*job.Job, error) {
	var out []*job.Job
	if err := m.exec(func() {
		for _, j := range m.jobs {
			if filter != "" && j.Status != filter {
				continue
			}
			out = append(out, j.Clone())
		}
		sort.Slice(out, func(a, b int) bool {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		})
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// Pause requests cooperative suspension of a running job. The job reaches
// paused only once the engine acknowledges the checkpoint.
func (m *Manager) Pause(id string) error {
	var cmdErr error
	if err := m.exec(func() {
		j, ok := m.jobs[id]
		if !ok {
			cmdErr = errors.NewNotFoundError("job %s not found", id)
			return
		}
		if j.Status != job.StatusRunning {
			cmdErr = errors.NewConflictError("job %s is %s, only running jobs can be paused", id, j.Status)
			return
		}

		m.transition(j, job.StatusPausing)

		s, ok := m.slots[id]
		if !ok {
			// no engine attached, acknowledge immediately
			m.transition(j, job.StatusPaused)
			m.persistIndex()
			return
		}

		s.pause.Store(true)
		if j.Kind != job.KindCollection {
			// single items have no entry boundary; stop the process and
			// rely on partial-file continuation at resume
			s.cancel()
		}
		m.persistIndex()
	}); err != nil {
		return err
	}
	return cmdErr
}

// Resume re-queues a paused job. Completed collection entries are retained,
// so no work repeats.
func (m *Manager) Resume(id string) error {
	var cmdErr error
	if err := m.exec(func() {
		j, ok := m.jobs[id]
		if !ok {
			cmdErr = errors.NewNotFoundError("job %s not found", id)
			return
		}
		if j.Status != job.StatusPaused {
			cmdErr = errors.NewConflictError("job %s is %s, only paused jobs can be resumed", id, j.Status)
			return
		}

		m.transition(j, job.StatusStarting)
		m.queue = append(m.queue, id)
		m.persistIndex()
		m.dispatch()
	}); err != nil {
		return err
	}
	return cmdErr
}

// Cancel stops a job. Cooperative first; after the grace period the engine
// process is force-terminated and the job still lands in cancelled.
func (m *Manager) Cancel(id, reason string) error {
	if reason == "" {
		reason = "cancelled by user"
	}

	var cmdErr error
	if err := m.exec(func() {
		j, ok := m.jobs[id]
		if !ok {
			cmdErr = errors.NewNotFoundError("job %s not found", id)
			return
		}
		if j.Status.IsTerminal() {
			cmdErr = errors.NewConflictError("job %s is already %s", id, j.Status)
			return
		}

		switch j.Status {
		case job.StatusQueued, job.StatusSelectionRequired:
			// no engine attached (a probe may be, kill it quietly)
			if s, ok := m.slots[id]; ok {
				s.abort.Store(true)
				s.cancel()
			}
			j.CancelReason = reason
			m.settleCancelled(j)

		case job.StatusPaused:
			j.CancelReason = reason
			m.transition(j, job.StatusCancelling)
			m.settleCancelled(j)

		default: // starting, running, pausing
			j.CancelReason = reason
			m.transition(j, job.StatusCancelling)
			s, ok := m.slots[id]
			if !ok {
				m.settleCancelled(j)
				break
			}
			s.abort.Store(true)
			if j.Kind != job.KindCollection {
				// no safe checkpoint mid-item
				s.cancel()
				break
			}
			// collections get until the entry boundary, then force
			grace := time.Duration(m.cfg.Jobs.CancelGraceSeconds) * time.Second
			if grace <= 0 {
				s.cancel()
				break
			}
			m.graceTimers[id] = time.AfterFunc(grace, s.cancel)
		}
		m.persistIndex()
	}); err != nil {
		return err
	}
	return cmdErr
}

// Retry re-runs a failed, cancelled or completed-with-errors job. The
// attempt counter increments; failed collection entries are re-queued.
func (m *Manager) Retry(id string) error {
	var cmdErr error
	if err := m.exec(func() {
		j, ok := m.jobs[id]
		if !ok {
			cmdErr = errors.NewNotFoundError("job %s not found", id)
			return
		}
		if !j.Status.CanRetry() {
			cmdErr = errors.NewConflictError("job %s is %s, cannot retry", id, j.Status)
			return
		}

		m.transition(j, job.StatusRetrying)
		j.Progress = nil
		j.CancelReason = ""

		if col := j.Collection; col != nil && len(col.FailedIndices) > 0 {
			failed := append([]int(nil), col.FailedIndices...)
			if err := col.RequestRetry(failed); err != nil {
				m.logger.Warnw("Could not re-queue failed entries", "job_id", id, "error", err)
			}
			m.publishSummary(j)
		}

		m.transition(j, job.StatusStarting)
		m.queue = append(m.queue, id)
		m.persistIndex()
		m.dispatch()
	}); err != nil {
		return err
	}
	return cmdErr
}

// RetryEntries re-queues specific failed collection entries. A terminal job
// returns to starting; a live job picks the entries up in its next run.
func (m *Manager) RetryEntries(id string, indices []int) error {
	var cmdErr error
	if err := m.exec(func() {
		j, ok := m.jobs[id]
		if !ok {
			cmdErr = errors.NewNotFoundError("job %s not found", id)
			return
		}
		col := j.Collection
		if col == nil {
			cmdErr = errors.NewInvalidRequestError("job %s is not a collection", id)
			return
		}
		if j.Status == job.StatusCancelled || j.Status == job.StatusCompleted {
			cmdErr = errors.NewConflictError("job %s is %s, retry the job instead", id, j.Status)
			return
		}

		if err := col.RequestRetry(indices); err != nil {
			cmdErr = err
			return
		}

		for _, idx := range indices {
			m.publishEntry(j, idx)
		}
		m.publishSummary(j)

		if j.Status.IsTerminal() {
			m.transition(j, job.StatusStarting)
			m.queue = append(m.queue, id)
			m.dispatch()
		}
		m.persistIndex()
	}); err != nil {
		return err
	}
	return cmdErr
}

// Delete removes a terminal job from the live registry, archiving it when an
// archive store is configured
func (m *Manager) Delete(id string) error {
	var cmdErr error
	if err := m.exec(func() {
		j, ok := m.jobs[id]
		if !ok {
			cmdErr = errors.NewNotFoundError("job %s not found", id)
			return
		}
		if !j.Status.IsTerminal() {
			cmdErr = errors.NewConflictError("job %s is %s, cancel it before deleting", id, j.Status)
			return
		}

		m.removeJob(id, j, "deleted")
		m.persistIndex()
	}); err != nil {
		return err
	}
	return cmdErr
}

// SelectEntries confirms which collection entries to download. When two
// clients race, exactly one wins; the loser's conflict carries the accepted
// selection.
func (m *Manager) SelectEntries(id string, indices []int) ([]int, error) {
	var accepted []int
	var cmdErr error
	if err := m.exec(func() {
		j, ok := m.jobs[id]
		if !ok {
			cmdErr = errors.NewNotFoundError("job %s not found", id)
			return
		}
		col := j.Collection

		if j.Status != job.StatusSelectionRequired {
			if col != nil && len(col.SelectedIndices) > 0 {
				accepted = append([]int(nil), col.SelectedIndices...)
				cmdErr = errors.NewConflictError("selection already accepted for job %s", id)
				return
			}
			cmdErr = errors.NewConflictError("job %s is %s, no selection pending", id, j.Status)
			return
		}
		if col == nil {
			cmdErr = errors.NewConflictError("job %s has no collection metadata", id)
			return
		}

		if err := col.Select(indices); err != nil {
			cmdErr = err
			return
		}

		accepted = append([]int(nil), col.SelectedIndices...)
		m.transition(j, job.StatusStarting)
		m.queue = append(m.queue, id)
		m.publishSummary(j)
		m.persistIndex()
		m.dispatch()
	}); err != nil {
		return nil, err
	}
	return accepted, cmdErr
}

// UpdateOptions replaces a live job's options snapshot and bumps its version
func (m *Manager) UpdateOptions(id string, opts job.Options) (uint64, error) {
	var version uint64
	var cmdErr error
	if err := m.exec(func() {
		j, ok := m.jobs[id]
		if !ok {
			cmdErr = errors.NewNotFoundError("job %s not found", id)
			return
		}
		if j.Status.IsTerminal() {
			cmdErr = errors.NewConflictError("job %s is %s, options are frozen", id, j.Status)
			return
		}

		j.Options = opts
		j.Versions.Options++
		version = j.Versions.Options
		m.persistOptions(j)
		m.persistIndex()
	}); err != nil {
		return 0, err
	}
	return version, cmdErr
}

// OptionsSince answers an incremental options sync for a client at version
// since
func (m *Manager) OptionsSince(id string, since uint64) (OptionsSync, error) {
	var out OptionsSync
	var cmdErr error
	if err := m.exec(func() {
		j, ok := m.jobs[id]
		if !ok {
			cmdErr = errors.NewNotFoundError("job %s not found", id)
			return
		}
		out = syncOptions(j, since)
	}); err != nil {
		return OptionsSync{}, err
	}
	return out, cmdErr
}

// LogsSince answers an incremental logs sync
func (m *Manager) LogsSince(id string, since uint64) (LogsSync, error) {
	var out LogsSync
	var cmdErr error
	if err := m.exec(func() {
		j, ok := m.jobs[id]
		if !ok {
			cmdErr = errors.NewNotFoundError("job %s not found", id)
			return
		}
		lines := make([]job.LogLine, len(m.logs[id]))
		copy(lines, m.logs[id])
		out = syncLogs(j, lines, since)
	}); err != nil {
		return LogsSync{}, err
	}
	return out, cmdErr
}

// EntriesSince answers an incremental playlist entries sync
func (m *Manager) EntriesSince(id string, since uint64) (EntriesSync, error) {
	var out EntriesSync
	var cmdErr error
	if err := m.exec(func() {
		j, ok := m.jobs[id]
		if !ok {
			cmdErr = errors.NewNotFoundError("job %s not found", id)
			return
		}
		out = syncEntries(j, since)
	}); err != nil {
		return EntriesSync{}, err
	}
	return out, cmdErr
}

// Stats returns registry counters
func (m *Manager) Stats() (Stats, error) {
	out := Stats{ByStatus: make(map[job.Status]int)}
	if err := m.exec(func() {
		out.TotalJobs = len(m.jobs)
		out.ActiveSlots = len(m.slots)
		out.Width = m.width
		out.QueueDepth = len(m.queue)
		out.Subscribers = m.bus.SubscriberCount()
		for _, j := range m.jobs {
			out.ByStatus[j.Status]++
		}
	}); err != nil {
		return Stats{}, err
	}
	return out, nil
}
