// Package manager owns the live job registry and the worker pool. A single
// coordinator loop applies every mutation: commands arrive as tasks on one
// channel, engine callbacks arrive as slot events on another, and both are
// handled strictly one at a time. Slots never touch shared state.
package manager

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fetchkit/fetchd/archive"
	"github.com/fetchkit/fetchd/config"
	"github.com/fetchkit/fetchd/engine"
	"github.com/fetchkit/fetchd/errors"
	"github.com/fetchkit/fetchd/job"
	"github.com/fetchkit/fetchd/store"
)

const (
	// how long Stop waits for occupied slots to wind down
	shutdownTimeout = 30 * time.Second

	sweepInterval = 10 * time.Minute
	flushInterval = 3 * time.Second
)

// task is one command executed on the coordinator loop
type task struct {
	fn   func()
	done chan struct{}
}

// Manager is the download job coordinator
type Manager struct {
	cfg    *config.Config
	store  *store.Store
	arch   *archive.Store // nil disables archiving on sweep
	eng    engine.Engine
	hooks  *HookRegistry
	bus    *Bus
	logger *zap.SugaredLogger

	tasks    chan task
	events   chan slotEvent
	done     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}

	// Everything below is owned by the run loop. No mutex: the loop is the
	// only writer and tasks are the only readers.
	jobs        map[string]*job.Job
	logs        map[string][]job.LogLine
	queue       []string // slot-acquisition FIFO
	slots       map[string]*slot
	width       int
	retention   time.Duration
	limiters    map[string]*rate.Limiter
	graceTimers map[string]*time.Timer
	dirty       map[string]struct{}
}

// New assembles a manager. Call Start to load persisted state and begin
// dispatching.
func New(cfg *config.Config, st *store.Store, arch *archive.Store, eng engine.Engine,
	hooks *HookRegistry, bus *Bus, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		cfg:         cfg,
		store:       st,
		arch:        arch,
		eng:         eng,
		hooks:       hooks,
		bus:         bus,
		logger:      logger.Named("manager"),
		tasks:       make(chan task),
		events:      make(chan slotEvent, 64),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		jobs:        make(map[string]*job.Job),
		logs:        make(map[string][]job.LogLine),
		slots:       make(map[string]*slot),
		limiters:    make(map[string]*rate.Limiter),
		graceTimers: make(map[string]*time.Timer),
		dirty:       make(map[string]struct{}),
	}
}

// Start rehydrates persisted jobs, applies restart normalization, and starts
// the coordinator loop
func (m *Manager) Start() error {
	records, err := m.store.LoadAll()
	if err != nil {
		return errors.Wrap(err, "failed to load persisted jobs")
	}

	normalized := 0
	for _, rec := range records {
		j := rec.Job
		if j.Normalize() {
			normalized++
			m.logger.Warnw("Normalized interrupted job",
				"job_id", j.ID, "status", j.Status)
		}
		m.jobs[j.ID] = j
		m.logs[j.ID] = rec.Logs
	}

	// re-persist so disk matches the normalized registry; a second restart
	// with no activity changes nothing
	if len(records) > 0 {
		m.persistIndex()
	}

	// re-queue jobs that were waiting for a slot, oldest first
	var waiting []*job.Job
	for _, j := range m.jobs {
		if j.Status == job.StatusQueued || j.Status == job.StatusStarting {
			waiting = append(waiting, j)
		}
	}
	sort.Slice(waiting, func(a, b int) bool {
		return waiting[a].CreatedAt.Before(waiting[b].CreatedAt)
	})
	for _, j := range waiting {
		m.queue = append(m.queue, j.ID)
	}

	m.width = safeWorkerCount(m.cfg.Jobs.MaxConcurrent, m.logger)
	m.retention = time.Duration(m.cfg.Jobs.RetentionHours) * time.Hour

	m.logger.Infow("Job manager started",
		"jobs", len(m.jobs),
		"normalized", normalized,
		"queued", len(m.queue),
		"width", m.width)

	go m.run()
	return nil
}

// Stop shuts the coordinator down, waiting up to shutdownTimeout for
// occupied slots
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	<-m.stopped
}

// ApplyConfig adopts the runtime-changeable settings from a reloaded config
func (m *Manager) ApplyConfig(cfg *config.Config) {
	m.exec(func() {
		m.width = safeWorkerCount(cfg.Jobs.MaxConcurrent, m.logger)
		m.retention = time.Duration(cfg.Jobs.RetentionHours) * time.Hour
		m.logger.Infow("Applied configuration",
			"width", m.width, "retention_hours", cfg.Jobs.RetentionHours)
		m.dispatch()
	})
}

// exec runs fn on the coordinator loop and waits for it
func (m *Manager) exec(fn func()) error {
	t := task{fn: fn, done: make(chan struct{})}
	select {
	case m.tasks <- t:
	case <-m.stopped:
		return errors.Wrap(errors.ErrServiceUnavailable, "job manager stopped")
	}
	select {
	case <-t.done:
		return nil
	case <-m.stopped:
		return errors.Wrap(errors.ErrServiceUnavailable, "job manager stopped")
	}
}

func (m *Manager) run() {
	defer close(m.stopped)

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	flush := time.NewTicker(flushInterval)
	defer flush.Stop()

	m.dispatch()

	for {
		select {
		case <-m.done:
			m.shutdown()
			return
		case t := <-m.tasks:
			t.fn()
			close(t.done)
		case ev := <-m.events:
			m.handleSlotEvent(ev)
		case <-sweep.C:
			m.sweepRetention()
		case <-flush.C:
			m.flushDirty()
		}
	}
}

// shutdown signals every occupied slot and waits for them, bounded
func (m *Manager) shutdown() {
	for _, s := range m.slots {
		s.abort.Store(true)
		s.cancel()
	}

	deadline := time.After(shutdownTimeout)
	for id, s := range m.slots {
		select {
		case <-s.done:
		case <-deadline:
			m.logger.Warnw("Slot did not stop in time", "job_id", id)
		}
	}

	for _, t := range m.graceTimers {
		t.Stop()
	}

	m.flushDirty()
	m.persistIndex()
	m.logger.Infow("Job manager stopped")
}

// dispatch fills free slots from the front of the queue
func (m *Manager) dispatch() {
	for len(m.slots) < m.width && len(m.queue) > 0 {
		id := m.queue[0]
		m.queue = m.queue[1:]

		j, ok := m.jobs[id]
		if !ok {
			continue
		}
		if _, busy := m.slots[id]; busy {
			continue
		}
		if j.Status != job.StatusQueued && j.Status != job.StatusStarting {
			continue
		}

		m.startSlot(j)
	}
}

func (m *Manager) startSlot(j *job.Job) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &slot{
		jobID:  j.ID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.slots[j.ID] = s

	deps := slotDeps{
		engine:    m.eng,
		hooks:     m.hooks,
		outputDir: m.outputDirFor(j),
		events:    m.events,
		stopping:  m.done,
	}

	m.logger.Infow("Dispatching job", "job_id", j.ID, "status", j.Status, "attempt", j.Attempt)
	go s.run(ctx, j.Clone(), deps)
}

func (m *Manager) outputDirFor(j *job.Job) string {
	if j.Options.OutputDir != "" {
		return j.Options.OutputDir
	}
	return m.cfg.GetEngineOutputDir()
}

// releaseSlot frees a job's slot and any pending grace timer
func (m *Manager) releaseSlot(jobID string) {
	if s, ok := m.slots[jobID]; ok {
		s.cancel()
		delete(m.slots, jobID)
	}
	if t, ok := m.graceTimers[jobID]; ok {
		t.Stop()
		delete(m.graceTimers, jobID)
	}
}

func (m *Manager) handleSlotEvent(ev slotEvent) {
	j, ok := m.jobs[ev.jobID]
	if !ok {
		// deleted while the slot was winding down
		m.releaseSlot(ev.jobID)
		return
	}

	switch ev.kind {
	case slotEngineEvent:
		m.applyEngineEvent(j, ev.engineEvent)

	case slotProbed:
		m.applyProbe(j, ev.probe)

	case slotSelectionRequired:
		m.releaseSlot(j.ID)
		if err := j.Transition(job.StatusSelectionRequired); err != nil {
			m.logger.Warnw("Ignoring stale selection event", "job_id", j.ID, "error", err)
		} else {
			m.publishStatus(j)
			m.persistIndex()
		}
		m.dispatch()

	case slotStarted:
		m.applyAnnotations(j, ev.annotations)
		if j.Status == job.StatusQueued {
			m.transition(j, job.StatusStarting)
		}

	case slotEntryStart:
		if col := j.Collection; col != nil {
			col.MarkActive(ev.entryIndex, ev.entryID)
			m.publishEntry(j, ev.entryIndex)
			m.publishSummary(j)
			m.markDirty(j.ID)
		}

	case slotEntryDone:
		if col := j.Collection; col != nil {
			col.MarkCompleted(ev.entryIndex)
			m.clearEntryProgress(j, ev.entryIndex)
			m.publishEntry(j, ev.entryIndex)
			m.publishSummary(j)
			m.markDirty(j.ID)
		}

	case slotEntryError:
		if col := j.Collection; col != nil {
			col.MarkFailed(ev.entryIndex, ev.err.Error(), j.Attempt)
			m.clearEntryProgress(j, ev.entryIndex)
			m.publishEntry(j, ev.entryIndex)
			m.publishSummary(j)
			m.bus.Publish(Event{JobID: j.ID, Type: EventError, Payload: ev.err.Error()})
			m.markDirty(j.ID)
		}

	case slotPaused:
		m.releaseSlot(j.ID)
		if j.Status == job.StatusCancelling {
			// a cancel overtook the pause checkpoint; the ack lands the job
			// in cancelled, not paused
			m.settleCancelled(j)
			m.flushJob(j)
		} else {
			m.transition(j, job.StatusPaused)
		}
		m.persistIndex()
		m.dispatch()

	case slotCancelled:
		m.releaseSlot(j.ID)
		if j.Status == job.StatusCancelling {
			m.settleCancelled(j)
		}
		m.flushJob(j)
		m.persistIndex()
		m.dispatch()

	case slotFinished:
		m.finishJob(j, ev)
	}
}

// finishJob lands a slot's final result on the job
func (m *Manager) finishJob(j *job.Job, ev slotEvent) {
	m.releaseSlot(j.ID)
	m.applyAnnotations(j, ev.annotations)

	switch {
	case errors.IsHookAbortError(ev.err):
		// veto: straight to failed, running is never observed
		m.failJob(j, ev.err.Error())

	case ev.err != nil:
		m.failJob(j, ev.err.Error())

	default:
		// the engine can finish without emitting progress (cached files);
		// walk the job into running so the completion transition is legal
		m.ensureRunning(j)

		if err := m.hooks.RunPostprocess(context.Background(), j); err != nil {
			m.failJob(j, err.Error())
			break
		}

		target := job.StatusCompleted
		if col := j.Collection; col != nil &&
			(len(col.FailedIndices) > 0 || len(col.PendingRetryIndices) > 0) {
			// entries queued for retry mid-run also keep the job
			// re-runnable
			target = job.StatusCompletedWithErrors
			unresolved := len(col.FailedIndices) + len(col.PendingRetryIndices)
			total := len(col.CompletedIndices) + unresolved
			// set before the transition so the status event carries it
			j.Error = errors.Newf("%d of %d entries did not complete",
				unresolved, total).Error()
		}
		m.transition(j, target)
		if target == job.StatusCompletedWithErrors {
			m.publishSummary(j)
		}
	}

	m.flushJob(j)
	m.persistIndex()
	m.dispatch()
}

// settleCancelled lands a cancelling job in cancelled, recording the reason
// before the status event is published
func (m *Manager) settleCancelled(j *job.Job) {
	if j.CancelReason == "" {
		j.CancelReason = "cancelled by user"
	}
	j.Error = j.CancelReason
	m.transition(j, job.StatusCancelled)
}

func (m *Manager) failJob(j *job.Job, reason string) {
	if err := j.Fail(reason); err != nil {
		m.logger.Errorw("Could not fail job", "job_id", j.ID, "status", j.Status, "error", err)
		return
	}
	m.publishStatus(j)
	m.bus.Publish(Event{JobID: j.ID, Type: EventError, Payload: reason})
}

// transition applies a legal transition and publishes the status event;
// illegal ones are logged, never applied
func (m *Manager) transition(j *job.Job, target job.Status) {
	if err := j.Transition(target); err != nil {
		m.logger.Warnw("Dropped illegal transition",
			"job_id", j.ID, "from", j.Status, "to", target)
		return
	}
	m.publishStatus(j)
}

// ensureRunning walks a pre-running job into running
func (m *Manager) ensureRunning(j *job.Job) {
	if j.Status == job.StatusQueued {
		m.transition(j, job.StatusStarting)
	}
	if j.Status == job.StatusStarting {
		m.transition(j, job.StatusRunning)
	}
}

func (m *Manager) applyProbe(j *job.Job, probe *engine.ProbeResult) {
	j.Kind = probe.Kind
	mergeMetadata(&j.Metadata, probe.Metadata)

	if probe.Kind == job.KindCollection {
		col := j.EnsureCollection()
		col.Entries = probe.Entries
		col.SetTotal(probe.Total)
		col.IsCollectingEntries = job.Ptr(false)
		col.CollectionComplete = job.Ptr(true)
		j.Versions.Entries++
		m.persistEntries(j)
		m.publishSummary(j)
	}
	m.persistIndex()
}

func (m *Manager) applyEngineEvent(j *job.Job, ee *engine.Event) {
	if ee == nil {
		return
	}

	switch ee.Type {
	case engine.EventLog:
		m.appendLog(j, ee.Line)

	case engine.EventMetadata:
		if ee.Metadata != nil {
			mergeMetadata(&j.Metadata, *ee.Metadata)
			m.markDirty(j.ID)
		}

	case engine.EventProgress:
		m.ensureRunning(j)
		if j.Progress == nil {
			j.Progress = &job.ProgressSnapshot{}
		}
		j.Progress.Merge(ee.Progress)
		m.mergeEntryProgress(j, ee.Progress)
		m.markDirty(j.ID)

		if m.allowProgressEvent(j, ee.Progress) {
			m.bus.Publish(Event{
				JobID:   j.ID,
				Type:    EventProgress,
				Payload: j.Progress.Clone(),
			})
		}

	case engine.EventFile:
		switch ee.Role {
		case engine.FileMain:
			j.MainFile = ee.Path
			j.AddGeneratedFile(ee.Path)
			m.setEntryMainFile(j, ee.Path)
		case engine.FilePartial:
			j.AddPartialFile(ee.Path)
		default:
			j.AddGeneratedFile(ee.Path)
		}
		m.markDirty(j.ID)

	case engine.EventError:
		m.bus.Publish(Event{JobID: j.ID, Type: EventError, Payload: ee.Err})
	}
}

// allowProgressEvent throttles progress fanout per job; completion always
// goes through
func (m *Manager) allowProgressEvent(j *job.Job, p *job.ProgressSnapshot) bool {
	if p != nil && p.Percent != nil && *p.Percent >= 100 {
		return true
	}
	lim, ok := m.limiters[j.ID]
	if !ok {
		per := m.cfg.Jobs.ProgressEventsPerSecond
		if per <= 0 {
			per = 4
		}
		lim = rate.NewLimiter(rate.Limit(per), 1)
		m.limiters[j.ID] = lim
	}
	return lim.Allow()
}

func (m *Manager) appendLog(j *job.Job, line string) {
	j.Versions.Logs++
	entry := job.LogLine{
		Seq:  j.Versions.Logs,
		Time: time.Now().UTC(),
		Line: line,
	}

	lines := append(m.logs[j.ID], entry)
	limit := m.cfg.Jobs.LogLines
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	m.logs[j.ID] = lines
	m.markDirty(j.ID)

	m.bus.Publish(Event{JobID: j.ID, Type: EventLog, Payload: entry})
}

func (m *Manager) applyAnnotations(j *job.Job, annotations map[string]string) {
	if len(annotations) == 0 {
		return
	}
	if j.Annotations == nil {
		j.Annotations = make(map[string]string, len(annotations))
	}
	for k, v := range annotations {
		j.Annotations[k] = v
	}
}

// mergeEntryProgress mirrors job progress onto the active collection entry
func (m *Manager) mergeEntryProgress(j *job.Job, p *job.ProgressSnapshot) {
	col := j.Collection
	if col == nil || col.CurrentIndex == nil {
		return
	}
	for i := range col.Entries {
		if col.Entries[i].Index == *col.CurrentIndex {
			if col.Entries[i].Progress == nil {
				col.Entries[i].Progress = &job.ProgressSnapshot{}
			}
			col.Entries[i].Progress.Merge(p)
			return
		}
	}
}

// clearEntryProgress drops live progress once an entry is resolved
func (m *Manager) clearEntryProgress(j *job.Job, index int) {
	col := j.Collection
	if col == nil {
		return
	}
	for i := range col.Entries {
		if col.Entries[i].Index == index {
			col.Entries[i].Progress = nil
			return
		}
	}
}

func (m *Manager) setEntryMainFile(j *job.Job, path string) {
	col := j.Collection
	if col == nil || col.CurrentIndex == nil {
		return
	}
	for i := range col.Entries {
		if col.Entries[i].Index == *col.CurrentIndex {
			col.Entries[i].MainFile = path
			return
		}
	}
}

func mergeMetadata(dst *job.Metadata, src job.Metadata) {
	if src.Title != "" {
		dst.Title = src.Title
	}
	if src.Thumbnail != "" {
		dst.Thumbnail = src.Thumbnail
	}
	if src.Uploader != "" {
		dst.Uploader = src.Uploader
	}
	if src.Duration != 0 {
		dst.Duration = src.Duration
	}
}

// --- event publication ---

func (m *Manager) publishStatus(j *job.Job) {
	m.bus.Publish(Event{
		JobID: j.ID,
		Type:  EventStatus,
		Payload: StatusPayload{
			Status:   j.Status,
			Error:    j.Error,
			Attempt:  j.Attempt,
			Kind:     j.Kind,
			MainFile: j.MainFile,
		},
	})
}

func (m *Manager) publishSummary(j *job.Job) {
	if j.Collection == nil {
		return
	}
	summary := j.Collection.Clone()
	// entries travel through the paged entries sync, not the summary
	summary.Entries = nil
	summary.EntriesExternal = true
	m.bus.Publish(Event{JobID: j.ID, Type: EventPlaylistSummary, Payload: summary})
}

func (m *Manager) publishEntry(j *job.Job, index int) {
	col := j.Collection
	if col == nil {
		return
	}
	payload := EntryPayload{
		Index:  index,
		Status: col.EntryStatus(index),
	}
	if e, ok := col.EntryErrors[index]; ok {
		errCopy := e
		payload.Error = &errCopy
	}
	m.bus.Publish(Event{JobID: j.ID, Type: EventPlaylistEntry, Payload: payload})
}

// --- persistence ---

// persistIndex snapshots the whole registry. Write failures are logged and
// retried on the next mutation; memory stays authoritative.
func (m *Manager) persistIndex() {
	all := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		all = append(all, j)
	}
	sort.Slice(all, func(a, b int) bool {
		return all[a].CreatedAt.Before(all[b].CreatedAt)
	})
	if err := m.store.SaveIndex(all); err != nil {
		m.logger.Errorw("Failed to persist job index", "error", err)
	}
}

func (m *Manager) persistOptions(j *job.Job) {
	if err := m.store.SaveOptions(j.ID, j.Versions.Options, j.Options); err != nil {
		m.logger.Errorw("Failed to persist options", "job_id", j.ID, "error", err)
	}
}

func (m *Manager) persistLogs(j *job.Job) {
	if err := m.store.SaveLogs(j.ID, j.Versions.Logs, m.logs[j.ID]); err != nil {
		m.logger.Errorw("Failed to persist logs", "job_id", j.ID, "error", err)
	}
}

func (m *Manager) persistEntries(j *job.Job) {
	if j.Collection == nil {
		return
	}
	if err := m.store.SaveEntries(j.ID, j.Versions.Entries, j.Collection.Entries); err != nil {
		m.logger.Errorw("Failed to persist entries", "job_id", j.ID, "error", err)
	}
}

func (m *Manager) markDirty(jobID string) {
	m.dirty[jobID] = struct{}{}
}

// flushDirty persists substructures touched since the last flush
func (m *Manager) flushDirty() {
	if len(m.dirty) == 0 {
		return
	}
	for id := range m.dirty {
		if j, ok := m.jobs[id]; ok {
			m.flushJob(j)
		}
		delete(m.dirty, id)
	}
	m.persistIndex()
}

func (m *Manager) flushJob(j *job.Job) {
	m.persistLogs(j)
	m.persistEntries(j)
	delete(m.dirty, j.ID)
}

// --- retention ---

// sweepRetention archives and removes terminal jobs older than the retention
// window
func (m *Manager) sweepRetention() {
	if m.retention <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-m.retention)

	swept := 0
	for id, j := range m.jobs {
		if !j.Status.IsTerminal() || j.FinishedAt == nil || j.FinishedAt.After(cutoff) {
			continue
		}
		m.removeJob(id, j, "retention")
		swept++
	}
	if swept > 0 {
		m.persistIndex()
		m.logger.Infow("Retention sweep complete", "archived", swept)
	}
}

// removeJob archives (when possible) and drops a job from the registry and
// disk
func (m *Manager) removeJob(id string, j *job.Job, reason string) {
	if m.arch != nil && j.Status.IsTerminal() {
		if err := m.arch.Archive(j); err != nil {
			m.logger.Errorw("Failed to archive job", "job_id", id, "error", err)
		}
	}
	if err := m.store.DeleteJob(id); err != nil {
		m.logger.Errorw("Failed to delete job files", "job_id", id, "error", err)
	}

	delete(m.jobs, id)
	delete(m.logs, id)
	delete(m.limiters, id)
	delete(m.dirty, id)

	for i, qid := range m.queue {
		if qid == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}

	m.logger.Infow("Removed job", "job_id", id, "reason", reason)
}
