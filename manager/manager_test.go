package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fetchkit/fetchd/config"
	"github.com/fetchkit/fetchd/engine"
	"github.com/fetchkit/fetchd/errors"
	"github.com/fetchkit/fetchd/job"
	"github.com/fetchkit/fetchd/store"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// fakeEngine scripts probe and download behavior per test
type fakeEngine struct {
	mu         sync.Mutex
	probeFn    func(url string) (*engine.ProbeResult, error)
	downloadFn func(ctx context.Context, req engine.Request, emit engine.EmitFunc) error
	calls      []engine.Request
}

func (f *fakeEngine) Probe(ctx context.Context, url string, opts job.Options) (*engine.ProbeResult, error) {
	f.mu.Lock()
	fn := f.probeFn
	f.mu.Unlock()
	if fn != nil {
		return fn(url)
	}
	return &engine.ProbeResult{
		Kind:     job.KindSingle,
		Metadata: job.Metadata{Title: "A Video"},
	}, nil
}

func (f *fakeEngine) Download(ctx context.Context, req engine.Request, emit engine.EmitFunc) error {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fn := f.downloadFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req, emit)
	}
	emit(engine.Event{Type: engine.EventLog, Line: "[download] Destination: out.mp4"})
	emit(engine.Event{Type: engine.EventProgress, Progress: &job.ProgressSnapshot{
		Stage: "download", Percent: job.Ptr(50.0),
	}})
	emit(engine.Event{Type: engine.EventProgress, Progress: &job.ProgressSnapshot{
		Stage: "download", Percent: job.Ptr(100.0),
	}})
	emit(engine.Event{Type: engine.EventFile, Path: "/out/out.mp4", Role: engine.FileMain})
	return nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func collectionProbe(n int) func(string) (*engine.ProbeResult, error) {
	return func(string) (*engine.ProbeResult, error) {
		entries := make([]job.PlaylistEntry, 0, n)
		for i := 1; i <= n; i++ {
			entries = append(entries, job.PlaylistEntry{
				Index:   i,
				ID:      string(rune('a' + i - 1)),
				URL:     "https://example.com/v/" + string(rune('0'+i)),
				Status:  job.EntryPending,
				Preview: "Entry",
			})
		}
		return &engine.ProbeResult{
			Kind:    job.KindCollection,
			Total:   n,
			Entries: entries,
		}, nil
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server:  config.ServerConfig{Port: 8743},
		Storage: config.StorageConfig{DataDir: t.TempDir()},
		Jobs: config.JobsConfig{
			MaxConcurrent:           2,
			RetentionHours:          168,
			CancelGraceSeconds:      1,
			ProgressEventsPerSecond: 1000,
			LogLines:                100,
		},
		Engine: config.EngineConfig{
			BinaryPath:          "yt-dlp",
			Format:              "bv*+ba/b",
			ConcurrentFragments: 4,
		},
	}
}

func newTestManager(t *testing.T, eng engine.Engine) *Manager {
	t.Helper()
	cfg := testConfig(t)
	return newTestManagerWithConfig(t, eng, cfg)
}

func newTestManagerWithConfig(t *testing.T, eng engine.Engine, cfg *config.Config) *Manager {
	t.Helper()
	logger := zap.NewNop().Sugar()
	st, err := store.New(cfg.Storage.DataDir, logger)
	require.NoError(t, err)

	m := New(cfg, st, nil, eng, NewHookRegistry(logger), NewBus(logger), logger)
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	return m
}

func waitForStatus(t *testing.T, m *Manager, id string, want job.Status) *job.Job {
	t.Helper()
	var got *job.Job
	require.Eventually(t, func() bool {
		j, err := m.Get(id)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, waitFor, tick, "job %s never reached %s (last: %v)", id, want, got)
	return got
}

func TestSingleJobHappyPath(t *testing.T) {
	eng := &fakeEngine{}
	m := newTestManager(t, eng)

	sub := m.Bus().Subscribe("")
	defer m.Bus().Unsubscribe(sub)

	j, err := m.Create([]string{"https://example.com/v/1"}, job.Options{})
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, j.Status)

	done := waitForStatus(t, m, j.ID, job.StatusCompleted)
	assert.Empty(t, done.Error, "error stays empty through the happy path")
	assert.Equal(t, job.KindSingle, done.Kind)
	assert.Equal(t, "A Video", done.Metadata.Title)
	assert.Equal(t, "/out/out.mp4", done.MainFile)
	require.NotNil(t, done.Progress)
	require.NotNil(t, done.Progress.Percent)
	assert.Equal(t, 100.0, *done.Progress.Percent)

	// status events arrive in lifecycle order
	var statuses []job.Status
	deadline := time.After(time.Second)
	for len(statuses) < 4 {
		select {
		case ev := <-sub.Events():
			if ev.Type == EventStatus {
				statuses = append(statuses, ev.Payload.(StatusPayload).Status)
			}
		case <-deadline:
			t.Fatalf("status events incomplete: %v", statuses)
		}
	}
	assert.Equal(t, []job.Status{
		job.StatusQueued, job.StatusStarting, job.StatusRunning, job.StatusCompleted,
	}, statuses)
}

func TestCollectionWithFailingEntries(t *testing.T) {
	eng := &fakeEngine{probeFn: collectionProbe(5)}

	var mu sync.Mutex
	failing := map[int]bool{2: true, 4: true}
	eng.downloadFn = func(ctx context.Context, req engine.Request, emit engine.EmitFunc) error {
		mu.Lock()
		fail := failing[req.EntryIndex]
		mu.Unlock()
		if fail {
			return errors.New("HTTP 403")
		}
		emit(engine.Event{Type: engine.EventProgress, Progress: &job.ProgressSnapshot{
			Stage: "download", Percent: job.Ptr(100.0),
		}})
		return nil
	}

	m := newTestManager(t, eng)
	j, err := m.Create([]string{"https://example.com/playlist?list=x"}, job.Options{})
	require.NoError(t, err)

	done := waitForStatus(t, m, j.ID, job.StatusCompletedWithErrors)
	require.NotNil(t, done.Collection)
	assert.ElementsMatch(t, []int{2, 4}, done.Collection.FailedIndices)
	assert.ElementsMatch(t, []int{1, 3, 5}, done.Collection.CompletedIndices)
	assert.NotEmpty(t, done.Error)
	assert.Len(t, done.Collection.EntryErrors, 2)

	// let the retried entries succeed this time
	mu.Lock()
	failing = map[int]bool{}
	mu.Unlock()

	require.NoError(t, m.RetryEntries(j.ID, []int{2, 4}))

	final := waitForStatus(t, m, j.ID, job.StatusCompleted)
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5}, final.Collection.CompletedIndices)
	assert.Empty(t, final.Collection.FailedIndices)
	assert.Empty(t, final.Collection.PendingRetryIndices)
}

func TestRetryEntriesValidation(t *testing.T) {
	eng := &fakeEngine{probeFn: collectionProbe(3)}
	eng.downloadFn = func(ctx context.Context, req engine.Request, emit engine.EmitFunc) error {
		if req.EntryIndex == 2 {
			return errors.New("boom")
		}
		return nil
	}

	m := newTestManager(t, eng)
	j, err := m.Create([]string{"https://example.com/playlist?list=x"}, job.Options{})
	require.NoError(t, err)
	waitForStatus(t, m, j.ID, job.StatusCompletedWithErrors)

	// index 1 completed, not failed
	err = m.RetryEntries(j.ID, []int{1})
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))

	err = m.RetryEntries("dl_missing", []int{1})
	assert.True(t, errors.IsNotFoundError(err))
}

func TestRestartNormalization(t *testing.T) {
	cfg := testConfig(t)
	logger := zap.NewNop().Sugar()
	st, err := store.New(cfg.Storage.DataDir, logger)
	require.NoError(t, err)

	// simulate a crash: a running job persisted, process gone
	crashed, err := job.New([]string{"https://example.com/v/1"}, job.Options{})
	require.NoError(t, err)
	crashed.Status = job.StatusRunning
	paused, err := job.New([]string{"https://example.com/v/2"}, job.Options{})
	require.NoError(t, err)
	paused.Status = job.StatusPaused
	pending, err := job.New([]string{"https://example.com/v/3"}, job.Options{})
	require.NoError(t, err)
	pending.Status = job.StatusSelectionRequired
	require.NoError(t, st.SaveIndex([]*job.Job{crashed, paused, pending}))

	eng := &fakeEngine{}
	m := New(cfg, st, nil, eng, NewHookRegistry(logger), NewBus(logger), logger)
	require.NoError(t, m.Start())
	defer m.Stop()

	got, err := m.Get(crashed.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, job.RestartErrorMessage, got.Error)

	// the engine that held the pause checkpoint died with the process, so
	// resuming is impossible and the job must not come back as paused
	interrupted, err := m.Get(paused.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, interrupted.Status)
	assert.Equal(t, job.RestartErrorMessage, interrupted.Error)

	kept, err := m.Get(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSelectionRequired, kept.Status,
		"selection_required jobs survive restart verbatim")

	// the normalized state was re-persisted
	records, err := st.LoadAll()
	require.NoError(t, err)
	for _, rec := range records {
		if rec.Job.ID == crashed.ID {
			assert.Equal(t, job.StatusFailed, rec.Job.Status)
		}
	}
}

func TestHookVetoNeverReachesRunning(t *testing.T) {
	eng := &fakeEngine{}
	cfg := testConfig(t)
	logger := zap.NewNop().Sugar()
	st, err := store.New(cfg.Storage.DataDir, logger)
	require.NoError(t, err)

	hooks := NewHookRegistry(logger)
	hooks.RegisterPreDownload("quota", func(ctx context.Context, j *job.Job) HookResult {
		return HookResult{Abort: true, Reason: "download quota exceeded"}
	})

	bus := NewBus(logger)
	m := New(cfg, st, nil, eng, hooks, bus, logger)
	require.NoError(t, m.Start())
	defer m.Stop()

	sub := bus.Subscribe("")
	defer bus.Unsubscribe(sub)

	j, err := m.Create([]string{"https://example.com/v/1"}, job.Options{})
	require.NoError(t, err)

	done := waitForStatus(t, m, j.ID, job.StatusFailed)
	assert.Contains(t, done.Error, "download quota exceeded")
	assert.Zero(t, eng.callCount(), "vetoed jobs never start downloading")

	// drain events: running must never have been published
	for {
		select {
		case ev := <-sub.Events():
			if ev.Type == EventStatus {
				assert.NotEqual(t, job.StatusRunning, ev.Payload.(StatusPayload).Status)
			}
			continue
		default:
		}
		break
	}
}

func TestHookAnnotations(t *testing.T) {
	eng := &fakeEngine{}
	cfg := testConfig(t)
	logger := zap.NewNop().Sugar()
	st, err := store.New(cfg.Storage.DataDir, logger)
	require.NoError(t, err)

	hooks := NewHookRegistry(logger)
	hooks.RegisterPreDownload("tagger", func(ctx context.Context, j *job.Job) HookResult {
		return HookResult{Annotations: map[string]string{"source": "tagger"}}
	})

	m := New(cfg, st, nil, eng, hooks, NewBus(logger), logger)
	require.NoError(t, m.Start())
	defer m.Stop()

	j, err := m.Create([]string{"https://example.com/v/1"}, job.Options{})
	require.NoError(t, err)

	done := waitForStatus(t, m, j.ID, job.StatusCompleted)
	assert.Equal(t, "tagger", done.Annotations["source"])
}

func TestConcurrentSelectionExactlyOneWins(t *testing.T) {
	eng := &fakeEngine{probeFn: collectionProbe(5)}
	block := make(chan struct{})
	eng.downloadFn = func(ctx context.Context, req engine.Request, emit engine.EmitFunc) error {
		<-block
		return nil
	}

	m := newTestManager(t, eng)
	j, err := m.Create([]string{"https://example.com/playlist?list=x"},
		job.Options{RequireSelection: true})
	require.NoError(t, err)

	waitForStatus(t, m, j.ID, job.StatusSelectionRequired)

	type result struct {
		accepted []int
		err      error
	}
	results := make(chan result, 2)
	var start sync.WaitGroup
	start.Add(2)
	go func() {
		start.Done()
		start.Wait()
		acc, err := m.SelectEntries(j.ID, []int{1, 2})
		results <- result{acc, err}
	}()
	go func() {
		start.Done()
		start.Wait()
		acc, err := m.SelectEntries(j.ID, []int{4, 5})
		results <- result{acc, err}
	}()

	a, b := <-results, <-results
	winner, loser := a, b
	if a.err != nil {
		winner, loser = b, a
	}

	require.NoError(t, winner.err, "exactly one selection must win")
	require.Error(t, loser.err)
	assert.True(t, errors.IsConflictError(loser.err))
	assert.Equal(t, winner.accepted, loser.accepted,
		"the loser's conflict carries the accepted selection")

	close(block)
	waitForStatus(t, m, j.ID, job.StatusCompleted)
}

func TestPauseResumeSingleJob(t *testing.T) {
	eng := &fakeEngine{}
	proceed := make(chan struct{})
	eng.downloadFn = func(ctx context.Context, req engine.Request, emit engine.EmitFunc) error {
		emit(engine.Event{Type: engine.EventProgress, Progress: &job.ProgressSnapshot{
			Stage: "download", Percent: job.Ptr(10.0),
		}})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-proceed:
			return nil
		}
	}

	m := newTestManager(t, eng)
	j, err := m.Create([]string{"https://example.com/v/1"}, job.Options{})
	require.NoError(t, err)

	waitForStatus(t, m, j.ID, job.StatusRunning)
	require.NoError(t, m.Pause(j.ID))

	paused := waitForStatus(t, m, j.ID, job.StatusPaused)
	require.NotNil(t, paused.Progress, "progress survives the pause")

	// pausing again conflicts
	err = m.Pause(j.ID)
	assert.True(t, errors.IsConflictError(err))

	require.NoError(t, m.Resume(j.ID))
	close(proceed)
	waitForStatus(t, m, j.ID, job.StatusCompleted)
	assert.GreaterOrEqual(t, eng.callCount(), 2, "resume re-invokes the engine")
}

func TestPauseCollectionAtEntryBoundary(t *testing.T) {
	eng := &fakeEngine{probeFn: collectionProbe(3)}
	gate := make(chan struct{}, 3)
	eng.downloadFn = func(ctx context.Context, req engine.Request, emit engine.EmitFunc) error {
		emit(engine.Event{Type: engine.EventProgress, Progress: &job.ProgressSnapshot{
			Stage: "download", Percent: job.Ptr(1.0),
		}})
		<-gate
		return nil
	}

	m := newTestManager(t, eng)
	j, err := m.Create([]string{"https://example.com/playlist?list=x"}, job.Options{})
	require.NoError(t, err)

	waitForStatus(t, m, j.ID, job.StatusRunning)
	require.NoError(t, m.Pause(j.ID))

	// the in-flight entry finishes, then the boundary honors the pause
	gate <- struct{}{}
	paused := waitForStatus(t, m, j.ID, job.StatusPaused)
	assert.Contains(t, paused.Collection.CompletedIndices, 1,
		"the entry that was mid-flight completed before pausing")

	require.NoError(t, m.Resume(j.ID))
	gate <- struct{}{}
	gate <- struct{}{}
	done := waitForStatus(t, m, j.ID, job.StatusCompleted)
	assert.Len(t, done.Collection.CompletedIndices, 3)
	assert.Equal(t, 3, eng.callCount(), "completed entries are not repeated after resume")
}

func TestCancelForceKillsAfterGrace(t *testing.T) {
	eng := &fakeEngine{probeFn: collectionProbe(2)}
	eng.downloadFn = func(ctx context.Context, req engine.Request, emit engine.EmitFunc) error {
		emit(engine.Event{Type: engine.EventProgress, Progress: &job.ProgressSnapshot{
			Stage: "download", Percent: job.Ptr(1.0),
		}})
		// ignores the cooperative signal until the process is killed
		<-ctx.Done()
		return ctx.Err()
	}

	m := newTestManager(t, eng)
	j, err := m.Create([]string{"https://example.com/playlist?list=x"}, job.Options{})
	require.NoError(t, err)

	waitForStatus(t, m, j.ID, job.StatusRunning)
	require.NoError(t, m.Cancel(j.ID, "user clicked stop"))

	done := waitForStatus(t, m, j.ID, job.StatusCancelled)
	assert.Equal(t, "user clicked stop", done.CancelReason)
}

func TestCancelQueuedJobImmediately(t *testing.T) {
	eng := &fakeEngine{}
	block := make(chan struct{})
	eng.downloadFn = func(ctx context.Context, req engine.Request, emit engine.EmitFunc) error {
		<-block
		return nil
	}

	cfg := testConfig(t)
	cfg.Jobs.MaxConcurrent = 1
	m := newTestManagerWithConfig(t, eng, cfg)

	first, err := m.Create([]string{"https://example.com/v/1"}, job.Options{})
	require.NoError(t, err)
	second, err := m.Create([]string{"https://example.com/v/2"}, job.Options{})
	require.NoError(t, err)

	// second job waits behind the single slot
	require.NoError(t, m.Cancel(second.ID, ""))
	got, err := m.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, got.Status)

	close(block)
	waitForStatus(t, m, first.ID, job.StatusCompleted)
}

// A cancel can land while the engine's pause acknowledgement is still in
// flight. The ack must settle the job in cancelled; attempting the paused
// transition would be dropped as illegal and strand the job in cancelling.
func TestPauseAckAfterCancelLandsCancelled(t *testing.T) {
	cfg := testConfig(t)
	logger := zap.NewNop().Sugar()
	st, err := store.New(cfg.Storage.DataDir, logger)
	require.NoError(t, err)
	bus := NewBus(logger)
	m := New(cfg, st, nil, &fakeEngine{}, NewHookRegistry(logger), bus, logger)

	j, err := job.New([]string{"https://example.com/v/1"}, job.Options{})
	require.NoError(t, err)
	j.Status = job.StatusRunning
	m.jobs[j.ID] = j

	require.NoError(t, j.Transition(job.StatusPausing))
	require.NoError(t, j.Transition(job.StatusCancelling))
	j.CancelReason = "user clicked stop"

	sub := bus.Subscribe(j.ID)
	defer bus.Unsubscribe(sub)

	m.handleSlotEvent(slotEvent{kind: slotPaused, jobID: j.ID})

	assert.Equal(t, job.StatusCancelled, j.Status)
	assert.Equal(t, "user clicked stop", j.CancelReason)
	assert.Equal(t, "user clicked stop", j.Error)
	assert.NotNil(t, j.FinishedAt)

	// the published terminal event carries the reason
	select {
	case ev := <-sub.Events():
		require.Equal(t, EventStatus, ev.Type)
		p := ev.Payload.(StatusPayload)
		assert.Equal(t, job.StatusCancelled, p.Status)
		assert.Equal(t, "user clicked stop", p.Error)
	default:
		t.Fatal("no status event published for the cancellation")
	}
}

// Terminal status events must carry the failure summary; publishing before
// the error is recorded leaves subscribers with an empty error field.
func TestCompletedWithErrorsEventCarriesError(t *testing.T) {
	eng := &fakeEngine{probeFn: collectionProbe(2)}
	eng.downloadFn = func(ctx context.Context, req engine.Request, emit engine.EmitFunc) error {
		if req.EntryIndex == 2 {
			return errors.New("HTTP 403")
		}
		return nil
	}

	m := newTestManager(t, eng)
	sub := m.Bus().Subscribe("")
	defer m.Bus().Unsubscribe(sub)

	j, err := m.Create([]string{"https://example.com/playlist?list=x"}, job.Options{})
	require.NoError(t, err)
	waitForStatus(t, m, j.ID, job.StatusCompletedWithErrors)

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Type != EventStatus {
				continue
			}
			p := ev.Payload.(StatusPayload)
			if p.Status != job.StatusCompletedWithErrors {
				continue
			}
			assert.Contains(t, p.Error, "did not complete")
			return
		case <-deadline:
			t.Fatal("completed_with_errors status event never arrived")
		}
	}
}

func TestRetryWholeJob(t *testing.T) {
	eng := &fakeEngine{}
	var mu sync.Mutex
	failNext := true
	eng.downloadFn = func(ctx context.Context, req engine.Request, emit engine.EmitFunc) error {
		mu.Lock()
		fail := failNext
		mu.Unlock()
		if fail {
			return errors.New("network unreachable")
		}
		return nil
	}

	m := newTestManager(t, eng)
	j, err := m.Create([]string{"https://example.com/v/1"}, job.Options{})
	require.NoError(t, err)

	failed := waitForStatus(t, m, j.ID, job.StatusFailed)
	assert.Contains(t, failed.Error, "network unreachable")
	assert.Equal(t, 0, failed.Attempt)

	// retry on a non-terminal job conflicts
	mu.Lock()
	failNext = false
	mu.Unlock()

	require.NoError(t, m.Retry(j.ID))
	done := waitForStatus(t, m, j.ID, job.StatusCompleted)
	assert.Equal(t, 1, done.Attempt)
	assert.Empty(t, done.Error)

	err = m.Retry(j.ID)
	assert.True(t, errors.IsConflictError(err), "completed jobs cannot be retried")
}

func TestDuplicateSubmissionGuard(t *testing.T) {
	eng := &fakeEngine{}
	block := make(chan struct{})
	eng.downloadFn = func(ctx context.Context, req engine.Request, emit engine.EmitFunc) error {
		<-block
		return nil
	}

	m := newTestManager(t, eng)
	_, err := m.Create([]string{"https://example.com/v/1"}, job.Options{})
	require.NoError(t, err)

	_, err = m.Create([]string{"https://example.com/v/1"}, job.Options{})
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))

	close(block)
}

func TestDeleteOnlyTerminalJobs(t *testing.T) {
	eng := &fakeEngine{}
	block := make(chan struct{})
	eng.downloadFn = func(ctx context.Context, req engine.Request, emit engine.EmitFunc) error {
		select {
		case <-block:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m := newTestManager(t, eng)
	j, err := m.Create([]string{"https://example.com/v/1"}, job.Options{})
	require.NoError(t, err)

	waitForStatus(t, m, j.ID, job.StatusRunning)
	err = m.Delete(j.ID)
	assert.True(t, errors.IsConflictError(err))

	close(block)
	waitForStatus(t, m, j.ID, job.StatusCompleted)
	require.NoError(t, m.Delete(j.ID))

	_, err = m.Get(j.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestBoundedConcurrency(t *testing.T) {
	eng := &fakeEngine{}
	var mu sync.Mutex
	active, peak := 0, 0
	eng.downloadFn = func(ctx context.Context, req engine.Request, emit engine.EmitFunc) error {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	}

	cfg := testConfig(t)
	cfg.Jobs.MaxConcurrent = 2
	m := newTestManagerWithConfig(t, eng, cfg)

	var ids []string
	for i := 0; i < 5; i++ {
		j, err := m.Create([]string{"https://example.com/v/" + string(rune('1'+i))}, job.Options{})
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}

	for _, id := range ids {
		waitForStatus(t, m, id, job.StatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2, "pool width is a hard bound")
}

func TestLogsDeltaSync(t *testing.T) {
	eng := &fakeEngine{}
	eng.downloadFn = func(ctx context.Context, req engine.Request, emit engine.EmitFunc) error {
		for _, line := range []string{"line 1", "line 2", "line 3"} {
			emit(engine.Event{Type: engine.EventLog, Line: line})
		}
		return nil
	}

	m := newTestManager(t, eng)
	j, err := m.Create([]string{"https://example.com/v/1"}, job.Options{})
	require.NoError(t, err)
	waitForStatus(t, m, j.ID, job.StatusCompleted)

	full, err := m.LogsSince(j.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, SyncFull, full.Mode)
	require.Len(t, full.Lines, 3)
	version := full.Version

	noop, err := m.LogsSince(j.ID, version)
	require.NoError(t, err)
	assert.Equal(t, SyncNoop, noop.Mode)
	assert.Empty(t, noop.Lines)

	delta, err := m.LogsSince(j.ID, version-2)
	require.NoError(t, err)
	assert.Equal(t, SyncDelta, delta.Mode)
	require.Len(t, delta.Lines, 2)
	assert.Equal(t, "line 2", delta.Lines[0].Line)
	assert.Equal(t, "line 3", delta.Lines[1].Line)
}

func TestOptionsSync(t *testing.T) {
	eng := &fakeEngine{}
	m := newTestManager(t, eng)

	j, err := m.Create([]string{"https://example.com/v/1"}, job.Options{Format: "best"})
	require.NoError(t, err)
	waitForStatus(t, m, j.ID, job.StatusCompleted)

	first, err := m.OptionsSince(j.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, SyncFull, first.Mode)
	assert.Equal(t, uint64(1), first.Version)

	noop, err := m.OptionsSince(j.ID, first.Version)
	require.NoError(t, err)
	assert.Equal(t, SyncNoop, noop.Mode)
}

func TestUpdateOptionsBumpsVersion(t *testing.T) {
	eng := &fakeEngine{}
	block := make(chan struct{})
	eng.downloadFn = func(ctx context.Context, req engine.Request, emit engine.EmitFunc) error {
		<-block
		return nil
	}

	m := newTestManager(t, eng)
	j, err := m.Create([]string{"https://example.com/v/1"}, job.Options{Format: "best"})
	require.NoError(t, err)

	v, err := m.UpdateOptions(j.ID, job.Options{Format: "worst"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	sync, err := m.OptionsSince(j.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, SyncFull, sync.Mode)
	assert.Equal(t, "worst", sync.Options.Format)

	close(block)
}

func TestStats(t *testing.T) {
	eng := &fakeEngine{}
	m := newTestManager(t, eng)

	j, err := m.Create([]string{"https://example.com/v/1"}, job.Options{})
	require.NoError(t, err)
	waitForStatus(t, m, j.ID, job.StatusCompleted)

	stats, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalJobs)
	assert.Equal(t, 1, stats.ByStatus[job.StatusCompleted])
	assert.GreaterOrEqual(t, stats.Width, 1)
}

func TestCommandsOnUnknownJob(t *testing.T) {
	m := newTestManager(t, &fakeEngine{})

	assert.True(t, errors.IsNotFoundError(m.Pause("dl_nope")))
	assert.True(t, errors.IsNotFoundError(m.Resume("dl_nope")))
	assert.True(t, errors.IsNotFoundError(m.Cancel("dl_nope", "")))
	assert.True(t, errors.IsNotFoundError(m.Retry("dl_nope")))
	assert.True(t, errors.IsNotFoundError(m.Delete("dl_nope")))
	_, err := m.Get("dl_nope")
	assert.True(t, errors.IsNotFoundError(err))
	_, err = m.SelectEntries("dl_nope", []int{1})
	assert.True(t, errors.IsNotFoundError(err))
}
