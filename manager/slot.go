package manager

import (
	"context"
	"sync/atomic"

	"github.com/fetchkit/fetchd/engine"
	"github.com/fetchkit/fetchd/errors"
	"github.com/fetchkit/fetchd/job"
)

type slotEventKind int

const (
	// engine callback translated upstream
	slotEngineEvent slotEventKind = iota
	// probe finished; payload carries what the URL resolved to
	slotProbed
	// collection needs a user selection before downloading
	slotSelectionRequired
	// pre-download hooks passed; download is about to begin
	slotStarted
	// collection entry lifecycle
	slotEntryStart
	slotEntryDone
	slotEntryError
	// cooperative suspension acknowledged
	slotPaused
	// cancellation acknowledged (or force-kill completed)
	slotCancelled
	// invocation finished; err is nil on success
	slotFinished
)

// slotEvent is the only way a slot talks to the coordinator. Slots never
// touch the registry.
type slotEvent struct {
	jobID string
	kind  slotEventKind

	engineEvent *engine.Event
	probe       *engine.ProbeResult
	annotations map[string]string
	entryIndex  int
	entryID     string
	err         error
}

// slot is one occupied unit of the worker pool
type slot struct {
	jobID  string
	cancel context.CancelFunc // kills the engine process

	// cooperative flags, honored at the next safe checkpoint
	pause atomic.Bool
	abort atomic.Bool

	done chan struct{} // closed when run returns
}

type slotDeps struct {
	engine    engine.Engine
	hooks     *HookRegistry
	outputDir string
	events    chan<- slotEvent
	stopping  <-chan struct{}
}

// send delivers an event to the coordinator unless the manager is shutting
// down
func (s *slot) send(deps slotDeps, ev slotEvent) {
	ev.jobID = s.jobID
	select {
	case deps.events <- ev:
	case <-deps.stopping:
	}
}

// interrupted classifies a download error against the slot's cooperative
// flags. Returns the event kind to report, or slotFinished when the error is
// a genuine failure.
func (s *slot) interrupted(ctx context.Context, err error) (slotEventKind, bool) {
	if err == nil {
		return 0, false
	}
	if s.abort.Load() {
		return slotCancelled, true
	}
	if s.pause.Load() {
		return slotPaused, true
	}
	if ctx.Err() != nil {
		// shutdown kill without a user command
		return slotCancelled, true
	}
	return 0, false
}

// run drives one job through probe, hooks and download. snap is a clone
// owned by the slot; the authoritative object stays with the coordinator.
func (s *slot) run(ctx context.Context, snap *job.Job, deps slotDeps) {
	defer close(s.done)

	// Probe when we do not yet know what the URLs are. A collection whose
	// entry blob was lost is re-probed too.
	needProbe := snap.Kind == job.KindUnknown ||
		(snap.Kind == job.KindCollection && snap.Collection != nil && len(snap.Collection.Entries) == 0)

	if needProbe && len(snap.URLs) == 1 {
		probe, err := deps.engine.Probe(ctx, snap.URLs[0], snap.Options)
		if err != nil {
			if kind, ok := s.interrupted(ctx, err); ok {
				s.send(deps, slotEvent{kind: kind})
				return
			}
			s.send(deps, slotEvent{kind: slotFinished, err: errors.Wrap(errors.ErrEngine, err.Error())})
			return
		}

		s.send(deps, slotEvent{kind: slotProbed, probe: probe})

		if probe.Kind == job.KindCollection {
			snap.EnsureCollection()
			snap.Collection.Entries = probe.Entries
			snap.Collection.SetTotal(probe.Total)

			if snap.Options.RequireSelection && len(snap.Collection.SelectedIndices) == 0 {
				s.send(deps, slotEvent{kind: slotSelectionRequired})
				return
			}
		} else {
			snap.Kind = job.KindSingle
		}
	}

	annotations, err := deps.hooks.RunPreDownload(ctx, snap)
	if err != nil {
		// veto: fail without ever reaching running
		s.send(deps, slotEvent{kind: slotFinished, err: err, annotations: annotations})
		return
	}
	s.send(deps, slotEvent{kind: slotStarted, annotations: annotations})

	emit := func(ev engine.Event) {
		evCopy := ev
		s.send(deps, slotEvent{kind: slotEngineEvent, engineEvent: &evCopy})
	}

	if snap.Kind == job.KindCollection && snap.Collection != nil {
		s.runCollection(ctx, snap, deps, emit)
		return
	}

	err = deps.engine.Download(ctx, engine.Request{
		JobID:     snap.ID,
		URL:       snap.URLs[0],
		OutputDir: deps.outputDir,
		Options:   snap.Options,
	}, emit)

	if kind, ok := s.interrupted(ctx, err); ok {
		s.send(deps, slotEvent{kind: kind})
		return
	}
	if err != nil {
		err = errors.Wrap(errors.ErrEngine, err.Error())
	}
	s.send(deps, slotEvent{kind: slotFinished, err: err})
}

// runCollection processes entries sequentially. Pause and cancel are honored
// at entry boundaries; a failing entry is recorded and the run continues.
func (s *slot) runCollection(ctx context.Context, snap *job.Job, deps slotDeps, emit engine.EmitFunc) {
	col := snap.Collection
	entryByIndex := make(map[int]job.PlaylistEntry, len(col.Entries))
	for _, e := range col.Entries {
		entryByIndex[e.Index] = e
	}

	for _, idx := range col.RemainingIndices() {
		// entry boundary is the safe checkpoint
		if s.abort.Load() {
			s.send(deps, slotEvent{kind: slotCancelled})
			return
		}
		if s.pause.Load() {
			s.send(deps, slotEvent{kind: slotPaused})
			return
		}

		entry, ok := entryByIndex[idx]
		if !ok || entry.URL == "" {
			s.send(deps, slotEvent{
				kind:       slotEntryError,
				entryIndex: idx,
				err:        errors.Newf("entry %d has no URL", idx),
			})
			continue
		}

		s.send(deps, slotEvent{kind: slotEntryStart, entryIndex: idx, entryID: entry.ID})

		err := deps.engine.Download(ctx, engine.Request{
			JobID:      snap.ID,
			URL:        entry.URL,
			OutputDir:  deps.outputDir,
			Options:    snap.Options,
			EntryIndex: idx,
		}, emit)

		if kind, ok := s.interrupted(ctx, err); ok {
			s.send(deps, slotEvent{kind: kind})
			return
		}
		if err != nil {
			s.send(deps, slotEvent{kind: slotEntryError, entryIndex: idx, err: err})
			continue
		}
		s.send(deps, slotEvent{kind: slotEntryDone, entryIndex: idx, entryID: entry.ID})
	}

	s.send(deps, slotEvent{kind: slotFinished})
}
