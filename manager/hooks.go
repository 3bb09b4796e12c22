package manager

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fetchkit/fetchd/errors"
	"github.com/fetchkit/fetchd/job"
)

// HookResult is what a pre-download hook returns. Hooks never mutate the job
// they receive; the coordinator interprets the result.
type HookResult struct {
	// Abort vetoes the job. The job fails immediately without reaching
	// running.
	Abort  bool
	Reason string

	// Annotations are merged into the job's annotation map
	Annotations map[string]string
}

// PreDownloadHook runs before a job's engine invocation starts. It receives
// a clone of the job.
type PreDownloadHook func(ctx context.Context, j *job.Job) HookResult

// PostprocessHook runs after the engine reports success. A returned error is
// fatal unless the hook was registered best-effort.
type PostprocessHook func(ctx context.Context, j *job.Job) error

type preHook struct {
	name string
	fn   PreDownloadHook
}

type postHook struct {
	name       string
	fn         PostprocessHook
	bestEffort bool
}

// HookRegistry holds the registered lifecycle hooks. Hooks run in
// registration order.
type HookRegistry struct {
	mu   sync.RWMutex
	pre  []preHook
	post []postHook

	logger *zap.SugaredLogger
}

// NewHookRegistry creates an empty registry
func NewHookRegistry(logger *zap.SugaredLogger) *HookRegistry {
	return &HookRegistry{
		logger: logger.Named("hooks"),
	}
}

// RegisterPreDownload registers a pre-download hook. Panics on a duplicate
// name, which is a programming error worth failing fast on.
func (r *HookRegistry) RegisterPreDownload(name string, fn PreDownloadHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.pre {
		if h.name == name {
			panic("pre-download hook already registered: " + name)
		}
	}
	r.pre = append(r.pre, preHook{name: name, fn: fn})
}

// RegisterPostprocess registers a postprocess hook. With bestEffort set, a
// hook failure is logged and does not alter the job's status.
func (r *HookRegistry) RegisterPostprocess(name string, fn PostprocessHook, bestEffort bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.post {
		if h.name == name {
			panic("postprocess hook already registered: " + name)
		}
	}
	r.post = append(r.post, postHook{name: name, fn: fn, bestEffort: bestEffort})
}

// RunPreDownload invokes every pre-download hook against a clone of j. The
// first abort wins; collected annotations are returned for the coordinator
// to apply.
func (r *HookRegistry) RunPreDownload(ctx context.Context, j *job.Job) (map[string]string, error) {
	r.mu.RLock()
	hooks := make([]preHook, len(r.pre))
	copy(hooks, r.pre)
	r.mu.RUnlock()

	var annotations map[string]string
	for _, h := range hooks {
		result := h.fn(ctx, j.Clone())
		if result.Abort {
			reason := result.Reason
			if reason == "" {
				reason = "rejected by hook " + h.name
			}
			return annotations, errors.NewHookAbortError("%s", reason)
		}
		for k, v := range result.Annotations {
			if annotations == nil {
				annotations = make(map[string]string)
			}
			annotations[k] = v
		}
	}
	return annotations, nil
}

// RunPostprocess invokes every postprocess hook against a clone of j.
// Returns the first fatal hook error; best-effort failures are logged only.
func (r *HookRegistry) RunPostprocess(ctx context.Context, j *job.Job) error {
	r.mu.RLock()
	hooks := make([]postHook, len(r.post))
	copy(hooks, r.post)
	r.mu.RUnlock()

	for _, h := range hooks {
		if err := h.fn(ctx, j.Clone()); err != nil {
			if h.bestEffort {
				r.logger.Warnw("Best-effort postprocess hook failed",
					"hook", h.name, "job_id", j.ID, "error", err)
				continue
			}
			return errors.Wrapf(err, "postprocess hook %s failed", h.name)
		}
	}
	return nil
}
