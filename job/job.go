// Package job defines the download job aggregate: its lifecycle state
// machine, progress merging rules, and per-entry tracking for collection
// jobs. The manager package owns all live Job instances; nothing in this
// package performs I/O.
package job

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fetchkit/fetchd/errors"
)

// Kind classifies what a job's URLs resolve to
type Kind string

const (
	KindUnknown    Kind = "unknown"
	KindSingle     Kind = "single"
	KindCollection Kind = "collection"
)

// RestartErrorMessage is recorded on in-flight jobs normalized at startup
const RestartErrorMessage = "interrupted by daemon restart"

// Options is the per-job engine configuration snapshot. It is captured at
// creation, mutable only through an explicit update, and versioned so
// subscribers can sync it incrementally.
type Options struct {
	Format              string  `json:"format,omitempty"`
	OutputDir           string  `json:"output_dir,omitempty"`
	ConcurrentFragments int     `json:"concurrent_fragments,omitempty"`
	RateLimitMBps       float64 `json:"rate_limit_mbps,omitempty"`
	SubtitleLangs       string  `json:"subtitle_langs,omitempty"`
	EmbedMetadata       bool    `json:"embed_metadata,omitempty"`
	ExtraArgs           string  `json:"extra_args,omitempty"`

	// RequireSelection holds a collection in selection_required until the
	// user confirms which entries to download
	RequireSelection bool `json:"require_selection,omitempty"`
}

// Metadata holds descriptive fields extracted by the engine. Each field is
// last-writer-wins on refresh.
type Metadata struct {
	Title     string  `json:"title,omitempty"`
	Thumbnail string  `json:"thumbnail,omitempty"`
	Uploader  string  `json:"uploader,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
}

// Versions carries the monotonic counters for the job's mutable
// substructures. Each counter bumps exactly once per substructure mutation.
type Versions struct {
	Options uint64 `json:"options"`
	Logs    uint64 `json:"logs"`
	Entries uint64 `json:"entries"`
}

// LogLine is one line of engine output attributed to a job
type LogLine struct {
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
	Line string    `json:"line"`
}

// Job is the root aggregate for one download request
type Job struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// URLs is ordered and immutable after creation
	URLs []string `json:"urls"`

	Options  Options  `json:"options"`
	Metadata Metadata `json:"metadata"`

	// Annotations are set by hooks; the job manager merges them in, hooks
	// never write here directly
	Annotations map[string]string `json:"annotations,omitempty"`

	Progress *ProgressSnapshot `json:"progress,omitempty"`

	// Error is non-empty only in failed, completed_with_errors and cancelled
	Error        string `json:"error,omitempty"`
	CancelReason string `json:"cancel_reason,omitempty"`

	// Attempt increments only on explicit retry
	Attempt int `json:"attempt"`

	// Collection is present only when Kind == KindCollection
	Collection *PlaylistSummary `json:"collection,omitempty"`

	GeneratedFiles []string `json:"generated_files,omitempty"`
	PartialFiles   []string `json:"partial_files,omitempty"`
	MainFile       string   `json:"main_file,omitempty"`

	Versions Versions `json:"versions"`
}

// New creates a queued job for the given URLs
func New(urls []string, opts Options) (*Job, error) {
	if len(urls) == 0 {
		return nil, errors.NewInvalidRequestError("no URLs provided")
	}
	for _, u := range urls {
		if strings.TrimSpace(u) == "" {
			return nil, errors.NewInvalidRequestError("empty URL in request")
		}
	}

	return &Job{
		ID:        "dl_" + uuid.New().String(),
		Kind:      KindUnknown,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
		URLs:      append([]string(nil), urls...),
		Options:   opts,
	}, nil
}

// Transition moves the job to target, enforcing the legality graph and the
// bookkeeping attached to each state (timestamps, error clearing).
//
// REQUIRES: caller owns the job (coordinator loop)
func (j *Job) Transition(target Status) error {
	if !j.Status.CanTransition(target) {
		return errors.NewConflictError("job %s is %s, cannot transition to %s", j.ID, j.Status, target)
	}

	now := time.Now().UTC()
	switch target {
	case StatusStarting:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
		// a successful transition out of a failure state clears the record
		j.Error = ""
		j.CancelReason = ""
		j.FinishedAt = nil
	case StatusRetrying:
		j.Attempt++
		j.Error = ""
		j.CancelReason = ""
		j.FinishedAt = nil
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed, StatusCancelled:
		j.FinishedAt = &now
	}

	j.Status = target
	return nil
}

// Fail transitions the job to failed and records the reason
func (j *Job) Fail(reason string) error {
	if err := j.Transition(StatusFailed); err != nil {
		return err
	}
	if reason == "" {
		reason = "unknown error"
	}
	j.Error = reason
	return nil
}

// Normalize applies the restart rule to a job rehydrated from disk. A job
// persisted in an in-flight state has no engine process attached anymore and
// is marked failed. A paused job lost its suspended engine the same way, so
// it is also marked failed rather than offering a resume that cannot pick up
// where it left off; selection_required and queued jobs are preserved
// verbatim. Returns true when the job was changed. Idempotent.
func (j *Job) Normalize() bool {
	if !j.Status.IsInFlight() && j.Status != StatusPaused {
		return false
	}

	now := time.Now().UTC()
	j.Status = StatusFailed
	j.Error = RestartErrorMessage
	j.FinishedAt = &now
	if j.Progress != nil {
		j.Progress.Status = string(StatusFailed)
	}
	return true
}

// AddGeneratedFile appends a produced artifact path, deduplicated
func (j *Job) AddGeneratedFile(path string) {
	for _, p := range j.GeneratedFiles {
		if p == path {
			return
		}
	}
	j.GeneratedFiles = append(j.GeneratedFiles, path)
}

// AddPartialFile records an in-progress artifact path, deduplicated
func (j *Job) AddPartialFile(path string) {
	for _, p := range j.PartialFiles {
		if p == path {
			return
		}
	}
	j.PartialFiles = append(j.PartialFiles, path)
}

// EnsureCollection promotes the job to a collection kind and returns its
// summary, allocating it on first use
func (j *Job) EnsureCollection() *PlaylistSummary {
	j.Kind = KindCollection
	if j.Collection == nil {
		j.Collection = NewPlaylistSummary()
	}
	return j.Collection
}

// Clone returns a deep copy safe to hand to subscribers and encoders while
// the coordinator keeps mutating the original
func (j *Job) Clone() *Job {
	c := *j
	c.URLs = append([]string(nil), j.URLs...)
	if j.Annotations != nil {
		c.Annotations = make(map[string]string, len(j.Annotations))
		for k, v := range j.Annotations {
			c.Annotations[k] = v
		}
	}
	c.GeneratedFiles = append([]string(nil), j.GeneratedFiles...)
	c.PartialFiles = append([]string(nil), j.PartialFiles...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.Progress != nil {
		c.Progress = j.Progress.Clone()
	}
	if j.Collection != nil {
		c.Collection = j.Collection.Clone()
	}
	return &c
}
