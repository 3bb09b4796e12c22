// Package engine defines the contract between the job manager and the
// external extraction/download engine. The engine is a black box that emits
// structured events; anything it prints in another shape is translated at
// this boundary and never leaks untyped into the job model.
package engine

import (
	"context"

	"github.com/fetchkit/fetchd/job"
)

// EventType discriminates the Event union
type EventType string

const (
	// EventMetadata carries extracted descriptive fields
	EventMetadata EventType = "metadata"
	// EventProgress carries a partial progress snapshot to merge
	EventProgress EventType = "progress"
	// EventFile reports an output artifact path
	EventFile EventType = "file"
	// EventLog carries one raw engine output line
	EventLog EventType = "log"
	// EventError carries a non-fatal engine error line
	EventError EventType = "error"
)

// FileRole classifies an EventFile artifact
type FileRole string

const (
	FilePartial FileRole = "partial"
	FileMain    FileRole = "main"
	FileExtra   FileRole = "extra"
)

// Event is one translated engine callback. Exactly the fields implied by
// Type are populated.
type Event struct {
	Type EventType

	Metadata *job.Metadata
	Progress *job.ProgressSnapshot

	Path string
	Role FileRole

	Line string
	Err  string
}

// Request describes one engine invocation: a single item, or one entry of a
// collection run
type Request struct {
	JobID     string
	URL       string
	OutputDir string
	Options   job.Options

	// EntryIndex is the 1-based collection index, 0 for single items
	EntryIndex int
}

// ProbeResult is what a URL resolves to before any download starts
type ProbeResult struct {
	Kind     job.Kind
	Metadata job.Metadata

	// Collection fields, populated when Kind == KindCollection
	Total   int
	Entries []job.PlaylistEntry
}

// EmitFunc receives translated events. Implementations are called from the
// engine's reader goroutines and must not block.
type EmitFunc func(Event)

// Engine runs extraction and download work as cancellable invocations.
// Cancelling the context terminates the underlying process.
type Engine interface {
	// Probe resolves what the URL is without downloading anything
	Probe(ctx context.Context, url string, opts job.Options) (*ProbeResult, error)

	// Download runs one item to completion. A nil return means the item
	// finished; ctx cancellation surfaces as an error.
	Download(ctx context.Context, req Request, emit EmitFunc) error
}
