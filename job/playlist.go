package job

import (
	"sort"
	"time"

	"github.com/fetchkit/fetchd/errors"
)

// EntryStatus is the derived display state of one collection entry
type EntryStatus string

const (
	EntryPending      EntryStatus = "pending"
	EntryActive       EntryStatus = "active"
	EntryCompleted    EntryStatus = "completed"
	EntryFailed       EntryStatus = "failed"
	EntryPendingRetry EntryStatus = "pending_retry"
)

// EntryError records the most recent failure for one entry index
type EntryError struct {
	Index   int       `json:"index"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
	Attempt int       `json:"attempt"`
}

// PlaylistEntry is one item within a collection job. Status is derived from
// the summary's index sets on every read, never stored independently.
type PlaylistEntry struct {
	Index    int               `json:"index"` // 1-based, stable identity
	ID       string            `json:"id,omitempty"`
	URL      string            `json:"url,omitempty"`
	Status   EntryStatus       `json:"status"`
	Preview  string            `json:"preview,omitempty"`
	Progress *ProgressSnapshot `json:"progress,omitempty"`
	MainFile string            `json:"main_file,omitempty"`
	Error    *EntryError       `json:"error,omitempty"`
}

// PlaylistSummary tracks per-entry state for a collection job. The three
// index sets are pairwise disjoint at all times; entry status is recomputed
// from them plus CurrentIndex rather than stored.
type PlaylistSummary struct {
	TotalItems     *int    `json:"total_items,omitempty"` // nil until the engine reports a count
	CompletedItems int     `json:"completed_items"`
	PendingItems   int     `json:"pending_items"`
	Percent        float64 `json:"percent"`

	CurrentIndex   *int   `json:"current_index,omitempty"`
	CurrentEntryID string `json:"current_entry_id,omitempty"`

	// Entries may be a strict subset of the collection; EntriesExternal
	// signals that the full list lives behind the paged entries blob
	Entries         []PlaylistEntry `json:"entries,omitempty"`
	EntriesExternal bool            `json:"entries_external,omitempty"`

	CompletedIndices    []int `json:"completed_indices,omitempty"`
	FailedIndices       []int `json:"failed_indices,omitempty"`
	PendingRetryIndices []int `json:"pending_retry_indices,omitempty"`

	EntryErrors map[int]EntryError `json:"entry_errors,omitempty"`

	// Tri-state flags: nil means not enough signal has arrived yet
	IsCollectingEntries *bool `json:"is_collecting_entries,omitempty"`
	CollectionComplete  *bool `json:"collection_complete,omitempty"`

	// SelectedIndices restricts the run to a user-chosen subset. Empty
	// means all entries.
	SelectedIndices []int `json:"selected_indices,omitempty"`
}

// NewPlaylistSummary returns an empty summary
func NewPlaylistSummary() *PlaylistSummary {
	return &PlaylistSummary{
		EntryErrors: make(map[int]EntryError),
	}
}

func containsIndex(set []int, index int) bool {
	for _, i := range set {
		if i == index {
			return true
		}
	}
	return false
}

func removeIndex(set []int, index int) []int {
	for pos, i := range set {
		if i == index {
			return append(set[:pos], set[pos+1:]...)
		}
	}
	return set
}

func addIndex(set []int, index int) []int {
	if containsIndex(set, index) {
		return set
	}
	set = append(set, index)
	sort.Ints(set)
	return set
}

// MarkActive records which entry the engine is currently working on
func (s *PlaylistSummary) MarkActive(index int, entryID string) {
	s.CurrentIndex = &index
	s.CurrentEntryID = entryID
	// starting work on an entry takes it out of the retry queue
	s.PendingRetryIndices = removeIndex(s.PendingRetryIndices, index)
	s.recount()
}

// MarkCompleted moves an index into the completed set, removing it from the
// other sets to keep them disjoint
func (s *PlaylistSummary) MarkCompleted(index int) {
	s.FailedIndices = removeIndex(s.FailedIndices, index)
	s.PendingRetryIndices = removeIndex(s.PendingRetryIndices, index)
	s.CompletedIndices = addIndex(s.CompletedIndices, index)
	delete(s.EntryErrors, index)
	s.clearCurrent(index)
	s.recount()
}

// MarkFailed moves an index into the failed set and records its error.
// Latest error wins per index.
func (s *PlaylistSummary) MarkFailed(index int, message string, attempt int) {
	s.CompletedIndices = removeIndex(s.CompletedIndices, index)
	s.PendingRetryIndices = removeIndex(s.PendingRetryIndices, index)
	s.FailedIndices = addIndex(s.FailedIndices, index)
	if s.EntryErrors == nil {
		s.EntryErrors = make(map[int]EntryError)
	}
	s.EntryErrors[index] = EntryError{
		Index:   index,
		Message: message,
		At:      time.Now().UTC(),
		Attempt: attempt,
	}
	s.clearCurrent(index)
	s.recount()
}

// RequestRetry validates that every requested index is currently failed and
// moves them into the pending-retry set
func (s *PlaylistSummary) RequestRetry(indices []int) error {
	if len(indices) == 0 {
		return errors.NewInvalidRequestError("no entry indices provided")
	}
	for _, i := range indices {
		if !containsIndex(s.FailedIndices, i) {
			return errors.NewConflictError("entry %d is not failed, cannot retry", i)
		}
	}
	for _, i := range indices {
		s.FailedIndices = removeIndex(s.FailedIndices, i)
		s.PendingRetryIndices = addIndex(s.PendingRetryIndices, i)
	}
	s.recount()
	return nil
}

// Select records a user-chosen entry subset. Indices must be within the
// known total when a total is known.
func (s *PlaylistSummary) Select(indices []int) error {
	if len(indices) == 0 {
		return errors.NewInvalidRequestError("no entry indices selected")
	}
	for _, i := range indices {
		if i < 1 {
			return errors.NewInvalidRequestError("entry index %d out of range", i)
		}
		if s.TotalItems != nil && i > *s.TotalItems {
			return errors.NewInvalidRequestError("entry index %d out of range, collection has %d items", i, *s.TotalItems)
		}
	}
	selected := append([]int(nil), indices...)
	sort.Ints(selected)
	s.SelectedIndices = selected
	s.recount()
	return nil
}

// EntryStatus derives the display status for an index from the index sets
// and the current position
func (s *PlaylistSummary) EntryStatus(index int) EntryStatus {
	switch {
	case s.CurrentIndex != nil && *s.CurrentIndex == index:
		return EntryActive
	case containsIndex(s.CompletedIndices, index):
		return EntryCompleted
	case containsIndex(s.FailedIndices, index):
		return EntryFailed
	case containsIndex(s.PendingRetryIndices, index):
		return EntryPendingRetry
	default:
		return EntryPending
	}
}

// RemainingIndices returns the indices a run should process, in order:
// everything not yet completed, restricted to the selection when one exists
func (s *PlaylistSummary) RemainingIndices() []int {
	if s.TotalItems == nil {
		return nil
	}

	var out []int
	for i := 1; i <= *s.TotalItems; i++ {
		if len(s.SelectedIndices) > 0 && !containsIndex(s.SelectedIndices, i) {
			continue
		}
		if containsIndex(s.CompletedIndices, i) {
			continue
		}
		// a plain failed entry is only re-run when explicitly queued for retry
		if containsIndex(s.FailedIndices, i) && !containsIndex(s.PendingRetryIndices, i) {
			continue
		}
		out = append(out, i)
	}
	return out
}

func (s *PlaylistSummary) clearCurrent(index int) {
	if s.CurrentIndex != nil && *s.CurrentIndex == index {
		s.CurrentIndex = nil
		s.CurrentEntryID = ""
	}
}

// recount refreshes the derived counters. Percent is always recomputable
// from counts and never authoritative.
func (s *PlaylistSummary) recount() {
	s.CompletedItems = len(s.CompletedIndices)

	total := 0
	if s.TotalItems != nil {
		total = *s.TotalItems
	}
	if len(s.SelectedIndices) > 0 {
		total = len(s.SelectedIndices)
	}

	if total > 0 {
		// pending-retry indices sit outside both sets, so they are
		// already counted as pending here
		pending := total - s.CompletedItems - len(s.FailedIndices)
		if pending < 0 {
			pending = 0
		}
		s.PendingItems = pending
		s.Percent = float64(s.CompletedItems) / float64(total) * 100
	} else {
		s.PendingItems = 0
		s.Percent = 0
	}
}

// SetTotal records the collection size once known and refreshes counters
func (s *PlaylistSummary) SetTotal(total int) {
	s.TotalItems = &total
	s.recount()
}

// Clone returns a deep copy of the summary
func (s *PlaylistSummary) Clone() *PlaylistSummary {
	c := *s
	c.TotalItems = clone(s.TotalItems)
	c.CurrentIndex = clone(s.CurrentIndex)
	c.IsCollectingEntries = clone(s.IsCollectingEntries)
	c.CollectionComplete = clone(s.CollectionComplete)
	c.CompletedIndices = append([]int(nil), s.CompletedIndices...)
	c.FailedIndices = append([]int(nil), s.FailedIndices...)
	c.PendingRetryIndices = append([]int(nil), s.PendingRetryIndices...)
	c.SelectedIndices = append([]int(nil), s.SelectedIndices...)
	if s.EntryErrors != nil {
		c.EntryErrors = make(map[int]EntryError, len(s.EntryErrors))
		for k, v := range s.EntryErrors {
			c.EntryErrors[k] = v
		}
	}
	if s.Entries != nil {
		c.Entries = make([]PlaylistEntry, len(s.Entries))
		for i, e := range s.Entries {
			ce := e
			if e.Progress != nil {
				ce.Progress = e.Progress.Clone()
			}
			if e.Error != nil {
				errCopy := *e.Error
				ce.Error = &errCopy
			}
			c.Entries[i] = ce
		}
	}
	return &c
}
