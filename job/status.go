package job

// Status represents the lifecycle state of a download job
type Status string

const (
	StatusQueued              Status = "queued"
	StatusStarting            Status = "starting"
	StatusRunning             Status = "running"
	StatusSelectionRequired   Status = "selection_required"
	StatusPausing             Status = "pausing"
	StatusPaused              Status = "paused"
	StatusCancelling          Status = "cancelling"
	StatusCancelled           Status = "cancelled"
	StatusRetrying            Status = "retrying"
	StatusFailed              Status = "failed"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
)

// legalTransitions is the authoritative transition graph. A transition not
// listed here is illegal and must be rejected with a conflict.
var legalTransitions = map[Status][]Status{
	StatusQueued: {
		StatusStarting,          // worker slot acquired
		StatusSelectionRequired, // collection metadata needs a user choice first
		StatusFailed,            // pre-download hook veto
		StatusCancelled,         // no engine attached, cancel acknowledges immediately
	},
	StatusSelectionRequired: {
		StatusStarting, // selection received
		StatusFailed,
		StatusCancelled,
	},
	StatusStarting: {
		StatusRunning, // engine confirmed first progress event
		StatusFailed,  // engine spawn failure or hook veto
		StatusCancelling,
	},
	StatusRunning: {
		StatusPausing,
		StatusCancelling,
		StatusFailed,
		StatusCompleted,
		StatusCompletedWithErrors,
	},
	StatusPausing: {
		StatusPaused, // engine acknowledged the checkpoint
		StatusCancelling,
		StatusFailed,
		// the engine may finish the job before reaching a pause checkpoint
		StatusCompleted,
		StatusCompletedWithErrors,
	},
	StatusPaused: {
		StatusStarting, // resume re-enters the slot queue
		StatusCancelling,
		StatusFailed,
	},
	StatusCancelling: {
		StatusCancelled, // acknowledged or force-terminated, either way cancelled
	},
	StatusRetrying: {
		StatusStarting,
		StatusFailed,
	},
	StatusFailed: {
		StatusRetrying,
		StatusStarting, // entry-level retry on a terminal job
	},
	StatusCancelled: {
		StatusRetrying,
	},
	StatusCompleted: {},
	StatusCompletedWithErrors: {
		StatusRetrying,
		StatusStarting, // entry-level retry
	},
}

// IsValid reports whether s is a known status value
func (s Status) IsValid() bool {
	_, ok := legalTransitions[s]
	return ok
}

// IsTerminal reports whether s is a resting state that no engine process is
// attached to. Terminal jobs stay inspectable until deleted; failed,
// cancelled and completed_with_errors can still re-enter via retry.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsInFlight reports whether s implies a live engine process or a pending
// engine acknowledgment. In-flight jobs found on disk at startup cannot be
// resumed in place because their process is gone.
func (s Status) IsInFlight() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusPausing, StatusCancelling, StatusRetrying:
		return true
	}
	return false
}

// CanRetry reports whether a whole-job retry command is legal from s
func (s Status) CanRetry() bool {
	switch s {
	case StatusFailed, StatusCancelled, StatusCompletedWithErrors:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to target is legal
func (s Status) CanTransition(target Status) bool {
	for _, t := range legalTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}
