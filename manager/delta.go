package manager

import (
	"github.com/fetchkit/fetchd/job"
)

// SyncMode tells a subscriber how to interpret a since-V response
type SyncMode string

const (
	// SyncNoop means the substructure has not changed since the requested
	// version
	SyncNoop SyncMode = "noop"
	// SyncDelta carries only the change since the requested version
	SyncDelta SyncMode = "delta"
	// SyncFull carries the whole substructure; sent on first sync or when
	// no efficient delta exists
	SyncFull SyncMode = "full"
)

// OptionsSync is the since-V response for the options substructure
type OptionsSync struct {
	Version uint64      `json:"version"`
	Mode    SyncMode    `json:"mode"`
	Options job.Options `json:"options,omitempty"`
}

// LogsSync is the since-V response for the logs substructure
type LogsSync struct {
	Version uint64        `json:"version"`
	Mode    SyncMode      `json:"mode"`
	Lines   []job.LogLine `json:"lines,omitempty"`
}

// EntriesSync is the since-V response for the playlist entries substructure
type EntriesSync struct {
	Version uint64              `json:"version"`
	Mode    SyncMode            `json:"mode"`
	Entries []job.PlaylistEntry `json:"entries,omitempty"`
}

// syncOptions computes the options response for a client at version since.
// Options have no incremental form; anything newer than since is a full
// resend. A client whose cursor is ahead of the current version (stale after
// the server lost a blob across restart) also gets a full resend so its
// cursor snaps back.
func syncOptions(j *job.Job, since uint64) OptionsSync {
	if since == j.Versions.Options && since > 0 {
		return OptionsSync{Version: j.Versions.Options, Mode: SyncNoop}
	}
	return OptionsSync{
		Version: j.Versions.Options,
		Mode:    SyncFull,
		Options: j.Options,
	}
}

// syncLogs computes the logs response. The log is append-only and every line
// carries the version that appended it, so a delta is the lines with
// Seq > since. A client ahead of the ring's oldest retained line falls back
// to a full payload.
func syncLogs(j *job.Job, lines []job.LogLine, since uint64) LogsSync {
	current := j.Versions.Logs
	if since == current {
		return LogsSync{Version: current, Mode: SyncNoop}
	}
	if since == 0 || since > current {
		// a cursor ahead of the server means the server's log counter was
		// reset (lost blob across restart); snap the client back with a
		// full payload rather than answering noop forever
		return LogsSync{Version: current, Mode: SyncFull, Lines: lines}
	}

	// the ring may have evicted the line right after since; if so the gap
	// is not reconstructible and the client needs everything
	if len(lines) > 0 && lines[0].Seq > since+1 {
		return LogsSync{Version: current, Mode: SyncFull, Lines: lines}
	}

	var delta []job.LogLine
	for _, l := range lines {
		if l.Seq > since {
			delta = append(delta, l)
		}
	}
	return LogsSync{Version: current, Mode: SyncDelta, Lines: delta}
}

// syncEntries computes the entries response. Entry lists are replaced
// wholesale on collection updates, so the choices are noop or full.
func syncEntries(j *job.Job, since uint64) EntriesSync {
	current := j.Versions.Entries
	if since == current && since > 0 {
		return EntriesSync{Version: current, Mode: SyncNoop}
	}

	var entries []job.PlaylistEntry
	if j.Collection != nil {
		entries = make([]job.PlaylistEntry, len(j.Collection.Entries))
		copy(entries, j.Collection.Entries)
		// derive the display status at read time
		for i := range entries {
			entries[i].Status = j.Collection.EntryStatus(entries[i].Index)
			if e, ok := j.Collection.EntryErrors[entries[i].Index]; ok {
				errCopy := e
				entries[i].Error = &errCopy
			}
		}
	}
	return EntriesSync{Version: current, Mode: SyncFull, Entries: entries}
}
