package job

// ProgressSnapshot is the latest known progress for a job or entry. Numeric
// fields are pointers so that "unknown" is distinguishable from zero; the
// merge rules below rely on that.
type ProgressSnapshot struct {
	Status    string `json:"status,omitempty"`
	Stage     string `json:"stage,omitempty"`
	StageName string `json:"stage_name,omitempty"`

	DownloadedBytes *int64   `json:"downloaded_bytes,omitempty"`
	TotalBytes      *int64   `json:"total_bytes,omitempty"`
	Speed           *float64 `json:"speed,omitempty"`
	ETA             *float64 `json:"eta,omitempty"`
	Percent         *float64 `json:"percent,omitempty"`

	// Stage-scoped fields, reset whenever Stage changes
	StagePercent  *float64 `json:"stage_percent,omitempty"`
	Message       string   `json:"message,omitempty"`
	Postprocessor string   `json:"postprocessor,omitempty"`
	Preprocessor  string   `json:"preprocessor,omitempty"`

	Fragment      *int `json:"fragment,omitempty"`
	FragmentCount *int `json:"fragment_count,omitempty"`
}

// Merge folds a newer snapshot into p. Non-null fields of newer overwrite;
// null fields never erase an existing value. The exception is stage-scoped
// fields: when the stage itself changes, the new stage starts clean.
func (p *ProgressSnapshot) Merge(newer *ProgressSnapshot) {
	if newer == nil {
		return
	}

	if newer.Stage != "" && newer.Stage != p.Stage {
		p.Stage = newer.Stage
		p.StagePercent = nil
		p.Message = ""
		p.StageName = ""
		p.Postprocessor = ""
		p.Preprocessor = ""
	}

	if newer.Status != "" {
		p.Status = newer.Status
	}
	if newer.StageName != "" {
		p.StageName = newer.StageName
	}
	if newer.Message != "" {
		p.Message = newer.Message
	}
	if newer.Postprocessor != "" {
		p.Postprocessor = newer.Postprocessor
	}
	if newer.Preprocessor != "" {
		p.Preprocessor = newer.Preprocessor
	}

	if newer.DownloadedBytes != nil {
		p.DownloadedBytes = clone(newer.DownloadedBytes)
	}
	if newer.TotalBytes != nil {
		p.TotalBytes = clone(newer.TotalBytes)
	}
	if newer.Speed != nil {
		p.Speed = clone(newer.Speed)
	}
	if newer.ETA != nil {
		p.ETA = clone(newer.ETA)
	}
	if newer.Percent != nil {
		p.Percent = clone(newer.Percent)
	}
	if newer.StagePercent != nil {
		p.StagePercent = clone(newer.StagePercent)
	}
	if newer.Fragment != nil {
		p.Fragment = clone(newer.Fragment)
	}
	if newer.FragmentCount != nil {
		p.FragmentCount = clone(newer.FragmentCount)
	}
}

// Clone returns a deep copy of the snapshot
func (p *ProgressSnapshot) Clone() *ProgressSnapshot {
	c := *p
	c.DownloadedBytes = clone(p.DownloadedBytes)
	c.TotalBytes = clone(p.TotalBytes)
	c.Speed = clone(p.Speed)
	c.ETA = clone(p.ETA)
	c.Percent = clone(p.Percent)
	c.StagePercent = clone(p.StagePercent)
	c.Fragment = clone(p.Fragment)
	c.FragmentCount = clone(p.FragmentCount)
	return &c
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Ptr returns a pointer to v. Convenience for building snapshots.
func Ptr[T any](v T) *T {
	return &v
}
