package models

import "time"

// maxReportedFailures bounds SyncResult.Failures.
const maxReportedFailures = 50

// SyncFailure is one picture that could not be synchronized.
type SyncFailure struct {
	Error string  `json:"error"`
	ID    ImageID `json:"id"`
}

// SyncResult summarizes a batch synchronization. Every considered picture
// ends up in exactly one of Processed, Skipped or Errors.
type SyncResult struct {
	RunID      string        `json:"run_id,omitempty"`
	Strategy   string        `json:"strategy"`
	Requested  string        `json:"requested_strategy,omitempty"`
	Failures   []SyncFailure `json:"failures,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	Planned    int           `json:"planned"`
	Considered int           `json:"considered"`
	Processed  int           `json:"processed"`
	Skipped    int           `json:"skipped"`
	Errors     int           `json:"errors"`
	Degraded   bool          `json:"degraded"`
	Cancelled  bool          `json:"cancelled"`
	DryRun     bool          `json:"dry_run"`
}

// Balanced reports whether every considered picture was counted once.
func (r *SyncResult) Balanced() bool {
	return r.Processed+r.Skipped+r.Errors == r.Considered
}

// Fail counts id as an error and keeps the reason for the report.
func (r *SyncResult) Fail(id ImageID, err error) {
	r.Errors++
	if len(r.Failures) < maxReportedFailures {
		msg := "unknown error"
		if err != nil {
			msg = err.Error()
		}
		r.Failures = append(r.Failures, SyncFailure{ID: id, Error: msg})
	}
}

// Merge adds the counters of o.
func (r *SyncResult) Merge(o SyncResult) {
	r.Considered += o.Considered
	r.Processed += o.Processed
	r.Skipped += o.Skipped
	r.Errors += o.Errors
	for _, f := range o.Failures {
		if len(r.Failures) >= maxReportedFailures {
			break
		}
		r.Failures = append(r.Failures, f)
	}
}
