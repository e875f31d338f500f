package domain

import (
	"time"
)

// SyncMode identifies what a sync run did.
type SyncMode string

const (
	ModeFull        SyncMode = "full"
	ModeIncremental SyncMode = "incremental"
	ModeRemove      SyncMode = "remove"
)

// Outcome summarizes a finished sync run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
	OutcomeEmpty   Outcome = "empty"
)

// MaxFailureSamples caps the per-record failures kept in a report.
const MaxFailureSamples = 20

// RecordFailure describes why one record was not synchronized.
type RecordFailure struct {
	ID     int64  `json:"id"`
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

// SyncReport is the result of one full load, incremental update or removal.
type SyncReport struct {
	RunID         string          `json:"run_id"`
	Mode          SyncMode        `json:"mode"`
	Since         *time.Time      `json:"since,omitempty"`
	Fetched       int             `json:"fetched"`
	Indexed       int             `json:"indexed"`
	Failed        int             `json:"failed"`
	CacheFailures int             `json:"cache_failures"`
	Published     bool            `json:"published,omitempty"`
	Error         string          `json:"error,omitempty"`
	Failures      []RecordFailure `json:"failures,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`
	Outcome       Outcome         `json:"outcome"`
}

// AddFailure counts a failed record and keeps a bounded sample of reasons.
func (r *SyncReport) AddFailure(id int64, stage string, err error) {
	r.Failed++
	if len(r.Failures) < MaxFailureSamples {
		r.Failures = append(r.Failures, RecordFailure{ID: id, Stage: stage, Reason: err.Error()})
	}
}

// AddCacheFailure counts a record whose cache entry could be neither
// refreshed nor invalidated.
func (r *SyncReport) AddCacheFailure(id int64, err error) {
	r.CacheFailures++
	if len(r.Failures) < MaxFailureSamples {
		r.Failures = append(r.Failures, RecordFailure{ID: id, Stage: "cache", Reason: err.Error()})
	}
}

// Finish stamps the end time and derives the outcome. fatal is the error
// that aborted the run, if any.
func (r *SyncReport) Finish(now time.Time, fatal error) {
	r.FinishedAt = now
	if fatal != nil {
		r.Error = fatal.Error()
	}
	r.Outcome = r.derive(fatal)
}

func (r *SyncReport) derive(fatal error) Outcome {
	switch {
	case fatal != nil:
		return OutcomeFailed
	case r.Fetched == 0:
		return OutcomeEmpty
	case r.Indexed == 0:
		return OutcomeFailed
	case r.Failed > 0 || r.CacheFailures > 0:
		return OutcomePartial
	default:
		return OutcomeSuccess
	}
}

// Clean reports whether the run finished without any failure.
func (r *SyncReport) Clean() bool {
	return r.Outcome == OutcomeSuccess || r.Outcome == OutcomeEmpty
}

// Duration returns the wall time of the run.
func (r *SyncReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
