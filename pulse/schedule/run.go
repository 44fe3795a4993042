package schedule

import "time"

// Run status
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusSuccess   = "success"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// IsTerminalRunStatus reports whether a run in this status is finished.
func IsTerminalRunStatus(status string) bool {
	switch status {
	case RunStatusSuccess, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Run is one execution attempt of a job. Seq orders runs by creation.
type Run struct {
	ID              string     `json:"id"`
	Seq             int64      `json:"seq"`
	JobID           string     `json:"job_id"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Message         string     `json:"message"`
	LogLocation     *string    `json:"log_location,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
}

// Duration returns how long the run took, or nil while unfinished.
func (r *Run) Duration() *time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return nil
	}
	d := r.FinishedAt.Sub(*r.StartedAt)
	return &d
}
