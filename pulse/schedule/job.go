// Package schedule holds sync job definitions, their runs, and the ticker
// that enqueues one pending run per due job.
package schedule

import (
	"encoding/json"
	"time"

	"github.com/teranos/calsync/errors"
)

// Cadence is the fixed recurrence interval of a job.
type Cadence string

const (
	CadenceEvery15Minutes Cadence = "every_15_minutes"
	CadenceHourly         Cadence = "hourly"
	CadenceDaily          Cadence = "daily"
)

// Cadences lists every valid cadence.
var Cadences = []Cadence{CadenceEvery15Minutes, CadenceHourly, CadenceDaily}

// Interval returns the cadence period, or 0 for an unknown cadence.
func (c Cadence) Interval() time.Duration {
	switch c {
	case CadenceEvery15Minutes:
		return 15 * time.Minute
	case CadenceHourly:
		return time.Hour
	case CadenceDaily:
		return 24 * time.Hour
	}
	return 0
}

// Valid reports whether c is a known cadence.
func (c Cadence) Valid() bool {
	return c.Interval() > 0
}

// ParseCadence validates a cadence name.
func ParseCadence(s string) (Cadence, error) {
	c := Cadence(s)
	if !c.Valid() {
		return "", errors.NewInvalidRequestError("unknown cadence %q (want every_15_minutes, hourly or daily)", s)
	}
	return c, nil
}

// NextRunAfter returns prev (or now, when prev is nil) advanced by whole
// cadence intervals until it is strictly after now. Missed intervals are
// skipped, never replayed: a job that was down for three days advances
// straight to its next future slot.
func NextRunAfter(prev *time.Time, now time.Time, c Cadence) time.Time {
	interval := c.Interval()
	if interval <= 0 {
		panic("schedule: NextRunAfter with invalid cadence " + string(c))
	}

	base := now
	if prev != nil {
		base = *prev
	}
	if base.After(now) {
		return base
	}

	k := now.Sub(base)/interval + 1
	return base.Add(k * interval)
}

// Job status
const (
	StatusActive = "active" // Selected by the ticker when due
	StatusPaused = "paused" // Never selected
)

// Endpoint is one side of a sync: an external resource reached through a linked account.
type Endpoint struct {
	AccountID  string `json:"account_id"`
	ResourceID string `json:"resource_id"`
	Timezone   string `json:"timezone"`
}

// Job is a recurring sync between two endpoints.
type Job struct {
	ID          string          `json:"id"`
	Owner       string          `json:"owner"`
	Source      Endpoint        `json:"source"`
	Destination Endpoint        `json:"destination"`
	Cadence     Cadence         `json:"cadence"`
	Status      string          `json:"status"`
	Config      json.RawMessage `json:"config"`
	LastRunAt   *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time      `json:"next_run_at,omitempty"` // nil until the first enqueue; due immediately
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// AccountIDs returns the distinct accounts the job needs credentials for.
func (j *Job) AccountIDs() []string {
	if j.Source.AccountID == j.Destination.AccountID {
		return []string{j.Source.AccountID}
	}
	return []string{j.Source.AccountID, j.Destination.AccountID}
}
