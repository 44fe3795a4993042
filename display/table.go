// Package display renders CLI output: pterm tables and coloured statuses for
// terminals, indented JSON for --json.
package display

import (
	"time"

	"github.com/pterm/pterm"

	"github.com/teranos/calsync/pulse/schedule"
)

// Table prints rows under a bold header.
func Table(header []string, rows [][]string) error {
	data := pterm.TableData{header}
	data = append(data, rows...)
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// Status colours a run or job status.
func Status(status string) string {
	switch status {
	case schedule.RunStatusSuccess, schedule.StatusActive:
		return pterm.FgGreen.Sprint(status)
	case schedule.RunStatusFailed:
		return pterm.FgRed.Sprint(status)
	case schedule.RunStatusRunning:
		return pterm.FgCyan.Sprint(status)
	case schedule.RunStatusPending, schedule.StatusPaused:
		return pterm.FgYellow.Sprint(status)
	default:
		return pterm.FgGray.Sprint(status)
	}
}

// Time formats an optional timestamp in local time, "-" when unset.
func Time(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// Duration formats an optional duration, "-" when unset.
func Duration(d *time.Duration) string {
	if d == nil {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}
