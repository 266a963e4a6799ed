package model

import "time"

// Mode selects how a task walks its remote source.
type Mode string

const (
	// ModeWiki walks a hierarchical page tree starting from one root page id.
	ModeWiki Mode = "wiki"
	// ModeIssues walks an offset-paginated issue search result set.
	ModeIssues Mode = "issues"
)

// Valid reports whether the mode is one of the known traversal modes.
func (m Mode) Valid() bool {
	return m == ModeWiki || m == ModeIssues
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDeleted   Status = "deleted"
)

// Terminal reports whether the status ends the task lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is one crawl/export run. The task engine is the only writer of
// Status and the timestamps.
type Task struct {
	ID           string         `json:"id"`
	Mode         Mode           `json:"mode"`
	Status       Status         `json:"status"`
	Query        string         `json:"query"`
	OutputDir    string         `json:"output_dir"`
	CallbackURL  string         `json:"callback_url,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	StartTime    *time.Time     `json:"start_time,omitempty"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
	TotalItems   int            `json:"total_items"`
	SuccessCount int            `json:"success_count"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Extra        map[string]any `json:"extra_data,omitempty"`
}

// Duration returns the wall-clock time between start and end, or zero if
// the task has not reached a terminal state.
func (t *Task) Duration() time.Duration {
	if t.StartTime == nil || t.EndTime == nil {
		return 0
	}
	return t.EndTime.Sub(*t.StartTime)
}
