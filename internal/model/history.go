package model

import "time"

// JobStatus classifies the outcome of one alert evaluation attempt.
type JobStatus string

const (
	JobStatusSuccess JobStatus = "success"
	JobStatusFailure JobStatus = "failure"
	JobStatusWarn    JobStatus = "warn"
	JobStatusSkipped JobStatus = "skipped"
)

// History is the audit record produced for every evaluation attempt of one
// alert. Append-only: the engine writes it, operators read it, nothing in the
// evaluation path reads it back.
type History struct {
	ID            string        `json:"id"`
	AlertID       string        `json:"alert_id"`
	Status        JobStatus     `json:"status"`
	Message       string        `json:"message"`
	ExecutionTime time.Duration `json:"execution_time"`
	CreatedAt     time.Time     `json:"created_at"`
}

// AppendMessage adds a line to the history message and optionally advances the
// job status and execution time.
func (h *History) AppendMessage(msg string, status JobStatus, executionTime time.Duration) {
	if h.Message == "" {
		h.Message = msg
	} else {
		h.Message += "\n" + msg
	}
	if status != "" {
		h.Status = status
	}
	if executionTime > 0 {
		h.ExecutionTime = executionTime
	}
}
