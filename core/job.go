package core

import (
	"encoding/json"
	"time"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobNotFound  JobState = "not_found"
)

// Terminal reports whether no further automatic transition happens.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// Job is a unit of fan-out work owned by the queue.
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Recipients []string        `json:"recipients"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempt    int             `json:"attempt"`
	Status     JobState        `json:"status"`

	CreatedAt time.Time       `json:"created_at"`
	StartedAt time.Time       `json:"started_at,omitempty"`
	EndedAt   time.Time       `json:"ended_at,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}
