package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/yourusername/fencekit/core"
)

// Hash fields of a job record.
const (
	fieldID         = "id"
	fieldType       = "type"
	fieldRecipients = "recipients"
	fieldPayload    = "payload"
	fieldAttempt    = "attempt"
	fieldStatus     = "status"
	fieldCreatedAt  = "created_at"
	fieldStartedAt  = "started_at"
	fieldEndedAt    = "ended_at"
	fieldResult     = "result"
	fieldError      = "error"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// encodeJob renders every field, including empty ones, so that writing a
// job over an older record leaves nothing stale behind.
func encodeJob(job *core.Job) (map[string]string, error) {
	recipients := job.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	rcpt, err := json.Marshal(recipients)
	if err != nil {
		return nil, fmt.Errorf("encode recipients: %w", err)
	}

	return map[string]string{
		fieldID:         job.ID,
		fieldType:       job.Type,
		fieldRecipients: string(rcpt),
		fieldPayload:    string(job.Payload),
		fieldAttempt:    strconv.Itoa(job.Attempt),
		fieldStatus:     string(job.Status),
		fieldCreatedAt:  formatTime(job.CreatedAt),
		fieldStartedAt:  formatTime(job.StartedAt),
		fieldEndedAt:    formatTime(job.EndedAt),
		fieldResult:     string(job.Result),
		fieldError:      job.Error,
	}, nil
}

func decodeJob(fields map[string]string) (*core.Job, error) {
	job := &core.Job{
		ID:     fields[fieldID],
		Type:   fields[fieldType],
		Status: core.JobState(fields[fieldStatus]),
		Error:  fields[fieldError],
	}

	if v := fields[fieldRecipients]; v != "" {
		if err := json.Unmarshal([]byte(v), &job.Recipients); err != nil {
			return nil, fmt.Errorf("decode recipients: %w", err)
		}
	}
	if v := fields[fieldPayload]; v != "" {
		job.Payload = json.RawMessage(v)
	}
	if v := fields[fieldResult]; v != "" {
		job.Result = json.RawMessage(v)
	}

	attempt, err := strconv.Atoi(fields[fieldAttempt])
	if err != nil {
		return nil, fmt.Errorf("decode attempt: %w", err)
	}
	job.Attempt = attempt

	for name, dst := range map[string]*time.Time{
		fieldCreatedAt: &job.CreatedAt,
		fieldStartedAt: &job.StartedAt,
		fieldEndedAt:   &job.EndedAt,
	} {
		t, err := parseTime(fields[name])
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		*dst = t
	}

	return job, nil
}
