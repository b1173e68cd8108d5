// Package fanout delivers one notification to many recipients as a single
// queue job.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/yourusername/fencekit/core"
	"github.com/yourusername/fencekit/queue"
)

// JobType is the queue job type handled by Handler.
const JobType = "notification"

// Per-recipient delivery states.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
	StatusError  = "error"
)

// ErrUnavailable is returned by a Sender when the delivery channel itself is
// down. It fails the whole attempt so the job is retried.
var ErrUnavailable = errors.New("fanout: sender unavailable")

// Sender delivers a message to one recipient. A false result with a nil
// error is a clean rejection; an error is an unexpected failure.
type Sender interface {
	Send(ctx context.Context, recipient string, message json.RawMessage) (bool, error)
}

// Notification is the job payload.
type Notification struct {
	Recipients []string        `json:"recipients"`
	Message    json.RawMessage `json:"message"`
}

// RecipientResult is the outcome for one recipient.
type RecipientResult struct {
	Recipient string `json:"recipient"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Result is stored with the job after every attempt.
type Result struct {
	JobID               string            `json:"job_id"`
	Attempt             int               `json:"attempt"`
	RecipientsProcessed int               `json:"recipients_processed"`
	RecipientsFailed    int               `json:"recipients_failed"`
	RecipientResults    []RecipientResult `json:"recipient_results"`
}

// NewJob builds a queue job for n. id may be empty.
func NewJob(id string, n Notification) (*core.Job, error) {
	if len(n.Message) == 0 {
		n.Message = json.RawMessage(`{}`)
	}
	payload, err := json.Marshal(n.Message)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return &core.Job{
		ID:         id,
		Type:       JobType,
		Recipients: n.Recipients,
		Payload:    payload,
	}, nil
}

// Handler returns a queue.Handler that sends the job payload to every
// recipient. Individual rejections are recorded in the result and do not
// fail the job. A systemic failure, ErrUnavailable from the sender or the
// job context ending, fails the attempt once every recipient has been
// visited; the partial result is still returned.
func Handler(sender Sender, logger *zap.Logger) queue.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(ctx context.Context, job *core.Job) (json.RawMessage, error) {
		result := Result{
			JobID:            job.ID,
			Attempt:          job.Attempt + 1,
			RecipientResults: make([]RecipientResult, 0, len(job.Recipients)),
		}

		logger.Info("processing notification job",
			zap.String("job_id", job.ID),
			zap.Int("attempt", result.Attempt),
			zap.Int("recipients", len(job.Recipients)),
		)

		var systemic error
		for _, recipient := range job.Recipients {
			rr := RecipientResult{Recipient: recipient}

			if err := ctx.Err(); err != nil {
				rr.Status = StatusError
				rr.Error = err.Error()
				if systemic == nil {
					systemic = err
				}
				result.add(rr)
				continue
			}

			ok, err := sender.Send(ctx, recipient, job.Payload)
			switch {
			case err != nil:
				logger.Error("error sending notification",
					zap.String("job_id", job.ID),
					zap.String("recipient", recipient),
					zap.Error(err),
				)
				rr.Status = StatusError
				rr.Error = err.Error()
				if systemic == nil && (errors.Is(err, ErrUnavailable) || ctx.Err() != nil) {
					systemic = err
				}
			case ok:
				rr.Status = StatusSent
			default:
				rr.Status = StatusFailed
			}
			result.add(rr)
		}

		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}

		if systemic != nil {
			return data, fmt.Errorf("fan-out attempt %d: %w", result.Attempt, systemic)
		}

		logger.Info("completed notification job",
			zap.String("job_id", job.ID),
			zap.Int("sent", result.RecipientsProcessed),
			zap.Int("failed", result.RecipientsFailed),
		)
		return data, nil
	}
}

func (r *Result) add(rr RecipientResult) {
	if rr.Status == StatusSent {
		r.RecipientsProcessed++
	} else {
		r.RecipientsFailed++
	}
	r.RecipientResults = append(r.RecipientResults, rr)
}
