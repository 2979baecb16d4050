package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/wolfman30/pearlflow/internal/apperr"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

// Queue carries turn jobs from the API to the workers. Messages that share
// a GroupID are delivered one at a time, in order.
type Queue interface {
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Message is one queued job body.
type Message struct {
	ID            string
	GroupID       string
	Body          string
	ReceiptHandle string
}

type queuePayload struct {
	ID          string `json:"id"`
	Job         Job    `json:"job"`
	TrackStatus bool   `json:"track_status"`
}

func encodePayload(payload queuePayload) (queuePayload, string, error) {
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}
	if payload.Job.ID == "" {
		payload.Job.ID = payload.ID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return queuePayload{}, "", fmt.Errorf("turn: failed to encode payload: %w", err)
	}
	return payload, string(body), nil
}

// Submitter validates utterances, records a pending job and enqueues it.
type Submitter struct {
	queue  Queue
	jobs   JobStore
	logger *logging.Logger
}

func NewSubmitter(queue Queue, jobs JobStore, logger *logging.Logger) *Submitter {
	if queue == nil {
		panic("turn: queue cannot be nil")
	}
	if jobs == nil {
		panic("turn: job store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Submitter{queue: queue, jobs: jobs, logger: logger}
}

// Submit enqueues a turn and returns its job id.
func (s *Submitter) Submit(ctx context.Context, job Job) (string, error) {
	const op = "turn.submit"
	job.Text = strings.TrimSpace(job.Text)
	switch {
	case strings.TrimSpace(job.SessionID) == "":
		return "", apperr.Validation(op, "session_id is required")
	case job.Text == "":
		return "", apperr.Validation(op, "text is required")
	case len(job.Text) > maxMessageLength:
		return "", apperr.Validation(op, fmt.Sprintf("text must be at most %d characters", maxMessageLength))
	}

	payload, body, err := encodePayload(queuePayload{ID: job.ID, Job: job, TrackStatus: true})
	if err != nil {
		return "", err
	}
	if err := s.jobs.PutPending(ctx, &JobRecord{
		JobID:     payload.ID,
		SessionID: job.SessionID,
		Text:      job.Text,
	}); err != nil {
		return "", apperr.Integrity(op, err)
	}
	if err := s.queue.Send(ctx, Message{ID: payload.ID, GroupID: job.SessionID, Body: body}); err != nil {
		return "", apperr.Upstream(op, fmt.Errorf("turn: failed to enqueue job: %w", err))
	}
	s.logger.Debug("turn job enqueued", "job_id", payload.ID, "session_id", job.SessionID)
	return payload.ID, nil
}
