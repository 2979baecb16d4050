package turn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/wolfman30/pearlflow/internal/apperr"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

// Runner executes one turn. *Processor implements it.
type Runner interface {
	Process(ctx context.Context, job Job) (Result, error)
}

// Worker consumes turn jobs from the queue and runs them.
type Worker struct {
	runner Runner
	queue  Queue
	jobs   JobUpdater
	logger *logging.Logger

	cfg workerConfig
	wg  sync.WaitGroup
}

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
	turnTimeout      time.Duration
}

const (
	defaultWorkerCount   = 2
	defaultWaitSeconds   = 2
	defaultBatchSize     = 5
	defaultTurnTimeout   = 60 * time.Second
	maxWaitSeconds       = 20
	maxReceiveBatchSize  = 10
	deleteTimeoutSeconds = 5
)

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// WithTurnTimeout bounds a single turn, LLM calls included.
func WithTurnTimeout(d time.Duration) WorkerOption {
	return func(cfg *workerConfig) {
		if d > 0 {
			cfg.turnTimeout = d
		}
	}
}

// NewWorker wires a worker. jobs may be nil when status tracking is off.
func NewWorker(runner Runner, queue Queue, jobs JobUpdater, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if runner == nil {
		panic("turn: runner cannot be nil")
	}
	if queue == nil {
		panic("turn: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
		turnTimeout:      defaultTurnTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Worker{runner: runner, queue: queue, jobs: jobs, logger: logger, cfg: cfg}
}

// Start launches the consumer goroutines. They exit when ctx is done.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("turn worker started", "worker_id", workerID)

	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("turn worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to receive turn jobs", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg Message) {
	var payload queuePayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		w.logger.Error("failed to decode turn job", "error", err)
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}
	if payload.Job.ID == "" {
		payload.Job.ID = payload.ID
	}

	turnCtx, cancel := context.WithTimeout(ctx, w.cfg.turnTimeout)
	res, err := w.runner.Process(turnCtx, payload.Job)
	cancel()

	// Status updates outlive a shutdown so the client sees the outcome.
	statusCtx := context.WithoutCancel(ctx)
	if err != nil {
		w.logger.Error("turn job failed", "error", err, "job_id", payload.ID, "session_id", payload.Job.SessionID)
		if payload.TrackStatus && w.jobs != nil {
			if storeErr := w.jobs.MarkFailed(statusCtx, payload.ID, failureMessage(err)); storeErr != nil {
				w.logger.Error("failed to update job status", "error", storeErr, "job_id", payload.ID)
			}
		}
	} else {
		w.logger.Debug("turn job processed", "job_id", payload.ID, "session_id", payload.Job.SessionID, "last_seq", res.LastSeq)
		if payload.TrackStatus && w.jobs != nil {
			if storeErr := w.jobs.MarkCompleted(statusCtx, payload.ID, &res); storeErr != nil {
				w.logger.Error("failed to update job status", "error", storeErr, "job_id", payload.ID)
			}
		}
	}

	w.deleteMessage(context.Background(), msg.ReceiptHandle)
}

func failureMessage(err error) string {
	if errors.Is(err, ErrTurnCancelled) {
		return "cancelled"
	}
	return apperr.PublicMessage(err)
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}

	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeoutSeconds*time.Second)
	defer cancel()

	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete turn job", "error", err)
	}
}
