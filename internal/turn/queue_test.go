package turn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/pearlflow/internal/apperr"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

func TestMemoryQueue_GroupsDeliverInOrder(t *testing.T) {
	q := NewMemoryQueue(10)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, Message{ID: "a1", GroupID: "g1", Body: "a1"}))
	require.NoError(t, q.Send(ctx, Message{ID: "a2", GroupID: "g1", Body: "a2"}))
	require.NoError(t, q.Send(ctx, Message{ID: "b1", GroupID: "g2", Body: "b1"}))

	batch, err := q.Receive(ctx, 10, 1)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "a1", batch[0].Body)
	assert.Equal(t, "b1", batch[1].Body)

	// g1 is busy until a1 is deleted.
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	none, err := q.Receive(short, 10, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, none)

	require.NoError(t, q.Delete(ctx, batch[0].ReceiptHandle))
	next, err := q.Receive(ctx, 10, 1)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "a2", next[0].Body)
	assert.Equal(t, 0, q.Len())
}

func TestMemoryQueue_ReceiveWakesOnSend(t *testing.T) {
	q := NewMemoryQueue(10)
	ctx := context.Background()

	got := make(chan []Message, 1)
	go func() {
		batch, _ := q.Receive(ctx, 1, 5)
		got <- batch
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Send(ctx, Message{Body: "hello"}))

	select {
	case batch := <-got:
		require.Len(t, batch, 1)
		assert.Equal(t, "hello", batch[0].Body)
		assert.NotEmpty(t, batch[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver was not woken")
	}
}

func TestMemoryQueue_Capacity(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Send(context.Background(), Message{Body: "1"}))
	assert.ErrorIs(t, q.Send(context.Background(), Message{Body: "2"}), ErrQueueFull)
}

type fakeSQS struct {
	mu   sync.Mutex
	sent []*sqs.SendMessageInput
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return &sqs.ReceiveMessageOutput{Messages: []sqstypes.Message{{
		MessageId:     aws.String("m-1"),
		Body:          aws.String("{}"),
		ReceiptHandle: aws.String("r-1"),
	}}}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, _ *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSQueue_FIFOGroupsBySession(t *testing.T) {
	client := &fakeSQS{}
	fifo := NewSQSQueue(client, "https://sqs.ap-southeast-2.amazonaws.com/123/turns.fifo")
	standard := NewSQSQueue(client, "https://sqs.ap-southeast-2.amazonaws.com/123/turns")

	require.NoError(t, fifo.Send(context.Background(), Message{ID: "job-1", GroupID: "s-1", Body: "{}"}))
	require.NoError(t, standard.Send(context.Background(), Message{ID: "job-2", GroupID: "s-1", Body: "{}"}))

	require.Len(t, client.sent, 2)
	assert.Equal(t, "s-1", aws.ToString(client.sent[0].MessageGroupId))
	assert.Equal(t, "job-1", aws.ToString(client.sent[0].MessageDeduplicationId))
	assert.Nil(t, client.sent[1].MessageGroupId)
	assert.Nil(t, client.sent[1].MessageDeduplicationId)

	msgs, err := fifo.Receive(context.Background(), 5, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "r-1", msgs[0].ReceiptHandle)
}

func TestSubmitter_Validation(t *testing.T) {
	sub := NewSubmitter(NewMemoryQueue(10), NewMemoryJobStore(), logging.Discard())
	ctx := context.Background()

	_, err := sub.Submit(ctx, Job{Text: "hi"})
	assert.True(t, apperr.IsValidation(err))
	_, err = sub.Submit(ctx, Job{SessionID: "s-1", Text: "   "})
	assert.True(t, apperr.IsValidation(err))

	long := make([]byte, maxMessageLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = sub.Submit(ctx, Job{SessionID: "s-1", Text: string(long)})
	assert.True(t, apperr.IsValidation(err))
}

func TestSubmitter_RecordsPendingAndEnqueues(t *testing.T) {
	q := NewMemoryQueue(10)
	jobs := NewMemoryJobStore()
	sub := NewSubmitter(q, jobs, logging.Discard())
	ctx := context.Background()

	id, err := sub.Submit(ctx, Job{ID: "job-1", SessionID: "s-1", Text: "  hello  "})
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	rec, err := jobs.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, rec.Status)

	batch, err := q.Receive(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "s-1", batch[0].GroupID)

	var payload queuePayload
	require.NoError(t, json.Unmarshal([]byte(batch[0].Body), &payload))
	assert.Equal(t, "hello", payload.Job.Text)
	assert.True(t, payload.TrackStatus)
}

type stubRunner struct {
	mu   sync.Mutex
	jobs []Job
	err  error
}

func (r *stubRunner) Process(_ context.Context, job Job) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	if r.err != nil {
		return Result{}, r.err
	}
	return Result{SessionID: job.SessionID, Agent: "receptionist", LastSeq: int64(len(r.jobs))}, nil
}

func TestWorker_MarksJobsAndDeletesMessages(t *testing.T) {
	q := NewMemoryQueue(10)
	jobs := NewMemoryJobStore()
	sub := NewSubmitter(q, jobs, logging.Discard())
	runner := &stubRunner{}
	w := NewWorker(runner, q, jobs, logging.Discard(), WithWorkerCount(1), WithReceiveWaitSeconds(1))

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	first, err := sub.Submit(ctx, Job{SessionID: "s-1", Text: "one"})
	require.NoError(t, err)
	second, err := sub.Submit(ctx, Job{SessionID: "s-1", Text: "two"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := jobs.GetJob(context.Background(), second)
		return err == nil && rec.Status == JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	w.Wait()

	rec, err := jobs.GetJob(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, rec.Status)
	require.NotNil(t, rec.Result)
	assert.Equal(t, int64(1), rec.Result.LastSeq)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Len(t, runner.jobs, 2)
	assert.Equal(t, "one", runner.jobs[0].Text)
	assert.Equal(t, "two", runner.jobs[1].Text)
	assert.Equal(t, 0, q.Len())
}

func TestWorker_FailedTurnRecordsPublicMessage(t *testing.T) {
	q := NewMemoryQueue(10)
	jobs := NewMemoryJobStore()
	sub := NewSubmitter(q, jobs, logging.Discard())
	runner := &stubRunner{err: apperr.Upstream("turn.classify", errors.New("bedrock 500: secret detail"))}
	w := NewWorker(runner, q, jobs, logging.Discard(), WithWorkerCount(1), WithReceiveWaitSeconds(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		w.Wait()
	}()
	w.Start(ctx)

	id, err := sub.Submit(ctx, Job{SessionID: "s-1", Text: "hi"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := jobs.GetJob(context.Background(), id)
		return err == nil && rec.Status == JobStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	rec, _ := jobs.GetJob(context.Background(), id)
	assert.NotContains(t, rec.ErrorMessage, "secret")
	assert.Equal(t, "cancelled", failureMessage(ErrTurnCancelled))
}
