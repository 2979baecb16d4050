package turn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wolfman30/pearlflow/pkg/logging"
)

const jobTTL = 24 * time.Hour

// JobStatus is the lifecycle of a submitted turn.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// ErrJobNotFound indicates the requested job ID does not exist.
var ErrJobNotFound = errors.New("turn: job not found")

// JobRecord is the persisted state of a submitted turn.
type JobRecord struct {
	JobID        string    `dynamodbav:"jobId" json:"job_id"`
	Status       JobStatus `dynamodbav:"status" json:"status"`
	SessionID    string    `dynamodbav:"sessionId" json:"session_id"`
	Text         string    `dynamodbav:"text" json:"-"`
	Result       *Result   `dynamodbav:"result,omitempty" json:"result,omitempty"`
	ErrorMessage string    `dynamodbav:"errorMessage,omitempty" json:"error,omitempty"`
	CreatedAt    string    `dynamodbav:"createdAt" json:"created_at"`
	UpdatedAt    string    `dynamodbav:"updatedAt" json:"updated_at"`
	ExpiresAt    int64     `dynamodbav:"expiresAt,omitempty" json:"-"`
}

// JobStore records job status for GET /chat/jobs/{id}.
type JobStore interface {
	PutPending(ctx context.Context, job *JobRecord) error
	GetJob(ctx context.Context, jobID string) (*JobRecord, error)
	JobUpdater
}

// JobUpdater is the part of JobStore the worker uses.
type JobUpdater interface {
	MarkCompleted(ctx context.Context, jobID string, res *Result) error
	MarkFailed(ctx context.Context, jobID string, errMsg string) error
}

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoJobStore persists job records to DynamoDB.
type DynamoJobStore struct {
	client    dynamoAPI
	tableName string
	logger    *logging.Logger
	now       func() time.Time
}

var _ JobStore = (*DynamoJobStore)(nil)

// NewDynamoJobStore builds a store backed by the provided DynamoDB client.
func NewDynamoJobStore(client dynamoAPI, tableName string, logger *logging.Logger) *DynamoJobStore {
	if client == nil {
		panic("turn: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("turn: table name cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DynamoJobStore{client: client, tableName: tableName, logger: logger, now: time.Now}
}

// PutPending inserts a new pending job record.
func (s *DynamoJobStore) PutPending(ctx context.Context, job *JobRecord) error {
	if job == nil {
		return errors.New("turn: job cannot be nil")
	}
	stampPending(job, s.now().UTC())

	item, err := attributevalue.MarshalMap(job)
	if err != nil {
		return fmt.Errorf("turn: failed to marshal job: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(jobId)"),
	})
	if err != nil {
		return fmt.Errorf("turn: failed to persist job: %w", err)
	}
	return nil
}

// MarkCompleted stores the turn result.
func (s *DynamoJobStore) MarkCompleted(ctx context.Context, jobID string, res *Result) error {
	if jobID == "" {
		return errors.New("turn: jobID required")
	}
	if res == nil {
		res = &Result{}
	}
	resAttr, err := attributevalue.Marshal(res)
	if err != nil {
		return fmt.Errorf("turn: failed to marshal result: %w", err)
	}
	return s.updateJob(ctx, jobID,
		map[string]types.AttributeValue{
			":status":  &types.AttributeValueMemberS{Value: string(JobStatusCompleted)},
			":result":  resAttr,
			":error":   &types.AttributeValueMemberS{Value: ""},
			":updated": &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339Nano)},
		},
		"SET #status = :status, #result = :result, #error = :error, #updated = :updated",
	)
}

// MarkFailed updates a job to the failed state.
func (s *DynamoJobStore) MarkFailed(ctx context.Context, jobID string, errMsg string) error {
	if jobID == "" {
		return errors.New("turn: jobID required")
	}
	return s.updateJob(ctx, jobID,
		map[string]types.AttributeValue{
			":status":  &types.AttributeValueMemberS{Value: string(JobStatusFailed)},
			":result":  &types.AttributeValueMemberNULL{Value: true},
			":error":   &types.AttributeValueMemberS{Value: errMsg},
			":updated": &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339Nano)},
		},
		"SET #status = :status, #result = :result, #error = :error, #updated = :updated",
	)
}

// GetJob fetches a job by ID.
func (s *DynamoJobStore) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	if jobID == "" {
		return nil, errors.New("turn: jobID required")
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"jobId": &types.AttributeValueMemberS{Value: jobID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("turn: failed to fetch job: %w", err)
	}
	if out.Item == nil {
		return nil, ErrJobNotFound
	}
	var job JobRecord
	if err := attributevalue.UnmarshalMap(out.Item, &job); err != nil {
		return nil, fmt.Errorf("turn: failed to decode job: %w", err)
	}
	return &job, nil
}

func (s *DynamoJobStore) updateJob(ctx context.Context, jobID string, values map[string]types.AttributeValue, expression string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"jobId": &types.AttributeValueMemberS{Value: jobID},
		},
		UpdateExpression: aws.String(expression),
		ExpressionAttributeNames: map[string]string{
			"#status":  "status",
			"#result":  "result",
			"#error":   "errorMessage",
			"#updated": "updatedAt",
		},
		ExpressionAttributeValues: values,
		ConditionExpression:       aws.String("attribute_exists(jobId)"),
	})
	if err != nil {
		return fmt.Errorf("turn: failed to update job %s: %w", jobID, err)
	}
	return nil
}

func stampPending(job *JobRecord, now time.Time) {
	job.Status = JobStatusPending
	job.CreatedAt = now.Format(time.RFC3339Nano)
	job.UpdatedAt = job.CreatedAt
	if job.ExpiresAt == 0 {
		job.ExpiresAt = now.Add(jobTTL).Unix()
	}
}

// MemoryJobStore keeps job records in process.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]JobRecord
	now  func() time.Time
}

var _ JobStore = (*MemoryJobStore)(nil)

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]JobRecord), now: time.Now}
}

func (m *MemoryJobStore) PutPending(_ context.Context, job *JobRecord) error {
	if job == nil {
		return errors.New("turn: job cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.JobID]; ok {
		return fmt.Errorf("turn: job %s already exists", job.JobID)
	}
	stampPending(job, m.now().UTC())
	m.jobs[job.JobID] = *job
	return nil
}

func (m *MemoryJobStore) GetJob(_ context.Context, jobID string) (*JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &job, nil
}

func (m *MemoryJobStore) MarkCompleted(_ context.Context, jobID string, res *Result) error {
	return m.update(jobID, func(j *JobRecord) {
		j.Status = JobStatusCompleted
		j.Result = res
		j.ErrorMessage = ""
	})
}

func (m *MemoryJobStore) MarkFailed(_ context.Context, jobID string, errMsg string) error {
	return m.update(jobID, func(j *JobRecord) {
		j.Status = JobStatusFailed
		j.Result = nil
		j.ErrorMessage = errMsg
	})
}

func (m *MemoryJobStore) update(jobID string, fn func(*JobRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	fn(&job)
	job.UpdatedAt = m.now().UTC().Format(time.RFC3339Nano)
	m.jobs[jobID] = job
	return nil
}
