package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/pearlflow/pkg/logging"
)

// mockS3Client records PutObject/GetObject calls for testing.
type mockS3Client struct {
	putCalls []putCall
	objects  map[string][]byte // key -> body
	getErr   error
}

type putCall struct {
	bucket string
	key    string
	body   []byte
}

func newMockS3() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(input.Body)
	m.putCalls = append(m.putCalls, putCall{
		bucket: *input.Bucket,
		key:    *input.Key,
		body:   body,
	})
	m.objects[*input.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[*input.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(data)),
	}, nil
}

func newTestStore(mock S3API, bucket string, now time.Time) *Store {
	s := NewStore(mock, bucket, logging.Discard())
	s.now = func() time.Time { return now }
	return s
}

func TestStore_ArchiveTranscript(t *testing.T) {
	mock := newMockS3()
	now := time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC)
	store := newTestStore(mock, "test-bucket", now)

	score := 110
	record := &TranscriptRecord{
		Version:    "1.0",
		SessionID:  "s-123",
		ClinicID:   "demo-clinic",
		ArchivedAt: now,
		TurnCount:  2,
		Outcome:    "booked",
		Triage:     Triage{PriorityScore: &score},
		Turns: []Turn{
			{Role: "patient", Content: "My tooth hurts", Timestamp: now},
			{Role: "assistant", Content: "I'm sorry to hear that.", Timestamp: now},
		},
	}

	require.NoError(t, store.ArchiveTranscript(context.Background(), record))

	// transcript + manifest
	require.Len(t, mock.putCalls, 2)
	assert.Equal(t, "test-bucket", mock.putCalls[0].bucket)
	assert.Equal(t, "transcripts/v1/demo-clinic/2026/10/19/s-123.json", mock.putCalls[0].key)

	var decoded TranscriptRecord
	require.NoError(t, json.Unmarshal(mock.putCalls[0].body, &decoded))
	assert.Equal(t, "s-123", decoded.SessionID)
	require.NotNil(t, decoded.Triage.PriorityScore)
	assert.Equal(t, 110, *decoded.Triage.PriorityScore)

	assert.Equal(t, "transcripts/v1/manifests/2026-10.jsonl", mock.putCalls[1].key)
	var entry ManifestEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(mock.putCalls[1].body), &entry))
	assert.Equal(t, "s-123", entry.SessionID)
	assert.Equal(t, "booked", entry.Outcome)
}

func TestStore_Disabled(t *testing.T) {
	store := NewStore(nil, "", nil)
	assert.False(t, store.Enabled())
	assert.NoError(t, store.ArchiveTranscript(context.Background(), &TranscriptRecord{}))
}

func TestStore_ManifestAppend(t *testing.T) {
	mock := newMockS3()
	store := newTestStore(mock, "test-bucket", time.Now())

	require.NoError(t, store.AppendManifest(context.Background(), ManifestEntry{SessionID: "s-1", Outcome: "booked"}))
	require.NoError(t, store.AppendManifest(context.Background(), ManifestEntry{SessionID: "s-2", Outcome: "abandoned"}))

	lastPut := mock.putCalls[len(mock.putCalls)-1]
	lines := bytes.Split(bytes.TrimSpace(lastPut.body), []byte("\n"))
	assert.Len(t, lines, 2)
}

func TestStore_ManifestReadFailureIsNotOverwritten(t *testing.T) {
	mock := newMockS3()
	mock.getErr = errors.New("AccessDenied")
	store := newTestStore(mock, "test-bucket", time.Now())

	err := store.AppendManifest(context.Background(), ManifestEntry{SessionID: "s-1"})
	require.Error(t, err)
	assert.Empty(t, mock.putCalls)
}
