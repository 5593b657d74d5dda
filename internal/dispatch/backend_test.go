package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/ashita-ai/hikaku/internal/model"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
	block   bool
}

func (s *fakeStore) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = make(map[string][]byte)
	}
	s.objects[bucket+"/"+key] = data
	return nil
}

func (s *fakeStore) URI(bucket, key string) string { return "s3://" + bucket + "/" + key }

type fakeSubmitter struct {
	specs []JobSpec
	err   error
}

func (f *fakeSubmitter) SubmitJob(_ context.Context, spec JobSpec) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.specs = append(f.specs, spec)
	return "arn:job/" + spec.JobName, nil
}

func examples(n int) []model.TrainingExample {
	out := make([]model.TrainingExample, n)
	for i := range out {
		out[i] = model.TrainingExample{Prompt: "Question: q\n\nAnswer:", Completion: "answer", Rating: 5}
	}
	return out
}

func newTestBackend(store BlobStore, sub JobSubmitter, mutate func(*BackendConfig)) *Backend {
	cfg := BackendConfig{
		ID:                model.BackendA,
		Name:              "claude",
		Enabled:           true,
		Bucket:            "feedback",
		BaseModel:         "anthropic.claude-3-haiku",
		Timeout:           time.Second,
		EstimatedDuration: 2 * time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	b := NewBackend(cfg, store, sub, testLogger)
	b.now = func() time.Time { return time.Unix(1700000000, 0) }
	return b
}

func TestBackend_DispatchSuccess(t *testing.T) {
	store := &fakeStore{}
	sub := &fakeSubmitter{}
	b := newTestBackend(store, sub, nil)

	out, err := b.Dispatch(context.Background(), examples(3))
	require.NoError(t, err)

	require.Len(t, store.objects, 1)
	for k, data := range store.objects {
		assert.True(t, strings.HasPrefix(k, "feedback/training-data/claude-1700000000-"), k)
		assert.True(t, strings.HasSuffix(k, ".jsonl"))
		assert.Equal(t, 3, strings.Count(string(data), "\n"))
	}

	assert.Equal(t, model.BackendA, out.Job.Backend)
	assert.Equal(t, 3, out.Job.TrainingExampleCount)
	assert.Equal(t, model.JobSubmitted, out.Job.Status)
	assert.True(t, strings.HasPrefix(out.Job.JobName, "claude-auto-retrain-1700000000-"))
	assert.Equal(t, "arn:job/"+out.Job.JobName, out.Job.ExternalJobID)
	require.NotNil(t, out.Job.EstimatedCompletion)
	assert.Equal(t, time.Unix(1700000000, 0).Add(2*time.Hour).UTC(), *out.Job.EstimatedCompletion)

	assert.Equal(t, out.Job.BlobLocation, out.Upload.BlobLocation)
	assert.Equal(t, 3, out.Upload.TrainingExampleCount)
	assert.Positive(t, out.Upload.SizeBytes)

	require.Len(t, sub.specs, 1)
	spec := sub.specs[0]
	assert.Equal(t, out.Job.BlobLocation, spec.TrainingURI)
	assert.Equal(t, spec.TrainingURI, spec.ValidationURI)
	assert.Equal(t, "s3://feedback/output/", spec.OutputURI)
	assert.Equal(t, "anthropic.claude-3-haiku", spec.BaseModel)
}

func TestBackend_Disabled(t *testing.T) {
	b := newTestBackend(&fakeStore{}, &fakeSubmitter{}, func(c *BackendConfig) { c.Enabled = false })
	_, err := b.Dispatch(context.Background(), examples(1))
	assert.ErrorIs(t, err, ErrBackendDisabled)

	unconfigured := newTestBackend(nil, &fakeSubmitter{}, nil)
	_, err = unconfigured.Dispatch(context.Background(), examples(1))
	assert.ErrorIs(t, err, ErrBackendDisabled)
	assert.False(t, unconfigured.Info().Configured)
	assert.True(t, unconfigured.Info().Enabled)
}

func TestBackend_UploadError(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(&fakeStore{err: errors.New("access denied")}, sub, nil)

	_, err := b.Dispatch(context.Background(), examples(2))
	var uerr *UploadError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, model.BackendA, uerr.Backend)
	assert.Equal(t, KindUpload, Kind(err))
	assert.Empty(t, sub.specs, "no job is submitted after a failed upload")
}

func TestBackend_UploadTimeout(t *testing.T) {
	b := newTestBackend(&fakeStore{block: true}, &fakeSubmitter{}, func(c *BackendConfig) {
		c.Timeout = 20 * time.Millisecond
	})

	start := time.Now()
	_, err := b.Dispatch(context.Background(), examples(1))
	assert.Less(t, time.Since(start), time.Second)

	var uerr *UploadError
	require.ErrorAs(t, err, &uerr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBackend_SubmissionError(t *testing.T) {
	store := &fakeStore{}
	b := newTestBackend(store, &fakeSubmitter{err: errors.New("quota exceeded")}, nil)

	out, err := b.Dispatch(context.Background(), examples(2))
	var serr *SubmissionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindSubmission, Kind(err))
	assert.NotEmpty(t, out.Upload.BlobLocation, "upload is reported even when submission fails")
	assert.Empty(t, out.Job.JobName)
	assert.Len(t, store.objects, 1)
}

func TestBackend_SerializationError(t *testing.T) {
	b := newTestBackend(&fakeStore{}, &fakeSubmitter{}, nil)
	_, err := b.Dispatch(context.Background(), []model.TrainingExample{{Prompt: "p", Rating: 9}})
	var serr *SerializationError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindSerialization, Kind(err))
}

func TestBackend_Mirror(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "training_data")
	b := newTestBackend(&fakeStore{}, &fakeSubmitter{}, func(c *BackendConfig) { c.MirrorDir = dir })

	_, err := b.Dispatch(context.Background(), examples(2))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "claude-1700000000-"))
}

type fakeBedrock struct {
	input *bedrock.CreateModelCustomizationJobInput
}

func (f *fakeBedrock) CreateModelCustomizationJob(_ context.Context, in *bedrock.CreateModelCustomizationJobInput, _ ...func(*bedrock.Options)) (*bedrock.CreateModelCustomizationJobOutput, error) {
	f.input = in
	return &bedrock.CreateModelCustomizationJobOutput{JobArn: aws.String("arn:aws:bedrock:us-east-1:1:job/x")}, nil
}

func TestBedrockSubmitter(t *testing.T) {
	api := &fakeBedrock{}
	s := NewBedrockSubmitterFromAPI(api, "arn:aws:iam::1:role/train")

	id, err := s.SubmitJob(context.Background(), JobSpec{
		JobName:         "claude-auto-retrain-1",
		CustomModelName: "claude-feedback-tuned-1",
		BaseModel:       "anthropic.claude-3-haiku",
		TrainingURI:     "s3://b/k.jsonl",
		ValidationURI:   "s3://b/k.jsonl",
		OutputURI:       "s3://b/output/",
	})
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:bedrock:us-east-1:1:job/x", id)
	assert.Equal(t, "arn:aws:iam::1:role/train", aws.ToString(api.input.RoleArn))
	assert.Equal(t, "s3://b/k.jsonl", aws.ToString(api.input.TrainingDataConfig.S3Uri))
	require.Len(t, api.input.ValidationDataConfig.Validators, 1)
	assert.Equal(t, "s3://b/output/", aws.ToString(api.input.OutputDataConfig.S3Uri))
}

type fakeTuning struct {
	base    string
	dataset *genai.TuningDataset
	config  *genai.CreateTuningJobConfig
	name    string
}

func (f *fakeTuning) Tune(_ context.Context, base string, ds *genai.TuningDataset, cfg *genai.CreateTuningJobConfig) (*genai.TuningJob, error) {
	f.base, f.dataset, f.config = base, ds, cfg
	return &genai.TuningJob{Name: f.name}, nil
}

func TestVertexSubmitter(t *testing.T) {
	api := &fakeTuning{name: "projects/p/locations/us-central1/tuningJobs/42"}
	s := NewVertexSubmitterFromAPI(api)

	id, err := s.SubmitJob(context.Background(), JobSpec{
		CustomModelName: "gemini-feedback-tuned-1",
		BaseModel:       "gemini-2.0-flash-001",
		TrainingURI:     "gs://b/k.jsonl",
		ValidationURI:   "gs://b/k.jsonl",
	})
	require.NoError(t, err)
	assert.Equal(t, "projects/p/locations/us-central1/tuningJobs/42", id)
	assert.Equal(t, "gemini-2.0-flash-001", api.base)
	assert.Equal(t, "gs://b/k.jsonl", api.dataset.GCSURI)
	assert.Equal(t, "gs://b/k.jsonl", api.config.ValidationDataset.GCSURI)

	api.name = ""
	_, err = s.SubmitJob(context.Background(), JobSpec{})
	assert.Error(t, err)
}

func TestKind_Unknown(t *testing.T) {
	assert.Equal(t, KindSubmission, Kind(errors.New("boom")))
}
