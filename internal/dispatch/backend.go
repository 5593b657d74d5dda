package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/hikaku/internal/model"
	"github.com/ashita-ai/hikaku/internal/service/corpus"
	"github.com/ashita-ai/hikaku/internal/telemetry"
)

var tracer = telemetry.Tracer("hikaku/dispatch")

// DefaultTimeout bounds each collaborator call when BackendConfig.Timeout is unset.
const DefaultTimeout = 2 * time.Minute

// BackendConfig configures one Backend.
type BackendConfig struct {
	ID        model.BackendID
	Name      string // e.g. "claude"; used in keys and job names
	Enabled   bool
	Bucket    string
	KeyPrefix string // object key prefix, default "training-data"
	BaseModel string
	Format    corpus.Format
	Region    string // informational, reported by Info
	Project   string // informational, reported by Info

	// Timeout bounds the upload and the submission separately.
	Timeout time.Duration
	// EstimatedDuration sets JobRecord.EstimatedCompletion when positive.
	EstimatedDuration time.Duration
	// MirrorDir, when set, receives a local copy of every uploaded corpus.
	MirrorDir string
}

// Backend is the generic Dispatcher: serialize, upload, submit.
type Backend struct {
	cfg       BackendConfig
	store     BlobStore
	submitter JobSubmitter
	logger    *slog.Logger
	now       func() time.Time
}

// NewBackend creates a Backend. store or submitter may be nil, in which
// case the backend reports itself as not configured and skips dispatch.
func NewBackend(cfg BackendConfig, store BlobStore, submitter JobSubmitter, logger *slog.Logger) *Backend {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "training-data"
	}
	if cfg.Name == "" {
		cfg.Name = string(cfg.ID)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Backend{
		cfg:       cfg,
		store:     store,
		submitter: submitter,
		logger:    logger.With("backend", cfg.Name),
		now:       time.Now,
	}
}

// Backend returns the backend identifier.
func (b *Backend) Backend() model.BackendID { return b.cfg.ID }

// Info reports availability without exposing credentials.
func (b *Backend) Info() model.BackendInfo {
	return model.BackendInfo{
		ID:         b.cfg.ID,
		Name:       b.cfg.Name,
		Enabled:    b.cfg.Enabled,
		Configured: b.configured(),
		Bucket:     b.cfg.Bucket,
		Region:     b.cfg.Region,
		Project:    b.cfg.Project,
		BaseModel:  b.cfg.BaseModel,
	}
}

func (b *Backend) configured() bool {
	return b.store != nil && b.submitter != nil && b.cfg.Bucket != ""
}

// Dispatch uploads examples and submits a training job referencing them.
// Each collaborator call is bounded by the configured timeout; a timeout is
// reported as the corresponding UploadError or SubmissionError.
func (b *Backend) Dispatch(ctx context.Context, examples []model.TrainingExample) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "dispatch.backend", trace.WithAttributes(
		attribute.String("hikaku.backend", string(b.cfg.ID)),
		attribute.Int("hikaku.examples", len(examples)),
	))
	defer span.End()

	out, err := b.dispatch(ctx, examples)
	if err != nil && !errors.Is(err, ErrBackendDisabled) {
		span.RecordError(err)
		span.SetStatus(codes.Error, Kind(err))
	}
	if out.Job.ExternalJobID != "" {
		span.SetAttributes(attribute.String("hikaku.external_job_id", out.Job.ExternalJobID))
	}
	return out, err
}

func (b *Backend) dispatch(ctx context.Context, examples []model.TrainingExample) (Outcome, error) {
	if !b.cfg.Enabled || !b.configured() {
		return Outcome{}, ErrBackendDisabled
	}

	data, err := corpus.EncodeFormat(b.cfg.Format, examples)
	if err != nil {
		return Outcome{}, &SerializationError{Backend: b.cfg.ID, Err: err}
	}

	now := b.now().UTC()
	stamp := now.Unix()
	suffix := uuid.NewString()[:8]
	key := fmt.Sprintf("%s/%s-%d-%s.jsonl", strings.TrimSuffix(b.cfg.KeyPrefix, "/"), b.cfg.Name, stamp, suffix)
	location := b.store.URI(b.cfg.Bucket, key)

	b.mirror(fmt.Sprintf("%s-%d-%s.jsonl", b.cfg.Name, stamp, suffix), data)

	upCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	err = b.store.PutObject(upCtx, b.cfg.Bucket, key, data)
	cancel()
	if err != nil {
		return Outcome{}, &UploadError{Backend: b.cfg.ID, Bucket: b.cfg.Bucket, Key: key, Err: err}
	}
	b.logger.Info("dispatch: corpus uploaded", "location", location, "examples", len(examples), "size_bytes", len(data))

	upload := model.DataUpload{
		Backend:              b.cfg.ID,
		BlobLocation:         location,
		TrainingExampleCount: len(examples),
		SizeBytes:            int64(len(data)),
		UploadedAt:           now,
	}

	spec := JobSpec{
		JobName:         fmt.Sprintf("%s-auto-retrain-%d-%s", b.cfg.Name, stamp, suffix),
		CustomModelName: fmt.Sprintf("%s-feedback-tuned-%d", b.cfg.Name, stamp),
		BaseModel:       b.cfg.BaseModel,
		TrainingURI:     location,
		ValidationURI:   location,
		OutputURI:       b.store.URI(b.cfg.Bucket, "output/"),
	}

	subCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	jobID, err := b.submitter.SubmitJob(subCtx, spec)
	cancel()
	if err != nil {
		return Outcome{Upload: upload}, &SubmissionError{Backend: b.cfg.ID, JobName: spec.JobName, Err: err}
	}

	submittedAt := b.now().UTC()
	job := model.JobRecord{
		JobName:              spec.JobName,
		Backend:              b.cfg.ID,
		ExternalJobID:        jobID,
		TrainingExampleCount: len(examples),
		BlobLocation:         location,
		SubmittedAt:          submittedAt,
		Status:               model.JobSubmitted,
	}
	if b.cfg.EstimatedDuration > 0 {
		eta := submittedAt.Add(b.cfg.EstimatedDuration)
		job.EstimatedCompletion = &eta
	}
	b.logger.Info("dispatch: training job submitted", "job_name", job.JobName, "external_job_id", jobID)

	return Outcome{Job: job, Upload: upload}, nil
}

// mirror writes a local copy of the corpus. Failures are logged only.
func (b *Backend) mirror(name string, data []byte) {
	if b.cfg.MirrorDir == "" {
		return
	}
	if err := os.MkdirAll(b.cfg.MirrorDir, 0o750); err != nil {
		b.logger.Warn("dispatch: create mirror dir", "dir", b.cfg.MirrorDir, "error", err)
		return
	}
	path := filepath.Join(b.cfg.MirrorDir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		b.logger.Warn("dispatch: write corpus mirror", "path", path, "error", err)
		return
	}
	b.logger.Debug("dispatch: corpus mirrored locally", "path", path)
}
