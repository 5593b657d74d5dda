// Package dispatch uploads training corpora to blob storage and submits
// fine-tuning jobs to the model backends.
//
// Each backend is one Dispatcher. The generic Backend implementation owns
// serialization, key naming, timeouts and error classification; the
// provider-specific parts are the BlobStore and JobSubmitter collaborators.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashita-ai/hikaku/internal/model"
)

// ErrBackendDisabled is returned by Dispatch when the backend is disabled or
// missing a collaborator. Callers report it as skipped, not failed.
var ErrBackendDisabled = errors.New("dispatch: backend disabled")

// BlobStore stores an uploaded corpus.
type BlobStore interface {
	PutObject(ctx context.Context, bucket, key string, data []byte) error
	// URI returns the provider URI for an object, e.g. s3://bucket/key.
	URI(bucket, key string) string
}

// JobSpec describes a fine-tuning job referencing an uploaded corpus.
type JobSpec struct {
	JobName         string
	CustomModelName string
	BaseModel       string
	TrainingURI     string
	ValidationURI   string
	OutputURI       string
}

// JobSubmitter starts a training job and returns the provider's job ID.
type JobSubmitter interface {
	SubmitJob(ctx context.Context, spec JobSpec) (string, error)
}

// Outcome is a successful dispatch. Upload is also populated on a
// SubmissionError, since the corpus was stored before submission failed.
type Outcome struct {
	Job    model.JobRecord
	Upload model.DataUpload
}

// Dispatcher sends one backend's corpus to its training service.
type Dispatcher interface {
	Backend() model.BackendID
	Info() model.BackendInfo
	Dispatch(ctx context.Context, examples []model.TrainingExample) (Outcome, error)
}

// Error kinds reported in model.BackendResult.ErrorKind.
const (
	KindSerialization = "serialization"
	KindUpload        = "upload"
	KindSubmission    = "submission"
)

// SerializationError means the corpus could not be encoded. The builder
// guarantees well-formed examples, so this indicates a bug.
type SerializationError struct {
	Backend model.BackendID
	Err     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("dispatch: backend %s: serialize corpus: %v", e.Backend, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// UploadError means the blob store was unreachable, rejected the write, or
// did not answer before the timeout.
type UploadError struct {
	Backend model.BackendID
	Bucket  string
	Key     string
	Err     error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("dispatch: backend %s: upload %s/%s: %v", e.Backend, e.Bucket, e.Key, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// SubmissionError means the training job API rejected the job or did not
// answer before the timeout.
type SubmissionError struct {
	Backend model.BackendID
	JobName string
	Err     error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("dispatch: backend %s: submit job %s: %v", e.Backend, e.JobName, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Kind classifies a Dispatch error into one of the Kind constants. Unknown
// errors are reported as submission failures.
func Kind(err error) string {
	var serr *SerializationError
	var uerr *UploadError
	switch {
	case errors.As(err, &serr):
		return KindSerialization
	case errors.As(err, &uerr):
		return KindUpload
	default:
		return KindSubmission
	}
}
