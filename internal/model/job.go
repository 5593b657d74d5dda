package model

import "time"

// BackendID identifies one of the two model-training backends.
type BackendID string

const (
	BackendA BackendID = "a"
	BackendB BackendID = "b"
)

// Backends lists every backend in dispatch order.
var Backends = []BackendID{BackendA, BackendB}

// TrainingExample is one prompt/completion pair derived from a FeedbackEvent
// for a single backend. It only exists inside an uploaded corpus.
type TrainingExample struct {
	Prompt        string         `json:"prompt"`
	Completion    string         `json:"completion"`
	Rating        int            `json:"rating"`
	QualityScores map[string]int `json:"quality_scores"`
}

// JobStatus is the lifecycle state of a submitted training job.
type JobStatus string

const (
	JobSubmitted JobStatus = "submitted"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobSubmitted, JobRunning, JobSucceeded, JobFailed:
		return true
	}
	return false
}

// JobRecord is an append-only history entry for one submitted training job.
// Only Status may change after creation, and only via external polling.
type JobRecord struct {
	JobName              string     `json:"job_name"`
	Backend              BackendID  `json:"backend"`
	ExternalJobID        string     `json:"external_job_id"`
	TrainingExampleCount int        `json:"training_example_count"`
	BlobLocation         string     `json:"blob_location"`
	SubmittedAt          time.Time  `json:"submitted_at"`
	Status               JobStatus  `json:"status"`
	EstimatedCompletion  *time.Time `json:"estimated_completion,omitempty"`
}

// DataUpload records one corpus uploaded to a backend's blob store.
type DataUpload struct {
	Backend              BackendID `json:"backend"`
	BlobLocation         string    `json:"blob_location"`
	TrainingExampleCount int       `json:"training_example_count"`
	SizeBytes            int64     `json:"size_bytes"`
	UploadedAt           time.Time `json:"uploaded_at"`
}

// BackendInfo describes a backend's availability. It never carries secrets.
type BackendInfo struct {
	ID         BackendID `json:"id"`
	Name       string    `json:"name"`
	Enabled    bool      `json:"enabled"`
	Configured bool      `json:"configured"`
	Bucket     string    `json:"bucket,omitempty"`
	Region     string    `json:"region,omitempty"`
	Project    string    `json:"project,omitempty"`
	BaseModel  string    `json:"base_model,omitempty"`
}
