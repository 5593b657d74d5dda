package dispatch

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// TuningAPI is the subset of genai's tuning client used here.
type TuningAPI interface {
	Tune(ctx context.Context, baseModel string, trainingDataset *genai.TuningDataset, config *genai.CreateTuningJobConfig) (*genai.TuningJob, error)
}

// VertexSubmitter submits supervised tuning jobs to Vertex AI.
type VertexSubmitter struct {
	api TuningAPI
}

// NewVertexSubmitter creates a Vertex AI backed genai client.
func NewVertexSubmitter(ctx context.Context, project, location string) (*VertexSubmitter, error) {
	if project == "" {
		return nil, fmt.Errorf("dispatch: vertex project is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  project,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: genai client: %w", err)
	}
	return NewVertexSubmitterFromAPI(client.Tunings), nil
}

// NewVertexSubmitterFromAPI wraps an existing tuning client.
func NewVertexSubmitterFromAPI(api TuningAPI) *VertexSubmitter {
	return &VertexSubmitter{api: api}
}

// SubmitJob starts a tuning job and returns its resource name.
func (s *VertexSubmitter) SubmitJob(ctx context.Context, spec JobSpec) (string, error) {
	job, err := s.api.Tune(ctx, spec.BaseModel,
		&genai.TuningDataset{GCSURI: spec.TrainingURI},
		&genai.CreateTuningJobConfig{
			TunedModelDisplayName: spec.CustomModelName,
			ValidationDataset:     &genai.TuningValidationDataset{GCSURI: spec.ValidationURI},
		})
	if err != nil {
		return "", err
	}
	if job == nil || job.Name == "" {
		return "", fmt.Errorf("tuning job returned no name")
	}
	return job.Name, nil
}
