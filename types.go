package hikaku

import "time"

// Role is an operator's RBAC role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleReviewer Role = "reviewer"
	RoleReader   Role = "reader"
)

// Backend identifies one of the two training backends.
type Backend string

const (
	BackendA Backend = "a"
	BackendB Backend = "b"
)

// Job is the public representation of a submitted training job.
type Job struct {
	Name                string
	Backend             Backend
	ExternalID          string
	Examples            int
	Location            string
	SubmittedAt         time.Time
	EstimatedCompletion *time.Time
}

// BackendFailure describes a backend whose upload or submission failed.
type BackendFailure struct {
	Backend Backend
	Kind    string // serialization | upload | submission
	Message string
}

// DispatchReport is the public summary of a completed dispatch cycle.
// Outcome is "dispatch_started" when at least one backend submitted a job
// and "dispatch_failed" otherwise.
type DispatchReport struct {
	CycleID     string
	Outcome     string
	EventCount  int
	CorpusSizes map[Backend]int
	Jobs        []Job
	Skipped     []Backend
	Failures    []BackendFailure
	CompletedAt time.Time
}

// TrainingJob is the request handed to a JobSubmitter. The corpus has
// already been uploaded to TrainingURI when SubmitJob is called.
type TrainingJob struct {
	Backend         Backend
	Name            string
	CustomModelName string
	BaseModel       string
	TrainingURI     string
	ValidationURI   string
	OutputURI       string
}
