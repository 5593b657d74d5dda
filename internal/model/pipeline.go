package model

import (
	"fmt"
	"time"
)

// Defaults for PipelineConfig.
const (
	DefaultAdmissionThreshold = 10
	DefaultQualityThreshold   = 4
	DefaultCooldownSeconds    = 3600
)

// PipelineConfig holds the admission parameters. Updates apply to the next
// admission evaluation only.
type PipelineConfig struct {
	AdmissionThreshold int `json:"admission_threshold"`
	QualityThreshold   int `json:"quality_threshold"`
	CooldownSeconds    int `json:"cooldown_seconds"`
}

// DefaultPipelineConfig returns the production defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		AdmissionThreshold: DefaultAdmissionThreshold,
		QualityThreshold:   DefaultQualityThreshold,
		CooldownSeconds:    DefaultCooldownSeconds,
	}
}

// Cooldown returns the cooldown as a duration.
func (c PipelineConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// ConfigError reports an invalid configuration value. The prior
// configuration is retained when an update fails with ConfigError.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Message)
}

// Validate checks the configuration invariants.
func (c PipelineConfig) Validate() error {
	if c.AdmissionThreshold < 1 {
		return &ConfigError{Field: "admission_threshold", Message: fmt.Sprintf("must be >= 1, got %d", c.AdmissionThreshold)}
	}
	if c.QualityThreshold < MinRating || c.QualityThreshold > MaxRating {
		return &ConfigError{Field: "quality_threshold", Message: fmt.Sprintf("must be between %d and %d, got %d", MinRating, MaxRating, c.QualityThreshold)}
	}
	if c.CooldownSeconds < 0 {
		return &ConfigError{Field: "cooldown_seconds", Message: fmt.Sprintf("must be >= 0, got %d", c.CooldownSeconds)}
	}
	return nil
}

// ConfigUpdate is a flat key/value configuration update. Nil fields keep
// their prior value; unrecognized JSON keys are ignored by the decoder.
type ConfigUpdate struct {
	AdmissionThreshold *int `json:"admission_threshold,omitempty"`
	QualityThreshold   *int `json:"quality_threshold,omitempty"`
	CooldownSeconds    *int `json:"cooldown_seconds,omitempty"`
}

// Apply merges u onto base and validates the result.
func (u ConfigUpdate) Apply(base PipelineConfig) (PipelineConfig, error) {
	next := base
	if u.AdmissionThreshold != nil {
		next.AdmissionThreshold = *u.AdmissionThreshold
	}
	if u.QualityThreshold != nil {
		next.QualityThreshold = *u.QualityThreshold
	}
	if u.CooldownSeconds != nil {
		next.CooldownSeconds = *u.CooldownSeconds
	}
	if err := next.Validate(); err != nil {
		return base, err
	}
	return next, nil
}

// PipelineState is the controller state machine position.
type PipelineState string

const (
	StateIdle        PipelineState = "idle"
	StateDispatching PipelineState = "dispatching"
)

// PipelineStatus is a consistent snapshot of the controller for monitoring.
type PipelineStatus struct {
	State               PipelineState `json:"state"`
	QueueSize           int           `json:"queue_size"`
	AdmissionThreshold  int           `json:"admission_threshold"`
	QualityThreshold    int           `json:"quality_threshold"`
	CooldownSeconds     int           `json:"cooldown_seconds"`
	LastDispatchTime    *time.Time    `json:"last_dispatch_time,omitempty"`
	CooldownRemaining   time.Duration `json:"-"`
	CooldownSecondsLeft float64       `json:"cooldown_remaining_seconds"`
	Progress            float64       `json:"progress"`
	TotalJobs           int           `json:"total_jobs"`
	Backends            []BackendInfo `json:"backends"`
}

// SubmitOutcome classifies the result of a feedback submission.
type SubmitOutcome string

const (
	OutcomeQueued          SubmitOutcome = "queued"
	OutcomeDispatchStarted SubmitOutcome = "dispatch_started"
	OutcomeDispatchFailed  SubmitOutcome = "dispatch_failed"
)

// SubmitResult is returned for every accepted feedback submission.
// Jobs and CorpusSizes are only populated when a dispatch cycle ran.
type SubmitResult struct {
	Outcome     SubmitOutcome     `json:"outcome"`
	EventID     string            `json:"event_id"`
	QueueSize   int               `json:"queue_size"`
	Jobs        []JobRecord       `json:"jobs,omitempty"`
	CorpusSizes map[BackendID]int `json:"corpus_sizes,omitempty"`
	Backends    []BackendResult   `json:"backends,omitempty"`
}

// BackendResult is the per-backend outcome of one dispatch cycle.
type BackendResult struct {
	Backend   BackendID  `json:"backend"`
	Job       *JobRecord `json:"job,omitempty"`
	Skipped   bool       `json:"skipped,omitempty"`
	ErrorKind string     `json:"error_kind,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Succeeded reports whether the backend produced a job.
func (r BackendResult) Succeeded() bool {
	return r.Job != nil
}

// DispatchReport summarizes a completed dispatch cycle for hooks.
type DispatchReport struct {
	CycleID     string            `json:"cycle_id"`
	Outcome     SubmitOutcome     `json:"outcome"`
	EventCount  int               `json:"event_count"`
	CorpusSizes map[BackendID]int `json:"corpus_sizes"`
	Backends    []BackendResult   `json:"backends"`
	CompletedAt time.Time         `json:"completed_at"`
}
