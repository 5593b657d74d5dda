package mcp

import (
	"fmt"
	"math"
	"time"

	"github.com/ashita-ai/hikaku/internal/model"
)

// compactJob returns a minimal representation of a job for MCP responses.
// Drops the blob location and example count; callers that need them use
// hikaku_job for the full record.
func compactJob(j model.JobRecord, now time.Time) map[string]any {
	m := map[string]any{
		"job_name":     j.JobName,
		"backend":      j.Backend,
		"status":       j.Status,
		"submitted_at": j.SubmittedAt,
	}
	if j.EstimatedCompletion != nil {
		m["estimated_completion"] = j.EstimatedCompletion
	}
	if note := jobNote(j, now); note != "" {
		m["note"] = note
	}
	return m
}

// jobNote produces a short human-readable progress note. Returns "" for
// finished jobs and jobs without an estimate.
func jobNote(j model.JobRecord, now time.Time) string {
	if j.Status == model.JobSucceeded || j.Status == model.JobFailed || j.EstimatedCompletion == nil {
		return ""
	}
	left := j.EstimatedCompletion.Sub(now)
	if left <= 0 {
		return "Past its estimated completion; status has not been refreshed."
	}
	return fmt.Sprintf("About %s remaining.", roundDuration(left))
}

func roundDuration(d time.Duration) time.Duration {
	if d >= time.Hour {
		return d.Round(time.Minute)
	}
	return d.Round(time.Second)
}

// compactStatus flattens a PipelineStatus for agents: progress is expressed
// as a percentage and backend details are reduced to their availability.
func compactStatus(st model.PipelineStatus) map[string]any {
	m := map[string]any{
		"state":               st.State,
		"queue_size":          st.QueueSize,
		"admission_threshold": st.AdmissionThreshold,
		"quality_threshold":   st.QualityThreshold,
		"progress_percent":    math.Round(st.Progress * 100),
		"total_jobs":          st.TotalJobs,
	}
	if st.LastDispatchTime != nil {
		m["last_dispatch_time"] = st.LastDispatchTime
	}
	if st.CooldownSecondsLeft > 0 {
		m["cooldown_remaining_seconds"] = math.Ceil(st.CooldownSecondsLeft)
	}
	available := make([]model.BackendID, 0, len(st.Backends))
	for _, b := range st.Backends {
		if b.Enabled && b.Configured {
			available = append(available, b.ID)
		}
	}
	m["available_backends"] = available
	return m
}

// compactSubmitResult drops the nested job records from a cycle result and
// keeps only what an agent reports back to the reviewer.
func compactSubmitResult(r model.SubmitResult) map[string]any {
	m := map[string]any{
		"outcome":    r.Outcome,
		"event_id":   r.EventID,
		"queue_size": r.QueueSize,
	}
	if len(r.Backends) == 0 {
		return m
	}
	backends := make([]map[string]any, 0, len(r.Backends))
	for _, b := range r.Backends {
		entry := map[string]any{"backend": b.Backend}
		switch {
		case b.Skipped:
			entry["result"] = "skipped"
		case b.Job != nil:
			entry["result"] = "submitted"
			entry["job_name"] = b.Job.JobName
			entry["examples"] = b.Job.TrainingExampleCount
		default:
			entry["result"] = "failed"
			entry["error_kind"] = b.ErrorKind
			entry["error"] = b.Error
		}
		backends = append(backends, entry)
	}
	m["backends"] = backends
	return m
}
