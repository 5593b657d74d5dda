// Package gate decides when queued feedback justifies a retraining cycle.
// It is a pure function of the queue, the configuration, and the clock.
package gate

import (
	"time"

	"github.com/ashita-ai/hikaku/internal/model"
)

// Reason explains an admission decision.
type Reason string

const (
	ReasonAdmitted            Reason = "admitted"
	ReasonBelowThreshold      Reason = "below_admission_threshold"
	ReasonCooldown            Reason = "cooldown_active"
	ReasonInsufficientQuality Reason = "insufficient_high_quality"
)

// Decision is the full result of an admission evaluation.
type Decision struct {
	Admit             bool
	Reason            Reason
	QueueSize         int
	HighQuality       int
	RequiredQuality   int
	CooldownRemaining time.Duration
}

// ShouldAdmit reports whether queue should be dispatched now.
func ShouldAdmit(queue []model.FeedbackEvent, cfg model.PipelineConfig, last *time.Time, now time.Time) bool {
	return Evaluate(queue, cfg, last, now).Admit
}

// Evaluate applies the three admission rules in order:
//  1. len(queue) >= AdmissionThreshold
//  2. no previous dispatch, or at least Cooldown has elapsed since it
//  3. high-quality events >= floor(len(queue)/2)
//
// Rule 3 uses floor division: 1 of 2 and 1 of 3 admit; 1 of 4 does not.
func Evaluate(queue []model.FeedbackEvent, cfg model.PipelineConfig, last *time.Time, now time.Time) Decision {
	d := Decision{QueueSize: len(queue), RequiredQuality: len(queue) / 2}

	if len(queue) < cfg.AdmissionThreshold {
		d.Reason = ReasonBelowThreshold
		return d
	}

	if remaining := CooldownRemaining(cfg, last, now); remaining > 0 {
		d.Reason = ReasonCooldown
		d.CooldownRemaining = remaining
		return d
	}

	for _, e := range queue {
		if e.HighQuality(cfg.QualityThreshold) {
			d.HighQuality++
		}
	}
	if d.HighQuality < d.RequiredQuality {
		d.Reason = ReasonInsufficientQuality
		return d
	}

	d.Admit = true
	d.Reason = ReasonAdmitted
	return d
}

// CooldownRemaining returns max(0, cooldown - (now - last)), or zero when
// there has been no dispatch.
func CooldownRemaining(cfg model.PipelineConfig, last *time.Time, now time.Time) time.Duration {
	if last == nil {
		return 0
	}
	remaining := cfg.Cooldown() - now.Sub(*last)
	if remaining < 0 {
		return 0
	}
	return remaining
}
