package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field length limits for FeedbackEvent. Responses end up verbatim in a
// training corpus, so an unbounded field would bloat every upload.
const (
	MaxQueryLen    = 16 * 1024 // 16 KB
	MaxResponseLen = 64 * 1024 // 64 KB
	MaxQualityKeys = 32
)

// Rating bounds shared by OverallRating, QualityScores and QualityThreshold.
const (
	MinRating = 1
	MaxRating = 5
)

// Preference records which candidate answer(s) the reviewer preferred.
type Preference string

const (
	PreferA       Preference = "a"
	PreferB       Preference = "b"
	PreferBoth    Preference = "both"
	PreferNeither Preference = "neither"
)

// Valid reports whether p is one of the known preferences.
func (p Preference) Valid() bool {
	switch p {
	case PreferA, PreferB, PreferBoth, PreferNeither:
		return true
	}
	return false
}

// Includes reports whether a backend's answer was preferred.
func (p Preference) Includes(b BackendID) bool {
	switch p {
	case PreferBoth:
		return b == BackendA || b == BackendB
	case PreferA:
		return b == BackendA
	case PreferB:
		return b == BackendB
	default:
		return false
	}
}

// FeedbackEvent is one reviewer judgment over a pair of candidate answers.
// It is never mutated after the controller accepts it.
type FeedbackEvent struct {
	ID            uuid.UUID      `json:"id"`
	Query         string         `json:"query"`
	ResponseA     string         `json:"response_a"`
	ResponseB     string         `json:"response_b"`
	Preferred     Preference     `json:"preferred"`
	OverallRating int            `json:"overall_rating"`
	QualityScores map[string]int `json:"quality_scores,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Response returns the candidate answer produced by backend b.
func (e FeedbackEvent) Response(b BackendID) string {
	if b == BackendA {
		return e.ResponseA
	}
	return e.ResponseB
}

// ValidationError reports a malformed request field, most often on a
// FeedbackEvent. Events that fail validation are never queued.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Message)
}

// Validate checks the event invariants: non-empty query, known preference
// with a non-blank answer on every preferred side, and every rating within
// [MinRating, MaxRating].
func (e FeedbackEvent) Validate() error {
	if strings.TrimSpace(e.Query) == "" {
		return &ValidationError{Field: "query", Message: "must not be empty"}
	}
	if len(e.Query) > MaxQueryLen {
		return &ValidationError{Field: "query", Message: fmt.Sprintf("exceeds maximum length of %d bytes", MaxQueryLen)}
	}
	if len(e.ResponseA) > MaxResponseLen {
		return &ValidationError{Field: "response_a", Message: fmt.Sprintf("exceeds maximum length of %d bytes", MaxResponseLen)}
	}
	if len(e.ResponseB) > MaxResponseLen {
		return &ValidationError{Field: "response_b", Message: fmt.Sprintf("exceeds maximum length of %d bytes", MaxResponseLen)}
	}
	if !e.Preferred.Valid() {
		return &ValidationError{Field: "preferred", Message: fmt.Sprintf("unknown preference %q (want a, b, both or neither)", e.Preferred)}
	}
	if e.Preferred.Includes(BackendA) && strings.TrimSpace(e.ResponseA) == "" {
		return &ValidationError{Field: "response_a", Message: "must not be empty when answer a is preferred"}
	}
	if e.Preferred.Includes(BackendB) && strings.TrimSpace(e.ResponseB) == "" {
		return &ValidationError{Field: "response_b", Message: "must not be empty when answer b is preferred"}
	}
	if e.OverallRating < MinRating || e.OverallRating > MaxRating {
		return &ValidationError{Field: "overall_rating", Message: fmt.Sprintf("must be between %d and %d, got %d", MinRating, MaxRating, e.OverallRating)}
	}
	if len(e.QualityScores) > MaxQualityKeys {
		return &ValidationError{Field: "quality_scores", Message: fmt.Sprintf("at most %d dimensions allowed", MaxQualityKeys)}
	}
	for k, v := range e.QualityScores {
		if strings.TrimSpace(k) == "" {
			return &ValidationError{Field: "quality_scores", Message: "dimension name must not be empty"}
		}
		if v < MinRating || v > MaxRating {
			return &ValidationError{Field: "quality_scores." + k, Message: fmt.Sprintf("must be between %d and %d, got %d", MinRating, MaxRating, v)}
		}
	}
	return nil
}

// HighQuality reports whether the event meets the given quality threshold.
func (e FeedbackEvent) HighQuality(threshold int) bool {
	return e.OverallRating >= threshold
}
