package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the envelope for list endpoints.
type ListResponse struct {
	Data  any          `json:"data"`
	Total int          `json:"total"`
	Meta  ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeInvalidConfig = "INVALID_CONFIG"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// SubmitFeedbackRequest is the request body for POST /v1/feedback.
// The server assigns ID and Timestamp.
type SubmitFeedbackRequest struct {
	Query         string         `json:"query"`
	ResponseA     string         `json:"response_a"`
	ResponseB     string         `json:"response_b"`
	Preferred     Preference     `json:"preferred"`
	OverallRating int            `json:"overall_rating"`
	QualityScores map[string]int `json:"quality_scores,omitempty"`
}

// Event converts the request into a FeedbackEvent stamped with id and now.
func (r SubmitFeedbackRequest) Event(id uuid.UUID, now time.Time) FeedbackEvent {
	return FeedbackEvent{
		ID:            id,
		Query:         r.Query,
		ResponseA:     r.ResponseA,
		ResponseB:     r.ResponseB,
		Preferred:     r.Preferred,
		OverallRating: r.OverallRating,
		QualityScores: r.QualityScores,
		Timestamp:     now,
	}
}

// JobStatusUpdate is the request body for PATCH /v1/jobs/{job_name}. An
// external poller reports backend job progress through it.
type JobStatusUpdate struct {
	Status JobStatus `json:"status"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	Principal string `json:"principal"`
	APIKey    string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	History      string `json:"history"`
	UptimeSecond int64  `json:"uptime_seconds"`
}
