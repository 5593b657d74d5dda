package mcp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/hikaku/internal/model"
	"github.com/ashita-ai/hikaku/internal/storage"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

func (s *Server) registerTools() {
	// hikaku_submit_feedback: record one reviewer judgment.
	s.mcpServer.AddTool(
		mcplib.NewTool("hikaku_submit_feedback",
			mcplib.WithDescription(`Record which of two candidate answers to a query was better.

WHEN TO USE: After a reviewer has compared answer A (from backend a) and
answer B (from backend b) for the same query. Each submission is queued;
once enough high-quality feedback has accumulated and the cooldown has
elapsed, the submission that tips the queue over triggers a training
dispatch to both backends.

WHAT TO INCLUDE:
- preferred: "a", "b", "both" (both answers were good) or "neither"
- overall_rating: 1-5. Ratings at or above the quality threshold count
  toward admission.
- quality_scores: optional per-dimension ratings, e.g. {"accuracy": 5}

Requires the reviewer role.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("query",
				mcplib.Description("The prompt both backends answered"),
				mcplib.Required(),
				mcplib.MaxLength(model.MaxQueryLen),
			),
			mcplib.WithString("response_a",
				mcplib.Description("Backend a's answer"),
				mcplib.Required(),
				mcplib.MaxLength(model.MaxResponseLen),
			),
			mcplib.WithString("response_b",
				mcplib.Description("Backend b's answer"),
				mcplib.Required(),
				mcplib.MaxLength(model.MaxResponseLen),
			),
			mcplib.WithString("preferred",
				mcplib.Description("Which answer was preferred"),
				mcplib.Required(),
				mcplib.Enum(string(model.PreferA), string(model.PreferB), string(model.PreferBoth), string(model.PreferNeither)),
			),
			mcplib.WithNumber("overall_rating",
				mcplib.Description("Overall quality of the preferred answer(s), 1-5"),
				mcplib.Required(),
				mcplib.Min(model.MinRating),
				mcplib.Max(model.MaxRating),
			),
			mcplib.WithObject("quality_scores",
				mcplib.Description("Optional per-dimension ratings, each 1-5"),
				mcplib.AdditionalProperties(map[string]any{
					"type":    "integer",
					"minimum": model.MinRating,
					"maximum": model.MaxRating,
				}),
			),
		),
		s.handleSubmitFeedback,
	)

	// hikaku_status: pipeline snapshot.
	s.mcpServer.AddTool(
		mcplib.NewTool("hikaku_status",
			mcplib.WithDescription(`Show the feedback queue and how close it is to the next training dispatch.

Returns the controller state, queue size, admission progress, remaining
cooldown and which backends are available.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleStatus,
	)

	// hikaku_history: submitted training jobs.
	s.mcpServer.AddTool(
		mcplib.NewTool("hikaku_history",
			mcplib.WithDescription(`List submitted training jobs, newest first.

Use hikaku_job with a job_name from this list for the full record.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("backend",
				mcplib.Description("Optional: only jobs for this backend"),
				mcplib.Enum(string(model.BackendA), string(model.BackendB)),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum jobs to return"),
				mcplib.Min(1),
				mcplib.Max(maxHistoryLimit),
				mcplib.DefaultNumber(defaultHistoryLimit),
			),
		),
		s.handleHistory,
	)

	// hikaku_job: one job's full record.
	s.mcpServer.AddTool(
		mcplib.NewTool("hikaku_job",
			mcplib.WithDescription("Get the full record of one training job by name."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("job_name",
				mcplib.Description("Job name as returned by hikaku_history or a dispatch result"),
				mcplib.Required(),
			),
		),
		s.handleJob,
	)

	// hikaku_update_config: admission parameters.
	s.mcpServer.AddTool(
		mcplib.NewTool("hikaku_update_config",
			mcplib.WithDescription(`Change the admission parameters. Omitted fields keep their value.
The change applies from the next submission. Requires the admin role.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("admission_threshold",
				mcplib.Description("High-quality events required before a dispatch"),
				mcplib.Min(1),
			),
			mcplib.WithNumber("quality_threshold",
				mcplib.Description("Minimum overall rating that counts as high quality"),
				mcplib.Min(model.MinRating),
				mcplib.Max(model.MaxRating),
			),
			mcplib.WithNumber("cooldown_seconds",
				mcplib.Description("Minimum seconds between dispatches"),
				mcplib.Min(0),
			),
		),
		s.handleUpdateConfig,
	)
}

func (s *Server) handleSubmitFeedback(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if denied := requireRole(ctx, model.RoleReviewer); denied != nil {
		return denied, nil
	}

	scores, err := qualityScores(request.GetArguments()["quality_scores"])
	if err != nil {
		return errorResult(err.Error()), nil
	}
	event := model.FeedbackEvent{
		ID:            uuid.New(),
		Query:         request.GetString("query", ""),
		ResponseA:     request.GetString("response_a", ""),
		ResponseB:     request.GetString("response_b", ""),
		Preferred:     model.Preference(request.GetString("preferred", "")),
		OverallRating: request.GetInt("overall_rating", 0),
		QualityScores: scores,
		Timestamp:     time.Now().UTC(),
	}

	res, err := s.pipeline.Submit(ctx, event)
	if err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			return errorResult(verr.Error()), nil
		}
		return errorResult(fmt.Sprintf("submit failed: %v", err)), nil
	}
	s.logger.Info("mcp: feedback submitted",
		"principal", principal(ctx),
		"event_id", res.EventID,
		"outcome", res.Outcome,
	)
	return jsonResult(compactSubmitResult(res))
}

// qualityScores converts the decoded JSON object into integer ratings.
// Fractional values are rejected rather than truncated.
func qualityScores(raw any) (map[string]int, error) {
	if raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.New("quality_scores must be an object")
	}
	scores := make(map[string]int, len(obj))
	for k, v := range obj {
		switch n := v.(type) {
		case int:
			scores[k] = n
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("quality_scores[%s] must be an integer", k)
			}
			scores[k] = int(n)
		default:
			return nil, fmt.Errorf("quality_scores[%s] must be a number", k)
		}
	}
	return scores, nil
}

func (s *Server) handleStatus(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if denied := requireRole(ctx, model.RoleReader); denied != nil {
		return denied, nil
	}
	return jsonResult(compactStatus(s.pipeline.Status()))
}

func (s *Server) handleHistory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if denied := requireRole(ctx, model.RoleReader); denied != nil {
		return denied, nil
	}
	backend := model.BackendID(request.GetString("backend", ""))
	limit := request.GetInt("limit", defaultHistoryLimit)
	if limit < 1 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	jobs, err := s.pipeline.History(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("history failed: %v", err)), nil
	}

	now := time.Now()
	out := make([]map[string]any, 0, min(limit, len(jobs)))
	for _, j := range slices.Backward(jobs) {
		if backend != "" && j.Backend != backend {
			continue
		}
		out = append(out, compactJob(j, now))
		if len(out) == limit {
			break
		}
	}
	return jsonResult(map[string]any{
		"jobs":  out,
		"total": len(out),
	})
}

func (s *Server) handleJob(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if denied := requireRole(ctx, model.RoleReader); denied != nil {
		return denied, nil
	}
	name, err := request.RequireString("job_name")
	if err != nil || name == "" {
		return errorResult("job_name is required"), nil
	}
	job, err := s.pipeline.Job(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult("job not found: " + name), nil
		}
		return errorResult(fmt.Sprintf("job lookup failed: %v", err)), nil
	}
	return jsonResult(job)
}

func (s *Server) handleUpdateConfig(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if denied := requireRole(ctx, model.RoleAdmin); denied != nil {
		return denied, nil
	}
	args := request.GetArguments()
	var update model.ConfigUpdate
	if _, ok := args["admission_threshold"]; ok {
		v := request.GetInt("admission_threshold", 0)
		update.AdmissionThreshold = &v
	}
	if _, ok := args["quality_threshold"]; ok {
		v := request.GetInt("quality_threshold", 0)
		update.QualityThreshold = &v
	}
	if _, ok := args["cooldown_seconds"]; ok {
		v := request.GetInt("cooldown_seconds", -1)
		update.CooldownSeconds = &v
	}

	cfg, err := s.pipeline.UpdateConfig(update)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	s.logger.Info("mcp: config updated", "principal", principal(ctx))
	return jsonResult(cfg)
}
