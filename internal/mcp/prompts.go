package mcp

import (
	"context"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// compare-answers: walks a reviewer through one pairwise judgment.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("compare-answers",
			mcplib.WithPromptDescription("Compare two candidate answers and record the judgment"),
			mcplib.WithArgument("query",
				mcplib.ArgumentDescription("The prompt both backends answered"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("response_a",
				mcplib.ArgumentDescription("Backend a's answer"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("response_b",
				mcplib.ArgumentDescription("Backend b's answer"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleCompareAnswersPrompt,
	)

	// reviewer-setup: explains the feedback workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("reviewer-setup",
			mcplib.WithPromptDescription("How hikaku turns pairwise feedback into training jobs"),
		),
		s.handleReviewerSetupPrompt,
	)
}

func (s *Server) handleCompareAnswersPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	args := request.Params.Arguments
	query, a, b := args["query"], args["response_a"], args["response_b"]
	if strings.TrimSpace(query) == "" || a == "" || b == "" {
		return nil, fmt.Errorf("query, response_a and response_b arguments are required")
	}

	cfg := s.pipeline.Config()
	return &mcplib.GetPromptResult{
		Description: "Compare two answers and submit a preference",
		Messages: []mcplib.PromptMessage{
			mcplib.NewPromptMessage(mcplib.RoleUser, mcplib.NewTextContent(fmt.Sprintf(`Compare the two answers below to the same query.

QUERY:
%s

ANSWER A:
%s

ANSWER B:
%s

1. Decide which answer is better: "a", "b", "both" if both are good enough
   to train on, or "neither".
2. Rate the preferred answer(s) from 1 to 5. Only ratings of %d or higher
   count toward the next training run.
3. Optionally score individual dimensions such as accuracy or clarity (1-5).
4. CALL hikaku_submit_feedback with query, response_a, response_b,
   preferred, overall_rating and quality_scores.`, query, a, b, cfg.QualityThreshold))),
		},
	}, nil
}

func (s *Server) handleReviewerSetupPrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	cfg := s.pipeline.Config()
	return &mcplib.GetPromptResult{
		Description: "hikaku feedback workflow for reviewers",
		Messages: []mcplib.PromptMessage{
			mcplib.NewPromptMessage(mcplib.RoleUser, mcplib.NewTextContent(fmt.Sprintf(`You have access to hikaku, which retrains two model backends from
pairwise reviewer feedback.

## How feedback becomes training

Every judgment you submit joins a queue. A training run starts when:
- the queue holds at least %d events,
- at least half of the queued events are rated %d or higher, and
- %d seconds have passed since the previous run.

Each backend is trained only on high-quality judgments where its answer
was preferred.

## Available Tools

- hikaku_submit_feedback: record one judgment (reviewer role)
- hikaku_status: queue size and progress toward the next run
- hikaku_history: submitted training jobs, newest first
- hikaku_job: full record of one job
- hikaku_update_config: change admission parameters (admin role)`,
				cfg.AdmissionThreshold, cfg.QualityThreshold, cfg.CooldownSeconds))),
		},
	}, nil
}
