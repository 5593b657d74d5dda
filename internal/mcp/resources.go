package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/hikaku/internal/storage"
)

const (
	uriStatus     = "hikaku://pipeline/status"
	uriConfig     = "hikaku://pipeline/config"
	uriJobsPrefix = "hikaku://jobs/"
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriStatus,
			"Pipeline Status",
			mcplib.WithResourceDescription("Queue size, admission progress, cooldown and backend availability"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleStatusResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriConfig,
			"Pipeline Config",
			mcplib.WithResourceDescription("Active admission parameters"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleConfigResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			uriJobsPrefix+"{job_name}",
			"Training Job",
			mcplib.WithTemplateDescription("Full record of one submitted training job"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleJobResource,
	)
}

func (s *Server) handleStatusResource(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonResource(request.Params.URI, s.pipeline.Status())
}

func (s *Server) handleConfigResource(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonResource(request.Params.URI, s.pipeline.Config())
}

func (s *Server) handleJobResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	name := strings.TrimPrefix(uri, uriJobsPrefix)
	if name == uri || name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("mcp: invalid job URI: %s", uri)
	}
	job, err := s.pipeline.Job(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("mcp: job not found: %s", name)
		}
		return nil, fmt.Errorf("mcp: job resource: %w", err)
	}
	return jsonResource(uri, job)
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
