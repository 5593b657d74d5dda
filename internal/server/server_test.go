package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hikaku/internal/auth"
	"github.com/ashita-ai/hikaku/internal/dispatch"
	"github.com/ashita-ai/hikaku/internal/mcp"
	"github.com/ashita-ai/hikaku/internal/model"
	"github.com/ashita-ai/hikaku/internal/ratelimit"
	"github.com/ashita-ai/hikaku/internal/server"
	"github.com/ashita-ai/hikaku/internal/service/pipeline"
	"github.com/ashita-ai/hikaku/internal/storage"
	"github.com/ashita-ai/hikaku/internal/testutil"
)

// stubDispatcher accepts every corpus and names jobs <backend>-job-<n>.
type stubDispatcher struct {
	id model.BackendID
	mu sync.Mutex
	n  int
}

func (d *stubDispatcher) Backend() model.BackendID { return d.id }

func (d *stubDispatcher) Info() model.BackendInfo {
	return model.BackendInfo{ID: d.id, Name: "stub-" + string(d.id), Enabled: true, Configured: true}
}

func (d *stubDispatcher) Dispatch(_ context.Context, examples []model.TrainingExample) (dispatch.Outcome, error) {
	d.mu.Lock()
	d.n++
	name := fmt.Sprintf("%s-job-%d", d.id, d.n)
	d.mu.Unlock()
	return dispatch.Outcome{
		Job: model.JobRecord{
			JobName:              name,
			Backend:              d.id,
			ExternalJobID:        "ext-" + name,
			TrainingExampleCount: len(examples),
			BlobLocation:         "mem://" + name,
			Status:               model.JobSubmitted,
		},
		Upload: model.DataUpload{Backend: d.id, BlobLocation: "mem://" + name, TrainingExampleCount: len(examples)},
	}, nil
}

type testEnv struct {
	srv         *httptest.Server
	ctrl        *pipeline.Controller
	adminToken  string
	reviewToken string
	readToken   string
}

type envOption func(*server.ServerConfig)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	logger := testutil.TestLogger()

	cfg := model.PipelineConfig{AdmissionThreshold: 2, QualityThreshold: 3, CooldownSeconds: 3600}
	ctrl, err := pipeline.New(cfg,
		[]dispatch.Dispatcher{&stubDispatcher{id: model.BackendA}, &stubDispatcher{id: model.BackendB}},
		storage.NewMemoryStore(), logger)
	require.NoError(t, err)

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	keyring := auth.NewKeyring()
	require.NoError(t, keyring.Add("ops", model.RoleAdmin, "admin-key"))
	require.NoError(t, keyring.Add("rev", model.RoleReviewer, "review-key"))
	require.NoError(t, keyring.Add("viewer", model.RoleReader, "read-key"))

	scfg := server.ServerConfig{
		Pipeline:            ctrl,
		JWTMgr:              jwtMgr,
		Keyring:             keyring,
		Logger:              logger,
		MCPServer:           mcp.New(ctrl, logger, "test").MCPServer(),
		Version:             "test",
		HistoryBackend:      "memory",
		MaxRequestBodyBytes: 64 * 1024,
		OpenAPISpec:         []byte("openapi: 3.1.0\n"),
	}
	for _, o := range opts {
		o(&scfg)
	}
	srv := httptest.NewServer(server.New(scfg).Handler())
	t.Cleanup(srv.Close)

	env := &testEnv{srv: srv, ctrl: ctrl}
	env.adminToken = env.token(t, "ops", "admin-key")
	env.reviewToken = env.token(t, "rev", "review-key")
	env.readToken = env.token(t, "viewer", "read-key")
	return env
}

func (e *testEnv) token(t *testing.T, principal, apiKey string) string {
	t.Helper()
	resp := e.do(t, "POST", "/auth/token", "", model.AuthTokenRequest{Principal: principal, APIKey: apiKey})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result struct {
		Data model.AuthTokenResponse `json:"data"`
	}
	decode(t, resp, &result)
	require.NotEmpty(t, result.Data.Token)
	return result.Data.Token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		if raw, ok := body.(string); ok {
			bodyReader = strings.NewReader(raw)
		} else {
			data, err := json.Marshal(body)
			require.NoError(t, err)
			bodyReader = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, bodyReader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target), "body: %s", data)
}

func errorCode(t *testing.T, resp *http.Response) model.ErrorDetail {
	t.Helper()
	var apiErr model.APIError
	decode(t, resp, &apiErr)
	return apiErr.Error
}

func feedback(pref model.Preference, rating int) model.SubmitFeedbackRequest {
	return model.SubmitFeedbackRequest{
		Query:         "Summarize the release notes.",
		ResponseA:     "Bug fixes and a faster startup.",
		ResponseB:     "Various changes.",
		Preferred:     pref,
		OverallRating: rating,
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var result struct {
		Data model.HealthResponse `json:"data"`
	}
	decode(t, resp, &result)
	assert.Equal(t, "healthy", result.Data.Status)
	assert.Equal(t, "memory:ok", result.Data.History)
	assert.Equal(t, "test", result.Data.Version)
}

func TestHealthEndpoint_HistoryDown(t *testing.T) {
	env := newTestEnv(t, func(c *server.ServerConfig) {
		c.HistoryBackend = "postgres"
		c.HistoryPing = func(context.Context) error { return errors.New("connection refused") }
	})
	resp := env.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var result struct {
		Data model.HealthResponse `json:"data"`
	}
	decode(t, resp, &result)
	assert.Equal(t, "unhealthy", result.Data.Status)
	assert.Equal(t, "postgres:disconnected", result.Data.History)
}

func TestAuthFlow(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "POST", "/auth/token", "", model.AuthTokenRequest{Principal: "ops", APIKey: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnauthorized, errorCode(t, resp).Code)

	resp = env.do(t, "POST", "/auth/token", "", model.AuthTokenRequest{Principal: "nobody", APIKey: "admin-key"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, "POST", "/auth/token", "", model.AuthTokenRequest{Principal: "bad principal", APIKey: "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, "POST", "/auth/token", "", `{"principal":"ops","api_key":"admin-key","role":"admin"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown fields are rejected")
}

func TestUnauthenticatedAccess(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, "GET", "/v1/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, "GET", "/v1/status", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubmitFeedback(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "POST", "/v1/feedback", env.reviewToken, feedback(model.PreferA, 4))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var queued struct {
		Data model.SubmitResult `json:"data"`
	}
	decode(t, resp, &queued)
	assert.Equal(t, model.OutcomeQueued, queued.Data.Outcome)
	assert.Equal(t, 1, queued.Data.QueueSize)
	assert.NotEmpty(t, queued.Data.EventID)

	resp = env.do(t, "POST", "/v1/feedback", env.reviewToken, feedback(model.PreferA, 5))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dispatched struct {
		Data model.SubmitResult `json:"data"`
	}
	decode(t, resp, &dispatched)
	assert.Equal(t, model.OutcomeDispatchStarted, dispatched.Data.Outcome)
	require.Len(t, dispatched.Data.Jobs, 1)
	assert.Equal(t, "a-job-1", dispatched.Data.Jobs[0].JobName)
	assert.Equal(t, 2, dispatched.Data.CorpusSizes[model.BackendA])
	assert.Equal(t, 0, dispatched.Data.CorpusSizes[model.BackendB])
	assert.Equal(t, 0, dispatched.Data.QueueSize)
}

func TestSubmitFeedback_Rejections(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "POST", "/v1/feedback", env.reviewToken, feedback("maybe", 4))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	detail := errorCode(t, resp)
	assert.Equal(t, model.ErrCodeInvalidInput, detail.Code)
	assert.Equal(t, map[string]any{"field": "preferred"}, detail.Details)

	resp = env.do(t, "POST", "/v1/feedback", env.reviewToken, feedback(model.PreferB, 9))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	blank := feedback(model.PreferA, 5)
	blank.ResponseA = " "
	resp = env.do(t, "POST", "/v1/feedback", env.reviewToken, blank)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, map[string]any{"field": "response_a"}, errorCode(t, resp).Details)

	resp = env.do(t, "POST", "/v1/feedback", env.reviewToken, `{"query":"q","preferred":"a","overall_rating":4,"id":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "clients cannot set server-assigned fields")

	resp = env.do(t, "POST", "/v1/feedback", env.reviewToken, `{"query":"`+strings.Repeat("x", 70*1024)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp = env.do(t, "POST", "/v1/feedback", env.readToken, feedback(model.PreferA, 4))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	assert.Equal(t, 0, env.ctrl.Status().QueueSize)
}

func TestReadEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "POST", "/v1/feedback", env.reviewToken, feedback(model.PreferBoth, 5))
	env.do(t, "POST", "/v1/feedback", env.reviewToken, feedback(model.PreferBoth, 5))

	resp := env.do(t, "GET", "/v1/status", env.readToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status struct {
		Data model.PipelineStatus `json:"data"`
	}
	decode(t, resp, &status)
	assert.Equal(t, model.StateIdle, status.Data.State)
	assert.Equal(t, 2, status.Data.TotalJobs)
	require.NotNil(t, status.Data.LastDispatchTime)
	assert.Greater(t, status.Data.CooldownSecondsLeft, 3500.0)

	resp = env.do(t, "GET", "/v1/history", env.readToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history struct {
		Data  []model.JobRecord `json:"data"`
		Total int               `json:"total"`
	}
	decode(t, resp, &history)
	assert.Equal(t, 2, history.Total)
	require.Len(t, history.Data, 2)

	resp = env.do(t, "GET", "/v1/uploads", env.readToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var uploads struct {
		Data  []model.DataUpload `json:"data"`
		Total int                `json:"total"`
	}
	decode(t, resp, &uploads)
	assert.Equal(t, 2, uploads.Total)

	resp = env.do(t, "GET", "/v1/backends", env.readToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var backends struct {
		Data []model.BackendInfo `json:"data"`
	}
	decode(t, resp, &backends)
	require.Len(t, backends.Data, 2)
	assert.Equal(t, model.BackendA, backends.Data[0].ID)

	resp = env.do(t, "GET", "/v1/jobs/b-job-1", env.readToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job struct {
		Data model.JobRecord `json:"data"`
	}
	decode(t, resp, &job)
	assert.Equal(t, "ext-b-job-1", job.Data.ExternalJobID)

	resp = env.do(t, "GET", "/v1/jobs/missing", env.readToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, errorCode(t, resp).Code)
}

func TestUpdateJobStatus(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "POST", "/v1/feedback", env.reviewToken, feedback(model.PreferA, 5))
	env.do(t, "POST", "/v1/feedback", env.reviewToken, feedback(model.PreferA, 5))

	body := model.JobStatusUpdate{Status: model.JobRunning}
	resp := env.do(t, "PATCH", "/v1/jobs/a-job-1", env.readToken, body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, "PATCH", "/v1/jobs/a-job-1", env.adminToken, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job struct {
		Data model.JobRecord `json:"data"`
	}
	decode(t, resp, &job)
	assert.Equal(t, model.JobRunning, job.Data.Status)

	resp = env.do(t, "GET", "/v1/jobs/a-job-1", env.readToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &job)
	assert.Equal(t, model.JobRunning, job.Data.Status)

	resp = env.do(t, "PATCH", "/v1/jobs/a-job-1", env.adminToken, model.JobStatusUpdate{Status: "exploded"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, map[string]any{"field": "status"}, errorCode(t, resp).Details)

	resp = env.do(t, "PATCH", "/v1/jobs/missing", env.adminToken, body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConfigEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "GET", "/v1/config", env.readToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cfg struct {
		Data model.PipelineConfig `json:"data"`
	}
	decode(t, resp, &cfg)
	assert.Equal(t, 2, cfg.Data.AdmissionThreshold)

	resp = env.do(t, "PATCH", "/v1/config", env.reviewToken, map[string]any{"admission_threshold": 5})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, "PATCH", "/v1/config", env.adminToken, map[string]any{"quality_threshold": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	detail := errorCode(t, resp)
	assert.Equal(t, model.ErrCodeInvalidConfig, detail.Code)
	assert.Equal(t, map[string]any{"field": "quality_threshold"}, detail.Details)
	assert.Equal(t, 3, env.ctrl.Config().QualityThreshold, "failed update keeps prior config")

	resp = env.do(t, "PATCH", "/v1/config", env.adminToken, map[string]any{"cooldown_seconds": 0, "not_a_key": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &cfg)
	assert.Equal(t, 0, cfg.Data.CooldownSeconds)
	assert.Equal(t, 2, cfg.Data.AdmissionThreshold)
}

func TestReset(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "POST", "/v1/feedback", env.reviewToken, feedback(model.PreferA, 1))
	require.Equal(t, 1, env.ctrl.Status().QueueSize)

	resp := env.do(t, "POST", "/v1/reset", env.readToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, model.ErrCodeForbidden, errorCode(t, resp).Code)

	resp = env.do(t, "POST", "/v1/reset", env.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status struct {
		Data model.PipelineStatus `json:"data"`
	}
	decode(t, resp, &status)
	assert.Equal(t, 0, status.Data.QueueSize)
	assert.Nil(t, status.Data.LastDispatchTime)
}

func TestOpenAPISpec(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, "GET", "/openapi.yaml", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "openapi: 3.1.0\n", string(data))
}

func TestTokenEndpointRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0, 3)
	t.Cleanup(func() { _ = limiter.Close() })
	env := newTestEnv(t, func(c *server.ServerConfig) { c.RateLimiter = limiter })

	// newTestEnv spent the three-token burst issuing its own tokens.
	resp := env.do(t, "POST", "/auth/token", "", model.AuthTokenRequest{Principal: "ops", APIKey: "admin-key"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, model.ErrCodeRateLimited, errorCode(t, resp).Code)

	// Feedback is keyed on the principal, not the shared loopback address.
	resp = env.do(t, "POST", "/v1/feedback", env.reviewToken, feedback(model.PreferA, 4))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestExtensionPoints(t *testing.T) {
	var sawRequest atomic.Bool
	env := newTestEnv(t, func(c *server.ServerConfig) {
		c.ExtraRoutes = append(c.ExtraRoutes, func(mux *http.ServeMux, role server.RoleMiddlewareFn) {
			mux.Handle("GET /v1/extra", role(model.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusTeapot)
			})))
		})
		c.Middlewares = append(c.Middlewares, func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				sawRequest.Store(true)
				next.ServeHTTP(w, r)
			})
		})
	})

	resp := env.do(t, "GET", "/v1/extra", env.adminToken, nil)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	resp = env.do(t, "GET", "/v1/extra", env.readToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.True(t, sawRequest.Load())
}

// newMCPClient creates an MCP client that connects to the test server's /mcp
// endpoint with the given bearer token.
func newMCPClient(t *testing.T, env *testEnv, token string) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(
		env.srv.URL+"/mcp",
		mcptransport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + token,
		}),
	)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func initialize(ctx context.Context, c *mcpclient.Client) (*mcplib.InitializeResult, error) {
	return c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ProtocolVersion: mcplib.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
}

func TestMCPOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := newMCPClient(t, env, env.reviewToken)

	initResult, err := initialize(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, "hikaku", initResult.ServerInfo.Name)
	assert.Equal(t, "test", initResult.ServerInfo.Version)

	tools, err := c.ListTools(ctx, mcplib.ListToolsRequest{})
	require.NoError(t, err)
	assert.Len(t, tools.Tools, 5)

	callReq := mcplib.CallToolRequest{}
	callReq.Params.Name = "hikaku_submit_feedback"
	callReq.Params.Arguments = map[string]any{
		"query":          "q",
		"response_a":     "a",
		"response_b":     "b",
		"preferred":      "a",
		"overall_rating": 4,
	}
	result, err := c.CallTool(ctx, callReq)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, 1, env.ctrl.Status().QueueSize, "claims reach the tool handler")
}

func TestMCPUnauthenticated(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, "POST", "/mcp", "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
