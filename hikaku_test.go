package hikaku_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hikaku"
)

type memBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *memBlobStore) PutObject(_ context.Context, bucket, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = make(map[string][]byte)
	}
	s.objects[bucket+"/"+key] = data
	return nil
}

func (s *memBlobStore) URI(bucket, key string) string { return "mem://" + bucket + "/" + key }

func (s *memBlobStore) only(t *testing.T) []byte {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.objects, 1)
	for _, data := range s.objects {
		return data
	}
	return nil
}

type recordingSubmitter struct {
	mu   sync.Mutex
	jobs []hikaku.TrainingJob
}

func (s *recordingSubmitter) SubmitJob(_ context.Context, job hikaku.TrainingJob) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return fmt.Sprintf("ext-%s-%d", job.Backend, len(s.jobs)), nil
}

func setEnv(t *testing.T) {
	t.Helper()
	for k, v := range map[string]string{
		"HIKAKU_OPERATORS":            "rev:reviewer:rev-key,view:reader:view-key",
		"HIKAKU_ADMISSION_THRESHOLD":  "2",
		"HIKAKU_QUALITY_THRESHOLD":    "4",
		"HIKAKU_COOLDOWN_SECONDS":     "0",
		"HIKAKU_HISTORY_BACKEND":      "memory",
		"HIKAKU_BACKEND_A_BUCKET":     "bucket-a",
		"HIKAKU_BACKEND_B_BUCKET":     "bucket-b",
		"HIKAKU_RATE_LIMIT_ENABLED":   "false",
		"HIKAKU_PUBSUB_PROJECT":       "",
		"HIKAKU_MIRROR_DIR":           "",
		"OTEL_EXPORTER_OTLP_ENDPOINT": "",
	} {
		t.Setenv(k, v)
	}
}

func token(t *testing.T, base, principal, key string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"principal": principal, "api_key": key})
	resp, err := http.Post(base+"/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Data.Token
}

func post(t *testing.T, url, tok string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAppEndToEnd(t *testing.T) {
	setEnv(t)

	storeA, storeB := &memBlobStore{}, &memBlobStore{}
	subA, subB := &recordingSubmitter{}, &recordingSubmitter{}
	reports := make(chan hikaku.DispatchReport, 1)

	app, err := hikaku.New(
		hikaku.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		hikaku.WithVersion("e2e"),
		hikaku.WithBlobStore(hikaku.BackendA, storeA),
		hikaku.WithBlobStore(hikaku.BackendB, storeB),
		hikaku.WithJobSubmitter(hikaku.BackendA, subA),
		hikaku.WithJobSubmitter(hikaku.BackendB, subB),
		hikaku.WithDispatchHook(hikaku.DispatchHookFunc(func(_ context.Context, r hikaku.DispatchReport) error {
			reports <- r
			return nil
		})),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	ts := httptest.NewServer(app.Handler())
	t.Cleanup(ts.Close)
	tok := token(t, ts.URL, "rev", "rev-key")

	fb := map[string]any{
		"query":          "Name the capital of France.",
		"response_a":     "Paris.",
		"response_b":     "Paris, on the Seine.",
		"preferred":      "both",
		"overall_rating": 5,
	}
	resp := post(t, ts.URL+"/v1/feedback", tok, fb)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = post(t, ts.URL+"/v1/feedback", tok, fb)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case r := <-reports:
		assert.Equal(t, "dispatch_started", r.Outcome)
		assert.Equal(t, 2, r.EventCount)
		assert.Equal(t, map[hikaku.Backend]int{hikaku.BackendA: 2, hikaku.BackendB: 2}, r.CorpusSizes)
		require.Len(t, r.Jobs, 2)
		assert.Equal(t, hikaku.BackendA, r.Jobs[0].Backend)
		assert.Equal(t, "ext-a-1", r.Jobs[0].ExternalID)
		assert.Equal(t, hikaku.BackendB, r.Jobs[1].Backend)
		assert.Empty(t, r.Failures)
		assert.Empty(t, r.Skipped)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch hook was not called")
	}

	require.Len(t, subA.jobs, 1)
	require.Len(t, subB.jobs, 1)
	assert.True(t, strings.HasPrefix(subA.jobs[0].TrainingURI, "mem://bucket-a/training-data/claude-"))
	assert.Equal(t, subA.jobs[0].TrainingURI, subA.jobs[0].ValidationURI)
	assert.Equal(t, "mem://bucket-b/output/", subB.jobs[0].OutputURI)

	// Backend b defaults to the contents line schema.
	assert.Contains(t, string(storeB.only(t)), `"contents"`)
	assert.NotContains(t, string(storeA.only(t)), `"contents"`)
}

func TestAppExtensionPoints(t *testing.T) {
	setEnv(t)

	var sawHeader bool
	app, err := hikaku.New(
		hikaku.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		hikaku.WithExtraRoutes(func(mux *http.ServeMux, auth hikaku.AuthHelper) {
			mux.Handle("GET /v1/ext/ping", auth.RequireRole(hikaku.RoleReviewer)(
				http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(http.StatusNoContent)
				})))
		}),
		hikaku.WithMiddleware(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Ext", "1")
				next.ServeHTTP(w, r)
			})
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	ts := httptest.NewServer(app.Handler())
	t.Cleanup(ts.Close)

	get := func(tok string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/ext/ping", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		sawHeader = resp.Header.Get("X-Ext") == "1"
		return resp
	}

	assert.Equal(t, http.StatusNoContent, get(token(t, ts.URL, "rev", "rev-key")).StatusCode)
	assert.True(t, sawHeader)
	assert.Equal(t, http.StatusForbidden, get(token(t, ts.URL, "view", "view-key")).StatusCode)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	setEnv(t)
	t.Setenv("HIKAKU_ADMISSION_THRESHOLD", "0")

	_, err := hikaku.New(hikaku.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}
