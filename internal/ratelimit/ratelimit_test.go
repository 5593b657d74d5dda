package ratelimit_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hikaku/internal/model"
	"github.com/ashita-ai/hikaku/internal/ratelimit"
	"github.com/ashita-ai/hikaku/internal/testutil"
)

var testRedis *redis.Client

func TestMain(m *testing.M) {
	tc, err := testutil.StartRedis()
	if err == nil {
		testRedis = redis.NewClient(&redis.Options{Addr: tc.DSN})
		if pingErr := testRedis.Ping(context.Background()).Err(); pingErr != nil {
			_ = testRedis.Close()
			testRedis = nil
		}
	}
	code := m.Run()
	if testRedis != nil {
		_ = testRedis.Close()
	}
	if tc != nil {
		tc.Terminate()
	}
	os.Exit(code)
}

func requireRedis(t *testing.T) {
	t.Helper()
	if testRedis == nil {
		t.Skip("redis container unavailable")
	}
}

func TestRedisLimiter_Window(t *testing.T) {
	requireRedis(t)
	ctx := context.Background()
	l := ratelimit.NewRedisLimiter(testRedis, "test:"+uuid.NewString(), 3, time.Second)

	for i := range 3 {
		ok, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within limit", i+1)
	}
	ok, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Allow(ctx, "other")
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	time.Sleep(1100 * time.Millisecond)
	ok, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok, "window slid past earlier requests")
}

func TestRedisLimiter_CloseKeepsSharedClient(t *testing.T) {
	requireRedis(t)
	l := ratelimit.NewRedisLimiter(testRedis, "test:"+uuid.NewString(), 1, time.Second)
	require.NoError(t, l.Close())
	assert.NoError(t, testRedis.Ping(context.Background()).Err())
}

func TestNewRedisLimiterFromURL_BadURL(t *testing.T) {
	_, err := ratelimit.NewRedisLimiterFromURL(context.Background(), "not a url", "p", 1, time.Second)
	assert.Error(t, err)
}

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allow, s.err
}

func (s *stubLimiter) Close() error { return nil }

func serve(t *testing.T, l ratelimit.Limiter, keyFunc ratelimit.KeyFunc) *httptest.ResponseRecorder {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := ratelimit.Middleware(l, keyFunc, func(*http.Request) string { return "req-1" }, logger)(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }),
	)
	req := httptest.NewRequest(http.MethodPost, "/v1/feedback", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Allows(t *testing.T) {
	l := &stubLimiter{allow: true}
	rec := serve(t, l, ratelimit.IPKeyFunc)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"ip:10.0.0.7"}, l.keys)
}

func TestMiddleware_Denies(t *testing.T) {
	rec := serve(t, &stubLimiter{allow: false}, ratelimit.IPKeyFunc)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var body model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.Equal(t, "req-1", body.Meta.RequestID)
}

func TestMiddleware_FailsOpen(t *testing.T) {
	rec := serve(t, &stubLimiter{err: errors.New("redis down")}, ratelimit.IPKeyFunc)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMiddleware_EmptyKeySkips(t *testing.T) {
	l := &stubLimiter{allow: false}
	rec := serve(t, l, func(*http.Request) string { return "" })
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, l.keys)
}

func TestForwardedIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:80"
	assert.Equal(t, "ip:10.0.0.1", ratelimit.ForwardedIPKeyFunc(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "ip:203.0.113.9", ratelimit.ForwardedIPKeyFunc(req))
	assert.Equal(t, "ip:10.0.0.1", ratelimit.IPKeyFunc(req))
}
