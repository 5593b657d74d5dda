package hikaku

import (
	"context"
	"net/http"
)

// DispatchHook receives a report after every completed dispatch cycle.
// Multiple hooks may be registered via multiple WithDispatchHook calls.
// Hooks run in goroutines after the cycle has committed; a failure is logged
// and never changes the cycle's outcome.
type DispatchHook interface {
	OnDispatch(ctx context.Context, report DispatchReport) error
}

// DispatchHookFunc adapts a function to DispatchHook.
type DispatchHookFunc func(ctx context.Context, report DispatchReport) error

// OnDispatch calls f.
func (f DispatchHookFunc) OnDispatch(ctx context.Context, report DispatchReport) error {
	return f(ctx, report)
}

// BlobStore stores uploaded training corpora.
// When provided via WithBlobStore, replaces the S3-compatible store built
// from the backend's storage settings.
type BlobStore interface {
	PutObject(ctx context.Context, bucket, key string, data []byte) error
	// URI returns the provider URI for an object, e.g. s3://bucket/key.
	URI(bucket, key string) string
}

// JobSubmitter starts a fine-tuning job and returns the provider's job ID.
// When provided via WithJobSubmitter, replaces the built-in Bedrock (backend
// a) or Vertex AI (backend b) submitter.
type JobSubmitter interface {
	SubmitJob(ctx context.Context, job TrainingJob) (string, error)
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extra routes share the mux, auth chain and OTEL instrumentation with the
// built-in routes. The function is called once during New().
type RouteRegistrar func(mux *http.ServeMux, auth AuthHelper)

// AuthHelper provides RBAC middleware for use in RouteRegistrar.
type AuthHelper interface {
	RequireRole(role Role) func(http.Handler) http.Handler
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
