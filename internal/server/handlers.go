package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/hikaku/internal/auth"
	"github.com/ashita-ai/hikaku/internal/model"
	"github.com/ashita-ai/hikaku/internal/service/pipeline"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	pipeline            *pipeline.Controller
	jwtMgr              *auth.JWTManager
	keyring             *auth.Keyring
	historyBackend      string
	historyPing         func(context.Context) error
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): HistoryPing, Broker, OpenAPISpec.
type HandlersDeps struct {
	Pipeline            *pipeline.Controller
	JWTMgr              *auth.JWTManager
	Keyring             *auth.Keyring
	HistoryBackend      string
	HistoryPing         func(context.Context) error
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	backend := d.HistoryBackend
	if backend == "" {
		backend = "memory"
	}
	return &Handlers{
		pipeline:            d.Pipeline,
		jwtMgr:              d.JWTMgr,
		keyring:             d.Keyring,
		historyBackend:      backend,
		historyPing:         d.HistoryPing,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: maxBody,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, false); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidatePrincipal(req.Principal); err != nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	op, err := h.keyring.Authenticate(req.Principal, req.APIKey)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			h.logger.Warn("auth: key verification failed", "principal", req.Principal, "error", err)
		}
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(op)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	h.logger.Info("auth: token issued", "principal", op.Principal, "role", op.Role)
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	history := "ok"
	httpStatus := http.StatusOK
	if h.historyPing != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.historyPing(ctx); err != nil {
			h.logger.Warn("health: history store unreachable", "backend", h.historyBackend, "error", err)
			status = "unhealthy"
			history = "disconnected"
			httpStatus = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:       status,
		Version:      h.version,
		History:      h.historyBackend + ":" + history,
		UptimeSecond: int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleEvents handles GET /v1/events (SSE stream of completed dispatch cycles).
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"event stream not available (requires postgres history with LISTEN/NOTIFY)")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	// Subscribe before the headers go out so a client that has seen the
	// response cannot miss the next event.
	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Idle streams must outlive the server's WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeInternalError logs err and returns a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error("http: "+msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}
