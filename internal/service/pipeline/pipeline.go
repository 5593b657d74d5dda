// Package pipeline implements the auto-retraining controller: it queues
// feedback, runs the quality gate on every submission and, on admission,
// dispatches per-backend corpora concurrently and records the results.
//
// Both the HTTP API and the MCP server delegate to the Controller.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/hikaku/internal/dispatch"
	"github.com/ashita-ai/hikaku/internal/model"
	"github.com/ashita-ai/hikaku/internal/service/corpus"
	"github.com/ashita-ai/hikaku/internal/service/gate"
	"github.com/ashita-ai/hikaku/internal/storage"
	"github.com/ashita-ai/hikaku/internal/telemetry"
)

var tracer = telemetry.Tracer("hikaku/pipeline")

// HistoryStore records submitted jobs and uploaded corpora. Implementations
// must be safe for concurrent use. GetJob returns storage.ErrNotFound when no
// job has the given name.
type HistoryStore interface {
	AppendJob(ctx context.Context, job model.JobRecord) error
	AppendUpload(ctx context.Context, upload model.DataUpload) error
	ListJobs(ctx context.Context) ([]model.JobRecord, error)
	ListUploads(ctx context.Context) ([]model.DataUpload, error)
	GetJob(ctx context.Context, name string) (model.JobRecord, error)
	UpdateJobStatus(ctx context.Context, name string, status model.JobStatus) error
}

// Controller owns the feedback queue and the dispatch state machine.
// All state lives behind one mutex, which is never held across dispatcher
// or history I/O.
type Controller struct {
	dispatchers []dispatch.Dispatcher
	store       HistoryStore
	hooks       []DispatchHook
	hookTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
	metrics     *metrics

	mu           sync.Mutex
	cfg          model.PipelineConfig
	queue        []model.FeedbackEvent
	state        model.PipelineState
	lastDispatch *time.Time
	totalJobs    int
	epoch        uint64 // bumped by Reset so an in-flight cycle does not restore cleared state

	hookWG sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithHook registers a hook fired after every completed dispatch cycle.
func WithHook(h DispatchHook) Option {
	return func(c *Controller) { c.hooks = append(c.hooks, h) }
}

// WithHookTimeout bounds each hook invocation. Default 30s.
func WithHookTimeout(d time.Duration) Option {
	return func(c *Controller) { c.hookTimeout = d }
}

// New creates a Controller in the Idle state with an empty queue.
// store may be nil, in which case history is kept in memory.
func New(cfg model.PipelineConfig, dispatchers []dispatch.Dispatcher, store HistoryStore, logger *slog.Logger, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seen := make(map[model.BackendID]bool, len(dispatchers))
	for _, d := range dispatchers {
		if seen[d.Backend()] {
			return nil, fmt.Errorf("pipeline: duplicate dispatcher for backend %q", d.Backend())
		}
		seen[d.Backend()] = true
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}
	c := &Controller{
		dispatchers: dispatchers,
		store:       store,
		hookTimeout: 30 * time.Second,
		logger:      logger,
		now:         time.Now,
		cfg:         cfg,
		state:       model.StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = newMetrics(c)
	return c, nil
}

// Restore seeds the job counter from persisted history. Call once at startup.
func (c *Controller) Restore(ctx context.Context) error {
	jobs, err := c.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: restore history: %w", err)
	}
	c.mu.Lock()
	c.totalJobs = len(jobs)
	c.mu.Unlock()
	return nil
}

// Submit validates event, enqueues it and evaluates the quality gate. When
// the gate admits the queue, Submit runs a full dispatch cycle before
// returning. A *model.ValidationError is the only error returned; dispatch
// failures are reported in the result.
func (c *Controller) Submit(ctx context.Context, event model.FeedbackEvent) (model.SubmitResult, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = c.now().UTC()
	}
	if err := event.Validate(); err != nil {
		return model.SubmitResult{}, err
	}

	c.mu.Lock()
	c.queue = append(c.queue, event)
	queued := model.SubmitResult{
		Outcome:   model.OutcomeQueued,
		EventID:   event.ID.String(),
		QueueSize: len(c.queue),
	}
	if c.state == model.StateDispatching {
		// The in-flight cycle owns its snapshot; this event waits for the next one.
		c.mu.Unlock()
		return queued, nil
	}
	decision := gate.Evaluate(c.queue, c.cfg, c.lastDispatch, c.now())
	if !decision.Admit {
		c.mu.Unlock()
		c.logger.Debug("pipeline: feedback queued",
			"event_id", event.ID,
			"queue_size", decision.QueueSize,
			"reason", decision.Reason,
			"high_quality", decision.HighQuality,
			"required_quality", decision.RequiredQuality,
		)
		return queued, nil
	}
	snapshot := slices.Clone(c.queue)
	cfg := c.cfg
	epoch := c.epoch
	c.state = model.StateDispatching
	c.mu.Unlock()

	c.logger.Info("pipeline: admission granted", "queue_size", len(snapshot), "high_quality", decision.HighQuality)
	res := c.runCycle(context.WithoutCancel(ctx), snapshot, cfg, epoch)
	res.EventID = event.ID.String()
	return res, nil
}

// runCycle builds corpora, dispatches them concurrently, records history and
// commits the new state. It is entered with state == Dispatching.
func (c *Controller) runCycle(ctx context.Context, snapshot []model.FeedbackEvent, cfg model.PipelineConfig, epoch uint64) model.SubmitResult {
	cycleID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "pipeline.dispatch_cycle", trace.WithAttributes(
		attribute.String("hikaku.cycle_id", cycleID),
		attribute.Int("hikaku.event_count", len(snapshot)),
	))
	defer span.End()

	defer func() {
		// A panic below is an invariant violation. Leave the controller usable
		// for whoever recovers it, then keep unwinding.
		if r := recover(); r != nil {
			c.mu.Lock()
			c.state = model.StateIdle
			c.mu.Unlock()
			panic(r)
		}
	}()

	corpora := corpus.Build(snapshot, cfg)
	sizes := corpus.Sizes(corpora)

	results := make([]model.BackendResult, len(c.dispatchers))
	outcomes := make([]dispatch.Outcome, len(c.dispatchers))
	errs := make([]error, len(c.dispatchers))
	ran := make([]bool, len(c.dispatchers))

	var g errgroup.Group
	for i, d := range c.dispatchers {
		results[i].Backend = d.Backend()
		examples := corpora[d.Backend()]
		if len(examples) == 0 {
			results[i].Skipped = true
			continue
		}
		ran[i] = true
		g.Go(func() error {
			start := time.Now()
			outcomes[i], errs[i] = d.Dispatch(ctx, examples)
			c.metrics.recordDuration(ctx, d.Backend(), time.Since(start))
			return nil
		})
	}
	_ = g.Wait()

	var (
		jobs      []model.JobRecord
		uploads   []model.DataUpload
		attempted int
	)
	for i := range c.dispatchers {
		if !ran[i] {
			c.metrics.recordBackend(ctx, results[i].Backend, "skipped")
			continue
		}
		out, err := outcomes[i], errs[i]
		if out.Upload.BlobLocation != "" {
			uploads = append(uploads, out.Upload)
		}
		switch {
		case err == nil:
			job := out.Job
			results[i].Job = &job
			jobs = append(jobs, job)
			attempted++
			c.metrics.recordBackend(ctx, results[i].Backend, "success")
		case errors.Is(err, dispatch.ErrBackendDisabled):
			results[i].Skipped = true
			c.metrics.recordBackend(ctx, results[i].Backend, "skipped")
		default:
			var serr *dispatch.SerializationError
			if errors.As(err, &serr) {
				panic(fmt.Sprintf("pipeline: corpus builder produced a malformed example: %v", err))
			}
			results[i].ErrorKind = dispatch.Kind(err)
			results[i].Error = err.Error()
			attempted++
			c.metrics.recordBackend(ctx, results[i].Backend, "failure")
			c.logger.Warn("pipeline: backend dispatch failed",
				"backend", results[i].Backend,
				"error_kind", results[i].ErrorKind,
				"error", err,
			)
		}
	}

	c.recordHistory(ctx, jobs, uploads)

	// The queue is handled when any backend accepted its corpus, or when no
	// backend had anything it could be sent.
	handled := len(jobs) > 0 || attempted == 0
	outcome := model.OutcomeDispatchStarted
	if !handled {
		outcome = model.OutcomeDispatchFailed
	}

	c.mu.Lock()
	completedAt := c.now().UTC()
	if c.epoch == epoch {
		c.lastDispatch = &completedAt
		if handled {
			c.queue = without(c.queue, snapshot)
		}
	}
	c.totalJobs += len(jobs)
	c.state = model.StateIdle
	queueSize := len(c.queue)
	c.mu.Unlock()

	c.metrics.recordCycle(ctx, outcome)
	span.SetAttributes(
		attribute.String("hikaku.outcome", string(outcome)),
		attribute.Int("hikaku.jobs", len(jobs)),
	)
	if attempted == 0 {
		c.logger.Warn("pipeline: no backend received a corpus", "corpus_sizes", sizes)
	}
	c.logger.Info("pipeline: dispatch cycle complete",
		"cycle_id", cycleID,
		"outcome", outcome,
		"events", len(snapshot),
		"jobs", len(jobs),
		"queue_size", queueSize,
	)

	res := model.SubmitResult{
		Outcome:     outcome,
		QueueSize:   queueSize,
		Jobs:        jobs,
		CorpusSizes: sizes,
		Backends:    results,
	}
	c.fireHooks(model.DispatchReport{
		CycleID:     cycleID,
		Outcome:     outcome,
		EventCount:  len(snapshot),
		CorpusSizes: sizes,
		Backends:    results,
		CompletedAt: completedAt,
	})
	return res
}

// recordHistory appends jobs and uploads. Failures are logged; the external
// jobs exist regardless of whether the local record was written.
func (c *Controller) recordHistory(ctx context.Context, jobs []model.JobRecord, uploads []model.DataUpload) {
	for _, u := range uploads {
		if err := c.store.AppendUpload(ctx, u); err != nil {
			c.logger.Error("pipeline: record upload", "backend", u.Backend, "location", u.BlobLocation, "error", err)
		}
	}
	for _, j := range jobs {
		if err := c.store.AppendJob(ctx, j); err != nil {
			c.logger.Error("pipeline: record job", "backend", j.Backend, "job_name", j.JobName, "error", err)
		}
	}
}

// without returns queue minus the events in dispatched, preserving order.
func without(queue, dispatched []model.FeedbackEvent) []model.FeedbackEvent {
	ids := make(map[uuid.UUID]struct{}, len(dispatched))
	for _, e := range dispatched {
		ids[e.ID] = struct{}{}
	}
	kept := make([]model.FeedbackEvent, 0, len(queue))
	for _, e := range queue {
		if _, ok := ids[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	return kept
}

// Status returns a consistent snapshot of the controller. Backend info is
// gathered before the lock so dispatcher code never runs under it.
func (c *Controller) Status() model.PipelineStatus {
	backends := c.backendInfo()

	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := gate.CooldownRemaining(c.cfg, c.lastDispatch, c.now())
	st := model.PipelineStatus{
		State:               c.state,
		QueueSize:           len(c.queue),
		AdmissionThreshold:  c.cfg.AdmissionThreshold,
		QualityThreshold:    c.cfg.QualityThreshold,
		CooldownSeconds:     c.cfg.CooldownSeconds,
		CooldownRemaining:   remaining,
		CooldownSecondsLeft: remaining.Seconds(),
		Progress:            min(float64(len(c.queue))/float64(c.cfg.AdmissionThreshold), 1),
		TotalJobs:           c.totalJobs,
		Backends:            backends,
	}
	if c.lastDispatch != nil {
		t := *c.lastDispatch
		st.LastDispatchTime = &t
	}
	return st
}

// Config returns the active configuration.
func (c *Controller) Config() model.PipelineConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// UpdateConfig merges update onto the active configuration. On a
// *model.ConfigError the prior configuration is kept.
func (c *Controller) UpdateConfig(update model.ConfigUpdate) (model.PipelineConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := update.Apply(c.cfg)
	if err != nil {
		return c.cfg, err
	}
	c.cfg = next
	c.logger.Info("pipeline: config updated",
		"admission_threshold", next.AdmissionThreshold,
		"quality_threshold", next.QualityThreshold,
		"cooldown_seconds", next.CooldownSeconds,
	)
	return next, nil
}

// Reset clears the queue and the cooldown timestamp. History is kept. A
// cycle already in flight finishes and records its jobs but does not
// restore the cooldown or touch the new queue.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := len(c.queue)
	c.queue = nil
	c.lastDispatch = nil
	c.epoch++
	if c.state != model.StateDispatching {
		c.state = model.StateIdle
	}
	c.logger.Info("pipeline: reset", "dropped_events", dropped)
}

// History returns every recorded job, oldest first.
func (c *Controller) History(ctx context.Context) ([]model.JobRecord, error) {
	jobs, err := c.store.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: list jobs: %w", err)
	}
	return jobs, nil
}

// Uploads returns every recorded corpus upload, oldest first.
func (c *Controller) Uploads(ctx context.Context) ([]model.DataUpload, error) {
	uploads, err := c.store.ListUploads(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: list uploads: %w", err)
	}
	return uploads, nil
}

// Job returns the job named name, or an error wrapping storage.ErrNotFound.
func (c *Controller) Job(ctx context.Context, name string) (model.JobRecord, error) {
	job, err := c.store.GetJob(ctx, name)
	if err != nil {
		return model.JobRecord{}, fmt.Errorf("pipeline: get job %q: %w", name, err)
	}
	return job, nil
}

// SetJobStatus records progress reported by an external poller and returns
// the updated job. An unknown status is a *model.ValidationError; an unknown
// job wraps storage.ErrNotFound.
func (c *Controller) SetJobStatus(ctx context.Context, name string, status model.JobStatus) (model.JobRecord, error) {
	if !status.Valid() {
		return model.JobRecord{}, &model.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("unknown job status %q (want submitted, running, succeeded or failed)", status),
		}
	}
	if err := c.store.UpdateJobStatus(ctx, name, status); err != nil {
		return model.JobRecord{}, fmt.Errorf("pipeline: update job %q: %w", name, err)
	}
	c.logger.Info("pipeline: job status updated", "job_name", name, "status", status)
	return c.Job(ctx, name)
}

// Backends reports the availability of every configured backend.
func (c *Controller) Backends() []model.BackendInfo {
	return c.backendInfo()
}

func (c *Controller) backendInfo() []model.BackendInfo {
	out := make([]model.BackendInfo, len(c.dispatchers))
	for i, d := range c.dispatchers {
		out[i] = d.Info()
	}
	return out
}

func (c *Controller) queueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
