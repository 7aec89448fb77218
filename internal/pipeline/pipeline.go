// Package pipeline runs the per-job orchestration state machine: pre-check
// and analysis, the security gate, routing, prompt and parameter shaping,
// streamed generation with provider failover, and the validation loop.
//
// The orchestrator is transport-free. Its only externally observable
// artifact is the ordered PhaseUpdate stream published through the event
// hub; HTTP, MCP, and tests all consume the same stream.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/sluice-ai/sluice/internal/admission"
	"github.com/sluice-ai/sluice/internal/analysis"
	"github.com/sluice-ai/sluice/internal/cache"
	"github.com/sluice-ai/sluice/internal/catalog"
	"github.com/sluice-ai/sluice/internal/events"
	"github.com/sluice-ai/sluice/internal/model"
	"github.com/sluice-ai/sluice/internal/provider"
	"github.com/sluice-ai/sluice/internal/redact"
	"github.com/sluice-ai/sluice/internal/telemetry"
)

const (
	// defaultSecurityThreshold halts jobs scoring at or above this when no
	// org settings store is wired.
	defaultSecurityThreshold = 8
	// defaultMaxRetries is the number of validation retries after the
	// first generation attempt.
	defaultMaxRetries = 2
	// temperatureStep is added per validation upgrade, capped at 1.0.
	temperatureStep = 0.2
)

// ConfigStore loads router configs, user-level taking precedence over
// org-level. A nil config with a nil error means no config exists.
type ConfigStore interface {
	LoadRouterConfig(ctx context.Context, orgID, userID uuid.UUID) (*model.RouterConfig, error)
}

// SettingsStore supplies per-org pipeline settings.
type SettingsStore interface {
	SecurityThreshold(ctx context.Context, orgID uuid.UUID) (int, error)
}

// JobStore persists the durable artifacts of a run: the job record itself,
// security halts, and provider failures.
type JobStore interface {
	CreateJob(ctx context.Context, orgID, userID uuid.UUID) (model.Job, error)
	FinishJob(ctx context.Context, job model.Job) error
	RecordSecurityHalt(ctx context.Context, halt model.SecurityHalt) (model.SecurityHalt, error)
	RecordProviderFailure(ctx context.Context, f model.ProviderFailure) error
}

// ResponseCache is the semantic response cache consulted before analysis
// and fed after completion.
type ResponseCache interface {
	Lookup(ctx context.Context, orgID uuid.UUID, message string) *cache.Hit
	Store(ctx context.Context, orgID uuid.UUID, message, response, modelID string)
}

// Options wires an Orchestrator. Providers, Catalog, and Hub are required;
// every other collaborator is optional and degrades to a safe default.
type Options struct {
	Providers *provider.Registry
	Catalog   *catalog.Catalog
	Hub       *events.Hub

	Redactor  redact.Redactor      // nil: no redaction
	Admission admission.Controller // nil: everything admitted, nothing metered
	Store     JobStore             // nil: jobs are not persisted
	Configs   ConfigStore          // nil: heuristic routing only
	Settings  SettingsStore        // nil: default threshold for every org
	Cache     ResponseCache        // nil: semantic cache disabled

	Optimizer Optimizer // nil: prompts pass through unchanged
	Tuner     Tuner     // nil: HeuristicTuner
	Judge     Judge     // nil: ModelJudge on the cheapest fast model

	// AnalyzerModel pins the analysis call to one catalog model ID. When
	// empty or unavailable the cheapest fastest model is used.
	AnalyzerModel string
	// SecurityThreshold is the halt floor used when Settings is nil or
	// errors. Zero selects the default of 8.
	SecurityThreshold int
	// MaxRetries bounds validation retries after the first attempt. Zero
	// selects the default of 2.
	MaxRetries int

	Logger *slog.Logger
}

// Orchestrator owns the job lifecycle from admission to terminal event.
// One goroutine is confined to each job; concurrent jobs share only the
// catalog snapshot they started with and the registries, all read-only.
type Orchestrator struct {
	providers *provider.Registry
	catalog   *catalog.Catalog
	hub       *events.Hub
	analyzer  *analysis.Analyzer

	redactor  redact.Redactor
	admission admission.Controller
	store     JobStore
	configs   ConfigStore
	settings  SettingsStore
	cache     ResponseCache

	optimizer Optimizer
	tuner     Tuner
	judge     Judge

	analyzerModel     string
	fallbackThreshold int
	maxRetries        int

	logger *slog.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu      sync.Mutex
	running map[uuid.UUID]*jobHandle
	closed  bool
	wg      sync.WaitGroup

	jobsStarted    metric.Int64Counter
	jobsHalted     metric.Int64Counter
	failovers      metric.Int64Counter
	upgrades       metric.Int64Counter
	tokensStreamed metric.Int64Counter
	jobDuration    metric.Float64Histogram
}

// jobHandle tracks one running job. Its mutex serializes the terminal
// event against concurrent cancel requests so the journal always ends with
// exactly one terminal update, plus the cancel acknowledgement when a
// cancel raced with completion and lost.
type jobHandle struct {
	cancel context.CancelFunc

	mu              sync.Mutex
	finished        bool
	cancelRequested bool
	acked           bool
}

// New creates an Orchestrator. Jobs started through it run until their own
// terminal event or until Close.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pipeline")

	if opts.Redactor == nil {
		opts.Redactor = redact.Noop{}
	}
	if opts.Admission == nil {
		opts.Admission = admission.Noop{}
	}
	if opts.Optimizer == nil {
		opts.Optimizer = NoopOptimizer{}
	}
	if opts.Tuner == nil {
		opts.Tuner = HeuristicTuner{}
	}
	if opts.Judge == nil {
		opts.Judge = NewModelJudge(opts.Providers, opts.Catalog, logger)
	}
	threshold := opts.SecurityThreshold
	if threshold <= 0 {
		threshold = defaultSecurityThreshold
	}
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}

	meter := telemetry.Meter("sluice/pipeline")
	jobsStarted, _ := meter.Int64Counter("sluice.jobs.started",
		metric.WithDescription("Jobs admitted into the pipeline"))
	jobsHalted, _ := meter.Int64Counter("sluice.jobs.halted",
		metric.WithDescription("Jobs stopped by the security gate"))
	failovers, _ := meter.Int64Counter("sluice.generation.failovers",
		metric.WithDescription("Provider reroutes during generation"))
	upgrades, _ := meter.Int64Counter("sluice.generation.upgrades",
		metric.WithDescription("Model upgrades after failed validation"))
	tokens, _ := meter.Int64Counter("sluice.generation.tokens",
		metric.WithDescription("Token chunks streamed to subscribers"))
	jobDur, _ := meter.Float64Histogram("sluice.job.duration",
		metric.WithDescription("End-to-end job duration (ms)"),
		metric.WithUnit("ms"))

	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		providers:         opts.Providers,
		catalog:           opts.Catalog,
		hub:               opts.Hub,
		analyzer:          analysis.NewAnalyzer(opts.Providers, logger),
		redactor:          opts.Redactor,
		admission:         opts.Admission,
		store:             opts.Store,
		configs:           opts.Configs,
		settings:          opts.Settings,
		cache:             opts.Cache,
		optimizer:         opts.Optimizer,
		tuner:             opts.Tuner,
		judge:             opts.Judge,
		analyzerModel:     opts.AnalyzerModel,
		fallbackThreshold: threshold,
		maxRetries:        retries,
		logger:            logger,
		rootCtx:           rootCtx,
		rootCancel:        rootCancel,
		running:           make(map[uuid.UUID]*jobHandle),
		jobsStarted:       jobsStarted,
		jobsHalted:        jobsHalted,
		failovers:         failovers,
		upgrades:          upgrades,
		tokensStreamed:    tokens,
		jobDuration:       jobDur,
	}
}

// Start admits a request and launches its pipeline goroutine. The returned
// job carries the ID used for event subscription and cancellation. The
// given context covers only admission; the job itself runs detached and is
// stopped by Cancel or Close.
func (o *Orchestrator) Start(ctx context.Context, req model.ChatRequest) (model.Job, error) {
	job := model.Job{
		ID:        uuid.New(),
		OrgID:     req.OrgID,
		UserID:    req.UserID,
		Status:    model.JobStatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	if o.store != nil {
		created, err := o.store.CreateJob(ctx, req.OrgID, req.UserID)
		if err != nil {
			return model.Job{}, fmt.Errorf("pipeline: create job: %w", err)
		}
		job = created
	}

	jobCtx, cancel := context.WithCancel(o.rootCtx)
	handle := &jobHandle{cancel: cancel}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return model.Job{}, fmt.Errorf("pipeline: orchestrator is shut down")
	}
	o.running[job.ID] = handle
	o.wg.Add(1)
	o.mu.Unlock()

	go o.run(jobCtx, handle, job, req)
	return job, nil
}

// Cancel requests cancellation of a job. The terminal "cancelled"
// acknowledgement always reaches the job's event journal, even when the
// job already finished or never existed.
func (o *Orchestrator) Cancel(jobID uuid.UUID) {
	o.mu.Lock()
	handle := o.running[jobID]
	o.mu.Unlock()

	if handle == nil {
		o.hub.Publish(cancelAck(jobID))
		return
	}

	handle.mu.Lock()
	defer handle.mu.Unlock()
	if handle.finished {
		if !handle.acked {
			handle.acked = true
			o.hub.Publish(cancelAck(jobID))
		}
		return
	}
	handle.cancelRequested = true
	handle.cancel()
}

// InFlight returns the number of jobs currently running.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

// Close cancels every in-flight job and waits for their goroutines to
// publish terminal events and exit.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.rootCancel()
	o.wg.Wait()
}

// finish publishes a job's terminal update under the handle lock. If a
// cancel request raced with completion and lost, its acknowledgement is
// appended after the terminal update.
func (o *Orchestrator) finish(handle *jobHandle, terminal model.PhaseUpdate) {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	if !handle.finished {
		handle.finished = true
		if terminal.Phase == model.PhaseCancelled {
			handle.acked = true
		}
		o.hub.Publish(terminal)
	}
	if handle.cancelRequested && !handle.acked {
		handle.acked = true
		o.hub.Publish(cancelAck(terminal.JobID))
	}
}

func (o *Orchestrator) publish(jobID uuid.UUID, phase model.Phase, status model.PhaseStatus, payload map[string]any, errMsg string) {
	o.hub.Publish(model.PhaseUpdate{
		JobID:   jobID,
		Phase:   phase,
		Status:  status,
		Payload: payload,
		Error:   errMsg,
	})
}

func cancelAck(jobID uuid.UUID) model.PhaseUpdate {
	return model.PhaseUpdate{
		JobID:  jobID,
		Phase:  model.PhaseCancelled,
		Status: model.PhaseStatusCompleted,
	}
}
