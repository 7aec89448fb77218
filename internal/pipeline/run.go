package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sluice-ai/sluice/internal/admission"
	"github.com/sluice-ai/sluice/internal/analysis"
	"github.com/sluice-ai/sluice/internal/cache"
	"github.com/sluice-ai/sluice/internal/catalog"
	"github.com/sluice-ai/sluice/internal/model"
	"github.com/sluice-ai/sluice/internal/provider"
	"github.com/sluice-ai/sluice/internal/routing"
)

const haltedMessage = "request halted by security policy"

// run is the whole state machine for one job. It always ends in exactly
// one terminal event: complete (status completed or error) or cancelled.
func (o *Orchestrator) run(ctx context.Context, handle *jobHandle, job model.Job, req model.ChatRequest) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.running, job.ID)
		o.mu.Unlock()
	}()

	started := time.Now()
	log := o.logger.With("job_id", job.ID, "org_id", job.OrgID)
	o.jobsStarted.Add(ctx, 1)

	// In-flight jobs keep the snapshot they started with; a concurrent
	// catalog refresh takes effect for the next job.
	snap := o.catalog.Snapshot()

	o.publish(job.ID, model.PhaseAnalyzing, model.PhaseStatusProcessing, nil, "")

	// 1. Redact the message and every prior turn before anything leaves
	// the process.
	msg, history := o.redactConversation(ctx, log, req)

	// 2. Semantic cache short-circuit.
	if o.cache != nil {
		if hit := o.cache.Lookup(ctx, job.OrgID, msg); hit != nil {
			o.completeFromCache(ctx, handle, job, started, hit, log)
			return
		}
	}
	if o.checkCancelled(ctx, handle, job, started, log) {
		return
	}

	// 3. Deterministic pre-check on the raw message, then the analyzer.
	pre := analysis.PreCheck(req.Message)
	res, err := o.analyze(ctx, log, snap, msg, pre, req.TaskTypeHint)
	if err != nil {
		if o.checkCancelled(ctx, handle, job, started, log) {
			return
		}
		o.fail(ctx, handle, &job, started, log, model.PhaseAnalyzing, err)
		return
	}
	o.publish(job.ID, model.PhaseAnalyzing, model.PhaseStatusCompleted, map[string]any{"analysis": res}, "")

	// 4. Security gate.
	threshold := o.securityThreshold(ctx, log, job.OrgID)
	if res.SecurityScore >= threshold {
		o.halt(ctx, handle, job, started, log, res, pre, threshold)
		return
	}

	// 5. Route.
	estTokens := routing.EstimateConversationTokens(msg, history)
	decision, err := o.route(ctx, log, job, snap, msg, res, estTokens)
	if err != nil {
		o.fail(ctx, handle, &job, started, log, model.PhaseModel, err)
		return
	}
	estimate := routing.EstimateCost(decision.Primary, estTokens, routing.DefaultOutputTokens)
	o.publish(job.ID, model.PhaseModel, model.PhaseStatusCompleted, map[string]any{
		"decision": decision,
		"estimate": estimate,
	}, "")
	if o.checkCancelled(ctx, handle, job, started, log) {
		return
	}

	// 6. Prompt optimization and parameter tuning, both fail-open.
	prompt := o.optimizePrompt(ctx, log, job.ID, msg, res)
	params := o.tuneParameters(ctx, log, job.ID, res, decision.Primary)

	// 7. Generate, failing over between providers and upgrading the model
	// when validation rejects the output.
	out, err := o.generateValidated(ctx, log, job.ID, snap, prompt, history, decision, params)
	if err != nil {
		if o.checkCancelled(ctx, handle, job, started, log) {
			return
		}
		o.fail(ctx, handle, &job, started, log, model.PhaseGenerating, err)
		return
	}
	if o.checkCancelled(ctx, handle, job, started, log) {
		return
	}

	// 8. Release the response.
	respPayload := map[string]any{
		"response": out.text,
		"provider": out.winner.Provider,
		"model_id": out.winner.ModelID,
		"attempts": out.attempts,
	}
	if out.verdict.UserSummary != "" {
		respPayload["validation_summary"] = out.verdict.UserSummary
	}
	o.publish(job.ID, model.PhaseResponse, model.PhaseStatusCompleted, respPayload, "")

	// 9. Cost accounting and the durable record, both side work that never
	// fails the job.
	cost := routing.EstimateCost(out.winner, estTokens, routing.EstimateTokens(out.text))
	if !cost.Unavailable {
		job.CostUSD = cost.TotalCost
		id := admission.Identity{OrgID: job.OrgID, UserID: job.UserID}
		if err := o.admission.RecordCost(ctx, id, cost.TotalCost); err != nil {
			log.Warn("pipeline: cost accounting failed, continuing", "error", err)
		}
	}
	job.Status = model.JobStatusCompleted
	job.Provider = out.winner.Provider
	job.Model = out.winner.ModelID
	job.Attempts = out.attempts
	o.persistFinish(log, job)

	o.finish(handle, model.PhaseUpdate{
		JobID:  job.ID,
		Phase:  model.PhaseComplete,
		Status: model.PhaseStatusCompleted,
		Payload: map[string]any{
			"provider": out.winner.Provider,
			"model_id": out.winner.ModelID,
			"attempts": out.attempts,
			"cost_usd": job.CostUSD,
		},
	})
	o.jobDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
	log.Info("pipeline: job completed",
		"provider", out.winner.Provider,
		"model", out.winner.ModelID,
		"attempts", out.attempts,
		"duration_ms", time.Since(started).Milliseconds())

	// 10. Feed the semantic cache. Detached context so a shutdown right
	// after the terminal event does not lose the write.
	if o.cache != nil {
		storeCtx, cancelStore := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelStore()
		o.cache.Store(storeCtx, job.OrgID, msg, out.text, out.winner.ModelID)
	}
}

// redactConversation scans the message and every history turn, substituting
// redacted text. A scanner error keeps the original text rather than
// blocking the job.
func (o *Orchestrator) redactConversation(ctx context.Context, log *slog.Logger, req model.ChatRequest) (string, []model.ChatMessage) {
	msg := o.redactText(ctx, log, req.Message)
	if len(req.History) == 0 {
		return msg, nil
	}
	history := make([]model.ChatMessage, len(req.History))
	for i, turn := range req.History {
		history[i] = model.ChatMessage{Role: turn.Role, Content: o.redactText(ctx, log, turn.Content)}
	}
	return msg, history
}

func (o *Orchestrator) redactText(ctx context.Context, log *slog.Logger, text string) string {
	scan, err := o.redactor.Scan(ctx, text)
	if err != nil {
		log.Warn("pipeline: redaction scan failed, using original text", "error", err)
		return text
	}
	return scan.RedactedText
}

// analyze runs the consolidated analyzer, switching providers when a key
// is rejected. Parse failures are absorbed inside the analyzer; of the
// model-call errors only auth reaches this loop.
func (o *Orchestrator) analyze(ctx context.Context, log *slog.Logger, snap *catalog.Snapshot, message string, pre model.PreCheck, hint string) (*model.AnalysisResult, error) {
	var custom []model.CustomTaskType
	if hint != "" {
		custom = []model.CustomTaskType{{Name: hint, Description: "caller-supplied task type hint"}}
	}

	tried := make(map[string]bool)
	var lastErr error
	for {
		target := o.analysisTarget(snap, tried)
		if target == nil {
			if lastErr != nil {
				return nil, fmt.Errorf("pipeline: analysis failed on every provider: %w", lastErr)
			}
			return nil, fmt.Errorf("pipeline: no model available for analysis")
		}
		res, err := o.analyzer.Analyze(ctx, *target, message, pre, custom)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if provider.IsAuth(err) {
			log.Warn("pipeline: analyzer key rejected, switching provider",
				"provider", target.Provider, "error", err)
			tried[target.Provider] = true
			lastErr = err
			continue
		}
		return nil, err
	}
}

// analysisTarget picks the model for the analyzer call: the pinned model
// when configured and usable, otherwise the cheapest of the fastest tier.
func (o *Orchestrator) analysisTarget(snap *catalog.Snapshot, tried map[string]bool) *model.ModelOption {
	available := func(name string) bool {
		return o.providers.Available(name) && !tried[name]
	}
	if o.analyzerModel != "" {
		if m, ok := snap.ByID(o.analyzerModel); ok && available(m.Provider) {
			return &m
		}
	}
	return routing.SelectAnalysisModel(snap, available)
}

func (o *Orchestrator) securityThreshold(ctx context.Context, log *slog.Logger, orgID uuid.UUID) int {
	if o.settings == nil {
		return o.fallbackThreshold
	}
	threshold, err := o.settings.SecurityThreshold(ctx, orgID)
	if err != nil {
		log.Warn("pipeline: security threshold lookup failed, using default",
			"error", err, "default", o.fallbackThreshold)
		return o.fallbackThreshold
	}
	return threshold
}

// route picks the target model: configured rules first, the heuristic
// decision tree when no config exists or nothing matches.
func (o *Orchestrator) route(ctx context.Context, log *slog.Logger, job model.Job, snap *catalog.Snapshot, message string, res *model.AnalysisResult, estTokens int) (*model.RouteDecision, error) {
	var cfg *model.RouterConfig
	if o.configs != nil {
		loaded, err := o.configs.LoadRouterConfig(ctx, job.OrgID, job.UserID)
		if err != nil {
			log.Warn("pipeline: router config load failed, falling back to heuristics", "error", err)
		} else {
			cfg = loaded
		}
	}
	if d := routing.EvaluateConfig(cfg, message, res, snap, o.providers.Available); d != nil {
		return d, nil
	}
	return routing.Decide(message, res, snap, o.providers.Available, estTokens)
}

func (o *Orchestrator) optimizePrompt(ctx context.Context, log *slog.Logger, jobID uuid.UUID, message string, res *model.AnalysisResult) string {
	optimized, err := o.optimizer.Optimize(ctx, message, res)
	if err != nil || strings.TrimSpace(optimized) == "" {
		if err != nil {
			log.Warn("pipeline: prompt optimization failed, using original", "error", err)
		}
		optimized = message
	}
	o.publish(jobID, model.PhasePrompt, model.PhaseStatusCompleted, map[string]any{
		"prompt":    optimized,
		"optimized": optimized != message,
	}, "")
	return optimized
}

func (o *Orchestrator) tuneParameters(ctx context.Context, log *slog.Logger, jobID uuid.UUID, res *model.AnalysisResult, target model.ModelOption) model.ParameterTuning {
	params, err := o.tuner.Tune(ctx, res, target)
	if err != nil {
		log.Warn("pipeline: parameter tuning failed, using defaults", "error", err)
		params = defaultParameters()
	}
	o.publish(jobID, model.PhaseParameters, model.PhaseStatusCompleted, map[string]any{
		"temperature": params.Temperature,
		"top_p":       params.TopP,
		"max_tokens":  params.MaxTokens,
	}, "")
	return params
}

// generation is the accepted output of the generate/validate loop.
type generation struct {
	text     string
	winner   model.ModelOption
	attempts int
	verdict  model.ValidationVerdict
}

// generateValidated drives generation to an accepted response. Provider
// failures reroute within the same attempt, bounded by the provider set;
// validation failures upgrade the model, bounded by the attempt budget.
// Providers that failed this job stay excluded from upgrades too.
func (o *Orchestrator) generateValidated(ctx context.Context, log *slog.Logger, jobID uuid.UUID, snap *catalog.Snapshot, prompt string, history []model.ChatMessage, decision *model.RouteDecision, params model.ParameterTuning) (*generation, error) {
	current := decision.Primary
	excluded := make(map[string]bool)
	maxAttempts := o.maxRetries + 1
	attempt := 0

	messages := make([]model.ChatMessage, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, model.ChatMessage{Role: "user", Content: prompt})

	o.publish(jobID, model.PhaseGenerating, model.PhaseStatusProcessing, map[string]any{
		"provider": current.Provider,
		"model_id": current.ModelID,
	}, "")

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		text, err := o.streamOnce(ctx, jobID, current, messages, params)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			next, ferr := o.failover(ctx, log, jobID, snap, current, excluded, err)
			if ferr != nil {
				return nil, ferr
			}
			current = *next
			continue
		}
		attempt++

		// The judge is skippable work once a cancel has landed.
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		verdict := o.judgeResponse(ctx, log, prompt, text, current)
		if verdict.Passed {
			return o.accept(jobID, text, current, attempt, verdict), nil
		}
		if attempt >= maxAttempts {
			log.Info("pipeline: validation attempts exhausted, releasing last response",
				"attempts", attempt, "reason", verdict.FailReason)
			return o.accept(jobID, text, current, attempt, verdict), nil
		}
		upgrade := routing.SelectUpgrade(current, snap, o.providers.Available, excluded)
		if upgrade == nil {
			log.Info("pipeline: no stronger model reachable, releasing response",
				"model", current.ModelID, "reason", verdict.FailReason)
			return o.accept(jobID, text, current, attempt, verdict), nil
		}

		params.Temperature = math.Min(params.Temperature+temperatureStep, 1.0)
		o.upgrades.Add(ctx, 1)
		log.Info("pipeline: validation failed, upgrading model",
			"from", current.ModelID, "to", upgrade.ModelID,
			"attempt", attempt, "reason", verdict.FailReason)
		o.publish(jobID, model.PhaseGenerating, model.PhaseStatusProcessing, map[string]any{
			"clear": true,
			"upgrade": map[string]any{
				"from_model":  current.ModelID,
				"to_model":    upgrade.ModelID,
				"reason":      verdict.FailReason,
				"temperature": params.Temperature,
			},
		}, "")
		current = *upgrade
	}
}

// streamOnce runs one full generation on a single model, forwarding chunks
// to the event stream. Chunks stop as soon as cancellation is observed.
func (o *Orchestrator) streamOnce(ctx context.Context, jobID uuid.UUID, target model.ModelOption, messages []model.ChatMessage, params model.ParameterTuning) (string, error) {
	p := o.providers.Get(target.Provider)
	if p == nil {
		return "", provider.NewError(target.Provider, provider.KindOutage, 0, "provider not configured", nil)
	}
	return p.Stream(ctx, target.ModelID, messages, params, func(token string) {
		if ctx.Err() != nil {
			return
		}
		o.tokensStreamed.Add(ctx, 1)
		o.publish(jobID, model.PhaseGenerating, model.PhaseStatusProcessing, map[string]any{"token": token}, "")
	})
}

// failover records the failure, excludes the provider for the rest of the
// job, and picks the closest alternative. Errors only when no provider
// remains.
func (o *Orchestrator) failover(ctx context.Context, log *slog.Logger, jobID uuid.UUID, snap *catalog.Snapshot, failed model.ModelOption, excluded map[string]bool, cause error) (*model.ModelOption, error) {
	excluded[failed.Provider] = true
	o.recordFailure(ctx, log, jobID, failed, cause)

	alt := routing.SelectAlternative(failed, snap, o.providers.Available, excluded)
	if alt == nil {
		return nil, fmt.Errorf("pipeline: all providers exhausted: %w", cause)
	}
	o.failovers.Add(ctx, 1)
	log.Warn("pipeline: provider failed, rerouting",
		"from_provider", failed.Provider, "from_model", failed.ModelID,
		"to_provider", alt.Provider, "to_model", alt.ModelID,
		"error", cause)
	o.publish(jobID, model.PhaseGenerating, model.PhaseStatusProcessing, map[string]any{
		"clear": true,
		"reroute": map[string]any{
			"from_provider": failed.Provider,
			"from_model":    failed.ModelID,
			"to_provider":   alt.Provider,
			"to_model":      alt.ModelID,
			"reason":        failureReason(cause),
		},
	}, "")
	return alt, nil
}

func (o *Orchestrator) recordFailure(ctx context.Context, log *slog.Logger, jobID uuid.UUID, failed model.ModelOption, cause error) {
	if o.store == nil {
		return
	}
	f := model.ProviderFailure{
		JobID:    jobID,
		Provider: failed.Provider,
		Model:    failed.ModelID,
		Reason:   failureReason(cause),
		At:       time.Now().UTC(),
	}
	if err := o.store.RecordProviderFailure(ctx, f); err != nil {
		log.Warn("pipeline: provider failure write failed, continuing", "error", err)
	}
}

// failureReason maps a provider error to the stable reason recorded with a
// failure. Unclassified errors fall back to their message.
func failureReason(err error) string {
	if kind, ok := provider.KindOf(err); ok {
		return string(kind)
	}
	return err.Error()
}

// judgeResponse asks the judge to score the response. The judge always
// fails open: an error counts as a pass.
func (o *Orchestrator) judgeResponse(ctx context.Context, log *slog.Logger, prompt, response string, generated model.ModelOption) model.ValidationVerdict {
	verdict, err := o.judge.Validate(ctx, prompt, response, generated)
	if err != nil {
		log.Warn("pipeline: judge unavailable, accepting response", "error", err)
		return model.ValidationVerdict{Passed: true, Validation: "judge unavailable"}
	}
	return verdict
}

func (o *Orchestrator) accept(jobID uuid.UUID, text string, winner model.ModelOption, attempts int, verdict model.ValidationVerdict) *generation {
	o.publish(jobID, model.PhaseGenerating, model.PhaseStatusCompleted, map[string]any{
		"provider": winner.Provider,
		"model_id": winner.ModelID,
		"attempts": attempts,
	}, "")
	return &generation{text: text, winner: winner, attempts: attempts, verdict: verdict}
}

// halt stops a job at the security gate. The halt record is analytics side
// work; the events are the contract.
func (o *Orchestrator) halt(ctx context.Context, handle *jobHandle, job model.Job, started time.Time, log *slog.Logger, res *model.AnalysisResult, pre model.PreCheck, threshold int) {
	o.jobsHalted.Add(ctx, 1)
	halt := model.SecurityHalt{
		JobID:       job.ID,
		OrgID:       job.OrgID,
		Score:       res.SecurityScore,
		Threshold:   threshold,
		Explanation: res.SecurityExplanation,
		Flags:       pre.Flags,
	}
	if o.store != nil {
		if _, err := o.store.RecordSecurityHalt(ctx, halt); err != nil {
			log.Warn("pipeline: security halt write failed, continuing", "error", err)
		}
	}
	o.publish(job.ID, model.PhaseSecurity, model.PhaseStatusError, map[string]any{
		"score":       res.SecurityScore,
		"threshold":   threshold,
		"explanation": res.SecurityExplanation,
		"flags":       pre.Flags,
	}, haltedMessage)

	job.Status = model.JobStatusHalted
	job.Error = haltedMessage
	o.persistFinish(log, job)
	o.finish(handle, model.PhaseUpdate{
		JobID:  job.ID,
		Phase:  model.PhaseComplete,
		Status: model.PhaseStatusError,
		Error:  haltedMessage,
	})
	o.jobDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
	log.Warn("pipeline: security halt",
		"score", res.SecurityScore, "threshold", threshold,
		"flags", pre.Flags)
}

// fail closes out a job with a terminal error. The phase argument names
// the stage that produced it so subscribers can surface the error in
// place.
func (o *Orchestrator) fail(ctx context.Context, handle *jobHandle, job *model.Job, started time.Time, log *slog.Logger, phase model.Phase, err error) {
	o.publish(job.ID, phase, model.PhaseStatusError, nil, err.Error())
	job.Status = model.JobStatusFailed
	job.Error = err.Error()
	o.persistFinish(log, *job)
	o.finish(handle, model.PhaseUpdate{
		JobID:  job.ID,
		Phase:  model.PhaseComplete,
		Status: model.PhaseStatusError,
		Error:  err.Error(),
	})
	o.jobDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
	log.Error("pipeline: job failed", "phase", string(phase), "error", err)
}

// checkCancelled reports whether the job context is done, closing the job
// out with the terminal "cancelled" acknowledgement if so.
func (o *Orchestrator) checkCancelled(ctx context.Context, handle *jobHandle, job model.Job, started time.Time, log *slog.Logger) bool {
	if ctx.Err() == nil {
		return false
	}
	handle.mu.Lock()
	requested := handle.cancelRequested
	handle.mu.Unlock()
	reason := "shutdown"
	if requested {
		reason = "requested"
	}

	job.Status = model.JobStatusCancelled
	job.Error = "cancelled"
	o.persistFinish(log, job)
	o.finish(handle, model.PhaseUpdate{
		JobID:   job.ID,
		Phase:   model.PhaseCancelled,
		Status:  model.PhaseStatusCompleted,
		Payload: map[string]any{"reason": reason},
	})
	o.jobDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
	log.Info("pipeline: job cancelled", "reason", reason,
		"duration_ms", time.Since(started).Milliseconds())
	return true
}

// completeFromCache finishes a job from a semantic cache hit without
// touching any provider.
func (o *Orchestrator) completeFromCache(ctx context.Context, handle *jobHandle, job model.Job, started time.Time, hit *cache.Hit, log *slog.Logger) {
	o.publish(job.ID, model.PhaseAnalyzing, model.PhaseStatusCompleted, map[string]any{
		"cached":     true,
		"similarity": hit.Similarity,
	}, "")
	o.publish(job.ID, model.PhaseResponse, model.PhaseStatusCompleted, map[string]any{
		"response": hit.Response,
		"model_id": hit.ModelID,
		"cached":   true,
	}, "")

	job.Status = model.JobStatusCompleted
	job.Model = hit.ModelID
	o.persistFinish(log, job)
	o.finish(handle, model.PhaseUpdate{
		JobID:   job.ID,
		Phase:   model.PhaseComplete,
		Status:  model.PhaseStatusCompleted,
		Payload: map[string]any{"cached": true},
	})
	o.jobDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
	log.Info("pipeline: served from semantic cache",
		"model", hit.ModelID, "similarity", hit.Similarity)
}

// persistFinish writes the final job record. Detached context so the write
// survives job cancellation.
func (o *Orchestrator) persistFinish(log *slog.Logger, job model.Job) {
	if o.store == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.FinishJob(writeCtx, job); err != nil {
		log.Warn("pipeline: final job write failed", "error", err)
	}
}
