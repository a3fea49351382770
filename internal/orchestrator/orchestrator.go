// Package orchestrator coordinates one inbound event end to end: deduplicate,
// rate-limit, create the audit job, take the resource lock, run the analysis
// handler, and classify the outcome. The audit record always reaches a terminal
// state, independent of the triggering request's own lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"analysis-orchestrator/internal/dedup"
	"analysis-orchestrator/internal/lockmgr"
	"analysis-orchestrator/internal/models"
	"analysis-orchestrator/internal/ratelimit"
	"analysis-orchestrator/internal/registry"
	"analysis-orchestrator/internal/telemetry"
)

// Event is an inbound trigger already mapped to a project by the webhook layer.
type Event struct {
	ProjectID  int64  `json:"project_id"`
	JobType    string `json:"job_type"`
	Trigger    string `json:"trigger"`
	EventType  string `json:"event_type"`
	Branch     string `json:"branch"`
	CommitHash string `json:"commit_hash"`
	PRNumber   *int   `json:"pr_number,omitempty"`
}

// Result is what an analysis handler reports back.
type Result struct {
	// Ignored marks a soft-skip: the payload warranted no analysis. Not a failure.
	Ignored bool
	// Message is user-visible: the result body on success, the skip note on Ignored.
	Message string
	// AnalysisResultID links the persisted analysis result, when one was produced.
	AnalysisResultID *int64
}

// ProgressFunc receives progress updates from a running handler.
type ProgressFunc func(percent int, step, message string)

// Handler runs the actual analysis or command logic for one job type.
type Handler interface {
	Handle(ctx context.Context, event Event, progress ProgressFunc) (Result, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, event Event, progress ProgressFunc) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, event Event, progress ProgressFunc) (Result, error) {
	return f(ctx, event, progress)
}

// Reporter posts user-visible status to the external VCS. All calls are
// best-effort from the orchestrator's point of view.
type Reporter interface {
	PostComment(ctx context.Context, projectID int64, prNumber int, body string) (int64, error)
	UpdateComment(ctx context.Context, projectID, commentID int64, body string) error
	DeleteComment(ctx context.Context, projectID, commentID int64) error
	DeleteCommentsByMarker(ctx context.Context, projectID int64, prNumber int, marker string) error
}

// Orchestrator is the top-level coordinator.
type Orchestrator struct {
	dedup    *dedup.Cache
	limiter  *ratelimit.FixedWindow
	registry *registry.Registry
	locks    *lockmgr.Manager
	reporter Reporter
	handlers map[string]Handler
	log      *zap.SugaredLogger

	lockOpts map[string]lockmgr.Options
}

// New wires the orchestrator. reporter may be nil for projects without a
// comment surface.
func New(dd *dedup.Cache, limiter *ratelimit.FixedWindow, reg *registry.Registry, locks *lockmgr.Manager, reporter Reporter, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		dedup:    dd,
		limiter:  limiter,
		registry: reg,
		locks:    locks,
		reporter: reporter,
		handlers: make(map[string]Handler),
		log:      log.Named("orchestrator"),
		lockOpts: make(map[string]lockmgr.Options),
	}
}

// RegisterHandler binds a handler to a job type.
func (o *Orchestrator) RegisterHandler(jobType string, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	o.handlers[jobType] = h
}

// SetLockOptions overrides lock TTL / wait / poll for one lock type.
func (o *Orchestrator) SetLockOptions(lockType string, opts lockmgr.Options) {
	o.lockOpts[lockType] = opts
}

func isCommand(jobType string) bool {
	switch jobType {
	case models.TypeCommandReview, models.TypeCommandDescribe, models.TypeCommandAsk:
		return true
	}
	return false
}

func lockTypeFor(jobType string) string {
	switch jobType {
	case models.TypePRAnalysis, models.TypeCommandReview, models.TypeCommandDescribe, models.TypeCommandAsk:
		return models.LockPRAnalysis
	case models.TypeBranchAnalysis:
		return models.LockBranchAnalysis
	case models.TypeRAGInitialIndex, models.TypeRAGIncrementalIndex:
		return models.LockRAGIndex
	}
	return ""
}

// Handle processes one inbound event to completion. The returned error covers
// infrastructure trouble only; analysis failures are absorbed into the job's
// terminal state and never bubble back to the webhook request.
func (o *Orchestrator) Handle(ctx context.Context, evt Event) error {
	if o.dedup.IsDuplicate(evt.ProjectID, evt.CommitHash, evt.EventType) {
		telemetry.DuplicatesSuppressed.Inc()
		return nil
	}

	if isCommand(evt.JobType) {
		decision, err := o.limiter.Check(ctx, evt.ProjectID, 0, 0)
		if err != nil {
			return fmt.Errorf("rate limit check: %w", err)
		}
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			o.post(ctx, evt, fmt.Sprintf("Command rate limit reached. Try again in %d seconds.", decision.SecondsUntilReset))
			o.log.Infow("command rate limited", "project", evt.ProjectID, "reset_in", decision.SecondsUntilReset)
			return nil
		}
		if err := o.limiter.RecordCommand(ctx, evt.ProjectID, 0); err != nil {
			o.log.Warnw("record command", "project", evt.ProjectID, "error", err)
		}
	}

	telemetry.EventsHandled.Inc()

	job, err := o.registry.Create(ctx, registry.CreateRequest{
		ProjectID:  evt.ProjectID,
		Type:       evt.JobType,
		Trigger:    evt.Trigger,
		PRNumber:   evt.PRNumber,
		CommitHash: optional(evt.CommitHash),
		Branch:     optional(evt.Branch),
	})
	if err != nil {
		return err
	}

	handler, ok := o.handlers[evt.JobType]
	if !ok {
		o.deleteOrSkip(ctx, job, fmt.Sprintf("no analysis registered for %s events", evt.JobType))
		return nil
	}

	placeholderID := o.postPlaceholder(ctx, evt)

	lockKey, proceed := o.acquireLock(ctx, evt, job, placeholderID)
	if !proceed {
		return nil
	}
	if lockKey != "" {
		defer o.locks.Release(ctx, lockKey)
	}

	if err := o.registry.Start(ctx, job); err != nil {
		return fmt.Errorf("start job %s: %w", job.ExternalID, err)
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	res, runErr := o.runHandler(ctx, handler, evt, job)

	switch {
	case runErr != nil:
		o.recordFailure(ctx, evt, job, runErr, placeholderID)
	case res.Ignored:
		o.deleteOrSkip(ctx, job, skipReason(res))
		o.updateOrDelete(ctx, evt, placeholderID, res.Message)
	default:
		if err := o.registry.Complete(ctx, job, res.AnalysisResultID); err != nil {
			o.log.Errorw("complete job", "job", job.ExternalID, "error", err)
		} else {
			telemetry.JobsCompleted.Inc()
		}
		o.updateOrDelete(ctx, evt, placeholderID, res.Message)
	}
	return nil
}

// runHandler executes the analysis logic with panic containment, forwarding
// progress events into the registry's durable log (which fans out live).
func (o *Orchestrator) runHandler(ctx context.Context, handler Handler, evt Event, job models.Job) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	progress := func(percent int, step, message string) {
		if perr := o.registry.Progress(ctx, job, percent, step, message); perr != nil {
			o.log.Warnw("record progress", "job", job.ExternalID, "error", perr)
		}
	}
	return handler.Handle(ctx, evt, progress)
}

// acquireLock takes the resource lock appropriate for the event. Returns the
// lock key and whether processing should continue. Webhook-driven events do not
// queue behind a held lock: the same work is already in flight, so the job is
// removed and the event dropped. Command events wait, streaming progress, and a
// wait timeout fails the job with a "resource locked" message rather than an
// internal error.
func (o *Orchestrator) acquireLock(ctx context.Context, evt Event, job models.Job, placeholderID int64) (string, bool) {
	lockType := lockTypeFor(evt.JobType)
	if lockType == "" {
		return "", true
	}

	req := lockmgr.Request{
		ProjectID:  evt.ProjectID,
		Branch:     evt.Branch,
		Type:       lockType,
		CommitHash: optional(evt.CommitHash),
		PRNumber:   evt.PRNumber,
	}
	opts := o.lockOpts[lockType]

	if !isCommand(evt.JobType) {
		key, err := o.locks.Acquire(ctx, req, opts)
		if err == nil {
			return key, true
		}
		if errors.Is(err, lockmgr.ErrDenied) {
			telemetry.LockDenials.Inc()
			o.log.Infow("analysis already in progress, event ignored",
				"project", evt.ProjectID, "branch", evt.Branch, "type", lockType)
			o.deleteOrSkip(ctx, job, "analysis already in progress for this branch")
			o.updateOrDelete(ctx, evt, placeholderID, "")
			return "", false
		}
		o.recordFailure(ctx, evt, job, err, placeholderID)
		return "", false
	}

	sink := func(message string) {
		if err := o.registry.AddLog(ctx, job, models.LevelInfo, "lock", message, nil); err != nil {
			o.log.Warnw("log lock wait", "job", job.ExternalID, "error", err)
		}
	}
	key, err := o.locks.AcquireWithWait(ctx, req, opts, sink)
	if err == nil {
		return key, true
	}
	if errors.Is(err, lockmgr.ErrWaitTimeout) {
		telemetry.LockWaitTimeouts.Inc()
		if ferr := o.registry.Fail(ctx, job.ID, "timed out waiting for the analysis lock"); ferr != nil {
			o.log.Errorw("fail job after lock timeout", "job", job.ExternalID, "error", ferr)
		} else {
			telemetry.JobsFailed.Inc()
		}
		o.updateOrDelete(ctx, evt, placeholderID,
			"Another analysis is still running for this branch. Try again once it finishes.")
		return "", false
	}
	o.recordFailure(ctx, evt, job, err, placeholderID)
	return "", false
}

// recordFailure writes the job's FAILED state first, with full internal detail,
// then best-effort posts the sanitized message externally. The terminal write
// never depends on the reporter.
func (o *Orchestrator) recordFailure(ctx context.Context, evt Event, job models.Job, cause error, placeholderID int64) {
	category, userMessage := classifyFailure(cause)

	if err := o.registry.Fail(ctx, job.ID, cause.Error()); err != nil && !errors.Is(err, registry.ErrAlreadyTerminal) {
		o.log.Errorw("record job failure", "job", job.ExternalID, "cause", cause, "error", err)
	} else {
		telemetry.JobsFailed.Inc()
	}
	o.log.Errorw("analysis failed",
		"job", job.ExternalID, "project", evt.ProjectID, "category", category, "error", cause)

	o.updateOrDelete(ctx, evt, placeholderID, userMessage)
}

// deleteOrSkip removes an irrelevant job outright; when deletion fails the job
// is marked SKIPPED instead, never left half-deleted or dangling as a failure.
func (o *Orchestrator) deleteOrSkip(ctx context.Context, job models.Job, reason string) {
	if err := o.registry.DeleteIgnored(ctx, job, reason); err != nil {
		o.log.Warnw("delete ignored job, falling back to skip", "job", job.ExternalID, "error", err)
		if serr := o.registry.Skip(ctx, job, reason); serr != nil {
			o.log.Errorw("skip job", "job", job.ExternalID, "error", serr)
			return
		}
	}
	telemetry.JobsSkipped.Inc()
}

// postPlaceholder posts a "processing" note on the PR when a reporter is wired.
func (o *Orchestrator) postPlaceholder(ctx context.Context, evt Event) int64 {
	if o.reporter == nil || evt.PRNumber == nil {
		return 0
	}
	id, err := o.reporter.PostComment(ctx, evt.ProjectID, *evt.PRNumber, "Analyzing changes, results will appear here shortly...")
	if err != nil {
		o.log.Warnw("post placeholder comment", "project", evt.ProjectID, "pr", *evt.PRNumber, "error", err)
		return 0
	}
	return id
}

// updateOrDelete replaces the placeholder with the final message, or deletes it
// when there is nothing to say. Reporter trouble is logged, never propagated.
func (o *Orchestrator) updateOrDelete(ctx context.Context, evt Event, placeholderID int64, message string) {
	if o.reporter == nil || evt.PRNumber == nil {
		return
	}
	var err error
	switch {
	case placeholderID != 0 && message != "":
		err = o.reporter.UpdateComment(ctx, evt.ProjectID, placeholderID, message)
	case placeholderID != 0:
		err = o.reporter.DeleteComment(ctx, evt.ProjectID, placeholderID)
	case message != "":
		_, err = o.reporter.PostComment(ctx, evt.ProjectID, *evt.PRNumber, message)
	}
	if err != nil {
		o.log.Warnw("report outcome", "project", evt.ProjectID, "pr", *evt.PRNumber, "error", err)
	}
}

func (o *Orchestrator) post(ctx context.Context, evt Event, message string) {
	if o.reporter == nil || evt.PRNumber == nil {
		return
	}
	if _, err := o.reporter.PostComment(ctx, evt.ProjectID, *evt.PRNumber, message); err != nil {
		o.log.Warnw("post comment", "project", evt.ProjectID, "pr", *evt.PRNumber, "error", err)
	}
}

func skipReason(res Result) string {
	if res.Message != "" {
		return res.Message
	}
	return "event judged irrelevant, no analysis performed"
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// RunSweeps drives the periodic maintenance passes until ctx is cancelled.
// Intended for the janitor binary; each sweep has its own interval.
func (o *Orchestrator) RunSweeps(ctx context.Context, lockEvery, stuckEvery time.Duration, stuckThreshold time.Duration) {
	lockTicker := time.NewTicker(lockEvery)
	defer lockTicker.Stop()
	stuckTicker := time.NewTicker(stuckEvery)
	defer stuckTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lockTicker.C:
			if _, err := o.locks.Sweep(ctx); err != nil {
				o.log.Errorw("lock sweep", "error", err)
			}
			if _, err := o.limiter.Sweep(ctx); err != nil {
				o.log.Errorw("rate window sweep", "error", err)
			}
		case <-stuckTicker.C:
			if _, err := o.registry.FindAndFailStuckJobs(ctx, stuckThreshold, "analysis worker lost, job forcibly failed"); err != nil {
				o.log.Errorw("stuck job sweep", "error", err)
			}
		}
	}
}
