// Package coordinator runs one failure event through classify, decide, act
// and record.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/vietddude/triage/internal/core/domain"
	"github.com/vietddude/triage/internal/infra/analysis/provider"
	"github.com/vietddude/triage/internal/infra/notify"
	"github.com/vietddude/triage/internal/infra/platform"
	"github.com/vietddude/triage/internal/infra/storage"
	"github.com/vietddude/triage/internal/infra/storage/memory"
	"github.com/vietddude/triage/internal/triage/metrics"
	"github.com/vietddude/triage/internal/triage/policy"
)

const (
	defaultClaimTTL    = time.Hour
	recordTimeout      = 10 * time.Second
	notifyTimeout      = 30 * time.Second
	pipelineLockPrefix = "pipeline:"
	pipelineLockTTL    = 30 * time.Second
	pipelineLockWait   = 30 * time.Second
	pipelineLockPoll   = 20 * time.Millisecond
	historyInPrompt    = 5
	actionRerun        = "rerun"
	actionNotify       = "notify"
	pendingReasonAbort = "retry delay interrupted"
)

var errPipelineBusy = errors.New("pipeline decision lock held")

// Classifier produces a classification for a failure. It must always return a
// usable classification, degraded when no provider answered.
type Classifier interface {
	Classify(ctx context.Context, req provider.Request) (domain.Classification, error)
}

// Result is what the caller learns about one triage.
type Result struct {
	Verdict        domain.RetryVerdict   `json:"verdict"`
	ActionOutcome  domain.ActionOutcome  `json:"actionOutcome"`
	Duplicate      bool                  `json:"duplicate"`
	EntryID        string                `json:"entryId,omitempty"`
	Classification domain.Classification `json:"classification"`
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Ledger     storage.LedgerRepository
	Classifier Classifier
	Policy     *policy.Evaluator
	Rerunner   platform.Rerunner
	Notifier   notify.Sink
	Pending    storage.PendingStore
	Locker     storage.RunLocker
	// Reservations default to a process-local table.
	Reservations storage.RetryReservations
	// ClaimTTL bounds how long a run stays claimed if the process dies mid-triage.
	ClaimTTL time.Duration
}

// Coordinator owns per-run deduplication and drives the triage state machine.
type Coordinator struct {
	ledger       storage.LedgerRepository
	classifier   Classifier
	policy       atomic.Pointer[policy.Evaluator]
	rerunner     platform.Rerunner
	notifier     notify.Sink
	pending      storage.PendingStore
	locker       storage.RunLocker
	reservations storage.RetryReservations
	claimTTL     time.Duration

	// unrecorded holds entries whose action ran but whose append failed. A
	// retried triage of the same run only re-attempts the append.
	unrecordedMu sync.Mutex
	unrecorded   map[string]*domain.LedgerEntry

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	log   *slog.Logger
}

// New creates a coordinator.
func New(d Deps) *Coordinator {
	c := &Coordinator{
		ledger:     d.Ledger,
		classifier: d.Classifier,
		rerunner:   d.Rerunner,
		notifier:   d.Notifier,
		pending:    d.Pending,
		locker:     d.Locker,
		claimTTL:   d.ClaimTTL,
		unrecorded: make(map[string]*domain.LedgerEntry),
		now:        time.Now,
		sleep:      sleepContext,
		log:        slog.Default().With("component", "coordinator"),
	}
	if c.claimTTL <= 0 {
		c.claimTTL = defaultClaimTTL
	}
	c.reservations = d.Reservations
	if c.reservations == nil {
		c.reservations = memory.NewRetryReservations()
	}
	p := d.Policy
	if p == nil {
		p = policy.NewEvaluator(policy.DefaultConfig())
	}
	c.policy.Store(p)
	return c
}

// SetPolicy replaces the retry policy for triages that start afterwards.
func (c *Coordinator) SetPolicy(p *policy.Evaluator) {
	c.policy.Store(p)
}

// Policy returns the active retry policy.
func (c *Coordinator) Policy() *policy.Evaluator {
	return c.policy.Load()
}

// Triage processes one failure event. Every event that is not a duplicate
// produces exactly one ledger entry. Only ledger unavailability is returned
// as an error, and it matches domain.ErrLedgerWriteFailed.
func (c *Coordinator) Triage(ctx context.Context, ev domain.FailureEvent) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{}, err
	}
	metrics.FailuresReceived.WithLabelValues(sourceLabel(ev.SourceSystem)).Inc()

	if entry := c.takeUnrecorded(ev.RunID); entry != nil {
		return c.rerecord(ctx, entry)
	}

	eval := c.policy.Load()
	claimed, err := c.locker.Claim(ctx, ev.RunID, c.claimTTLFor(eval))
	if err != nil {
		return Result{}, fmt.Errorf("%w: claim run %s: %w", domain.ErrLedgerWriteFailed, ev.RunID, err)
	}
	if !claimed {
		c.log.Debug("Run already being triaged", "run_id", ev.RunID)
		metrics.DuplicateRuns.Inc()
		return Result{Duplicate: true}, nil
	}
	// An action that could not be recorded keeps its claim until the entry is
	// written by a retry, so the run cannot be acted on twice.
	holdClaim := false
	defer func() {
		if holdClaim {
			return
		}
		if err := c.locker.Release(context.WithoutCancel(ctx), ev.RunID); err != nil {
			c.log.Warn("Failed to release run claim", "run_id", ev.RunID, "error", err)
		}
	}()

	processed, err := c.ledger.HasBeenProcessed(ctx, ev.RunID)
	if err != nil {
		return Result{}, ledgerErr(fmt.Errorf("check run %s: %w", ev.RunID, err))
	}
	if processed {
		c.log.Debug("Run already processed", "run_id", ev.RunID)
		metrics.DuplicateRuns.Inc()
		return Result{Duplicate: true}, nil
	}

	start := time.Now()

	// Received -> Classified
	asOf := c.now()
	recent, err := c.ledger.RecentEntries(ctx, ev.PipelineName, asOf.Add(-eval.Config().Window))
	if err != nil {
		return Result{}, ledgerErr(fmt.Errorf("load history for %s: %w", ev.PipelineName, err))
	}
	history := domain.LedgerHistory{AsOf: asOf, Entries: recent}

	classification, err := c.classifier.Classify(ctx, provider.Request{
		PipelineName: ev.PipelineName,
		ErrorMessage: ev.ErrorMessage,
		RunID:        ev.RunID,
		Context:      promptContext(eval, ev.PipelineName, history),
	})
	if err != nil {
		c.log.Warn("Classification degraded", "run_id", ev.RunID, "pipeline", ev.PipelineName, "error", err)
	}

	// Classified -> Decided
	verdict, err := c.decide(ctx, eval, ev, classification, history)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if holdClaim || verdict.Decision != domain.DecisionRetry {
			return
		}
		c.releaseReservation(ctx, ev.PipelineName, ev.RunID)
	}()
	metrics.Verdicts.WithLabelValues(ev.PipelineName, string(verdict.Decision)).Inc()
	c.log.Info("Verdict reached",
		"run_id", ev.RunID,
		"pipeline", ev.PipelineName,
		"error_type", classification.ErrorType,
		"confidence", classification.ConfidenceScore,
		"decision", verdict.Decision,
		"reason", verdict.Reason,
	)
	decided := time.Since(start)

	// Decided -> Acted
	entryID := uuid.NewString()
	outcome, actionErr := c.act(ctx, ev, entryID, classification, verdict)
	metrics.ActionOutcomes.WithLabelValues(string(verdict.Decision), string(outcome)).Inc()

	// Acted -> Recorded. The record must survive a cancelled caller.
	recordStart := time.Now()
	entry := &domain.LedgerEntry{
		EntryID:        entryID,
		RunID:          ev.RunID,
		PipelineName:   ev.PipelineName,
		SourceSystem:   ev.SourceSystem,
		ErrorMessage:   domain.TruncateMessage(ev.ErrorMessage),
		Classification: classification,
		Verdict:        verdict,
		ActionOutcome:  outcome,
		RecordedAt:     c.now(),
	}
	if actionErr != nil {
		entry.ActionError = actionErr.Error()
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	result := Result{Verdict: verdict, ActionOutcome: outcome, EntryID: entryID, Classification: classification}

	if err := c.ledger.Append(recordCtx, entry); err != nil {
		if errors.Is(err, domain.ErrDuplicateRun) {
			c.log.Warn("Run recorded concurrently, skipping", "run_id", ev.RunID)
			metrics.DuplicateRuns.Inc()
			return Result{Duplicate: true}, nil
		}
		metrics.LedgerWriteErrors.Inc()
		holdClaim = true
		c.stashUnrecorded(entry)
		c.log.Error("Failed to record decision", "run_id", ev.RunID, "error", err)
		return result, ledgerErr(err)
	}

	metrics.TriageDuration.WithLabelValues(string(verdict.Decision)).Observe((decided + time.Since(recordStart)).Seconds())
	return result, nil
}

// decide evaluates the verdict under the pipeline's decision lock. Retries
// recorded while classifying and retries decided by concurrent triages both
// count against the budget. A retry verdict is reserved before the lock is
// released and stays reserved until its entry is recorded.
func (c *Coordinator) decide(ctx context.Context, eval *policy.Evaluator, ev domain.FailureEvent, cl domain.Classification, history domain.LedgerHistory) (domain.RetryVerdict, error) {
	key := pipelineLockPrefix + ev.PipelineName
	if err := c.lockPipeline(ctx, key); err != nil {
		return domain.RetryVerdict{}, ledgerErr(fmt.Errorf("lock pipeline %s: %w", ev.PipelineName, err))
	}
	defer func() {
		if err := c.locker.Release(context.WithoutCancel(ctx), key); err != nil {
			c.log.Warn("Failed to release pipeline lock", "pipeline", ev.PipelineName, "error", err)
		}
	}()

	// Count reservations before reading the clock: a retry released since
	// then was recorded before asOf and shows up in the ledger instead.
	inflight, err := c.reservations.Count(ctx, ev.PipelineName)
	if err != nil {
		return domain.RetryVerdict{}, ledgerErr(fmt.Errorf("count in-flight retries for %s: %w", ev.PipelineName, err))
	}

	history.AsOf = c.now()
	since := history.AsOf.Add(-eval.Config().Window)
	recorded, err := c.ledger.CountRetries(ctx, ev.PipelineName, since)
	if err != nil {
		return domain.RetryVerdict{}, ledgerErr(fmt.Errorf("count retries for %s: %w", ev.PipelineName, err))
	}
	if recorded != eval.RetriesInWindow(ev.PipelineName, history) {
		if history.Entries, err = c.ledger.RecentEntries(ctx, ev.PipelineName, since); err != nil {
			return domain.RetryVerdict{}, ledgerErr(fmt.Errorf("reload history for %s: %w", ev.PipelineName, err))
		}
	}
	history.InFlightRetries = inflight

	verdict := eval.Evaluate(cl, ev.PipelineName, history)
	if verdict.Decision == domain.DecisionRetry {
		if err := c.reservations.Reserve(ctx, ev.PipelineName, ev.RunID, c.claimTTLFor(eval)); err != nil {
			return domain.RetryVerdict{}, ledgerErr(fmt.Errorf("reserve retry for %s: %w", ev.RunID, err))
		}
	}
	return verdict, nil
}

func (c *Coordinator) lockPipeline(ctx context.Context, key string) error {
	b := retry.WithMaxDuration(pipelineLockWait, retry.NewConstant(pipelineLockPoll))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		ok, err := c.locker.Claim(ctx, key, pipelineLockTTL)
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(errPipelineBusy)
		}
		return nil
	})
}

func (c *Coordinator) releaseReservation(ctx context.Context, pipelineName, runID string) {
	if err := c.reservations.Release(context.WithoutCancel(ctx), pipelineName, runID); err != nil {
		c.log.Warn("Failed to release retry reservation", "run_id", runID, "error", err)
	}
}

// act performs the verdict. Failures are reported through the outcome and
// never retried.
func (c *Coordinator) act(ctx context.Context, ev domain.FailureEvent, entryID string, cl domain.Classification, v domain.RetryVerdict) (domain.ActionOutcome, error) {
	if v.Decision == domain.DecisionEscalate {
		severity := notify.SeverityWarning
		if cl.Degraded {
			severity = notify.SeverityCritical
		}
		nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()
		err := c.notifier.Notify(nctx, notify.Notification{
			Severity:           severity,
			PipelineName:       ev.PipelineName,
			RunID:              ev.RunID,
			Rationale:          v.Reason,
			RecommendedActions: cl.RecommendedActions,
			Time:               c.now(),
		})
		if err != nil {
			c.log.Warn("Escalation notice failed", "run_id", ev.RunID, "error", err)
			return domain.OutcomeFailed, &domain.ActionError{Action: actionNotify, Err: err}
		}
		return domain.OutcomeSucceeded, nil
	}

	dueAt := c.now().Add(v.RetryDelay)
	if err := c.sleep(ctx, v.RetryDelay); err != nil {
		c.persistPending(ev, entryID, dueAt, v.Reason)
		return domain.OutcomePending, nil
	}

	accepted, err := c.rerunner.Rerun(ctx, ev.PipelineName, ev.RunID)
	if err == nil && !accepted {
		err = errors.New("rerun not accepted")
	}
	if err != nil {
		c.log.Warn("Rerun failed", "run_id", ev.RunID, "pipeline", ev.PipelineName, "error", err)
		return domain.OutcomeFailed, &domain.ActionError{Action: actionRerun, Err: err}
	}

	nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := c.notifier.Notify(nctx, notify.Notification{
		Severity:     notify.SeverityInfo,
		PipelineName: ev.PipelineName,
		RunID:        ev.RunID,
		Rationale:    v.Reason,
		Time:         c.now(),
	}); err != nil {
		c.log.Warn("Retry notice failed", "run_id", ev.RunID, "error", err)
	}
	return domain.OutcomeSucceeded, nil
}

func (c *Coordinator) persistPending(ev domain.FailureEvent, entryID string, dueAt time.Time, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	p := &domain.PendingRetry{
		RunID:        ev.RunID,
		PipelineName: ev.PipelineName,
		EntryID:      entryID,
		DueAt:        dueAt,
		Reason:       fmt.Sprintf("%s: %s", pendingReasonAbort, reason),
		CreatedAt:    c.now(),
	}
	if err := c.pending.Put(ctx, p); err != nil {
		c.log.Error("Failed to persist pending retry", "run_id", ev.RunID, "error", err)
		return
	}
	metrics.PendingRetries.Inc()
	c.log.Info("Retry delay interrupted, pending retry saved", "run_id", ev.RunID, "due_at", dueAt)
}

func (c *Coordinator) stashUnrecorded(e *domain.LedgerEntry) {
	c.unrecordedMu.Lock()
	defer c.unrecordedMu.Unlock()
	c.unrecorded[e.RunID] = e
}

func (c *Coordinator) takeUnrecorded(runID string) *domain.LedgerEntry {
	c.unrecordedMu.Lock()
	defer c.unrecordedMu.Unlock()
	e := c.unrecorded[runID]
	delete(c.unrecorded, runID)
	return e
}

// rerecord retries the append of an entry whose action already ran. The run
// claim taken by the first attempt is still held and is released once the
// entry is written.
func (c *Coordinator) rerecord(ctx context.Context, entry *domain.LedgerEntry) (Result, error) {
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	result := Result{
		Verdict:        entry.Verdict,
		ActionOutcome:  entry.ActionOutcome,
		EntryID:        entry.EntryID,
		Classification: entry.Classification,
	}
	err := c.ledger.Append(recordCtx, entry)
	switch {
	case err == nil:
		c.log.Info("Decision recorded on retry", "run_id", entry.RunID, "entry_id", entry.EntryID)
	case errors.Is(err, domain.ErrDuplicateRun):
		metrics.DuplicateRuns.Inc()
		result = Result{Duplicate: true}
	default:
		metrics.LedgerWriteErrors.Inc()
		c.stashUnrecorded(entry)
		c.log.Error("Failed to record decision", "run_id", entry.RunID, "error", err)
		return result, ledgerErr(err)
	}

	if entry.Verdict.Decision == domain.DecisionRetry {
		c.releaseReservation(ctx, entry.PipelineName, entry.RunID)
	}
	if err := c.locker.Release(context.WithoutCancel(ctx), entry.RunID); err != nil {
		c.log.Warn("Failed to release run claim", "run_id", entry.RunID, "error", err)
	}
	return result, nil
}

// claimTTLFor outlives the longest retry delay the policy can produce, so a
// claim never expires while its run waits to be rerun.
func (c *Coordinator) claimTTLFor(eval *policy.Evaluator) time.Duration {
	ttl := c.claimTTL
	if d := 2*eval.Config().MaxRetryDelay + recordTimeout; d > ttl {
		ttl = d
	}
	return ttl
}

func promptContext(eval *policy.Evaluator, pipeline string, h domain.LedgerHistory) map[string]any {
	recent := make([]map[string]any, 0, historyInPrompt)
	for _, e := range h.Entries {
		if len(recent) == historyInPrompt {
			break
		}
		recent = append(recent, map[string]any{
			"run_id":      e.RunID,
			"error_type":  string(e.Classification.ErrorType),
			"decision":    string(e.Verdict.Decision),
			"outcome":     string(e.ActionOutcome),
			"recorded_at": e.RecordedAt.UTC().Format(time.RFC3339),
		})
	}
	return map[string]any{
		"recent_retries": eval.RetriesInWindow(pipeline, h),
		"recent_history": recent,
	}
}

func ledgerErr(err error) error {
	if errors.Is(err, domain.ErrLedgerWriteFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrLedgerWriteFailed, err)
}

func sourceLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
