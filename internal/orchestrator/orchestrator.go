package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"sentinel-core/internal/adapters"
	"sentinel-core/internal/config"
	"sentinel-core/internal/metrics"
	"sentinel-core/internal/schema"
)

// EventType tags a rule lifecycle event handed to observers.
type EventType string

const (
	EventApplied      EventType = "applied"
	EventRejected     EventType = "rejected"
	EventFailed       EventType = "failed"
	EventExpired      EventType = "expired"
	EventRolledBack   EventType = "rolled_back"
	EventDeduped      EventType = "deduplicated"
	EventConflictLost EventType = "conflict_lost"
)

// RuleEvent is delivered to observers on every lifecycle milestone.
// The audit trail and the alert router both attach here.
type RuleEvent struct {
	Type     EventType
	Decision *schema.Decision
	Snapshot *Snapshot
	Err      error
}

// Observer receives rule lifecycle events. Implementations must not
// block; slow sinks buffer internally.
type Observer interface {
	RuleEvent(ctx context.Context, ev RuleEvent)
}

// ErrConflictLost is returned when an incoming rule loses a priority
// fight against an active rule on the identical match.
var ErrConflictLost = errors.New("conflicting active rule has higher priority")

// Orchestrator validates, dispatches, and tracks universal rules across
// the adapter fleet.
type Orchestrator struct {
	cfg       config.OrchestratorConfig
	registry  *adapters.Registry
	table     *Table
	validator *schema.Validator
	metrics   *metrics.Pipeline
	logger    *slog.Logger

	protected []netip.Prefix
	pinned    []netip.Prefix

	mu        sync.Mutex // serializes conflict resolution against inserts
	observers []Observer

	wg   sync.WaitGroup
	done chan struct{}
}

// New builds an orchestrator over the adapter registry.
func New(cfg config.OrchestratorConfig, reg *adapters.Registry, m *metrics.Pipeline, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		registry:  reg,
		table:     NewTable(m),
		validator: schema.NewValidator(),
		metrics:   m,
		logger:    logger.With("component", "orchestrator"),
		protected: parsePrefixes(cfg.ProtectedAssets),
		pinned:    parsePrefixes(cfg.PinnedAllows),
		done:      make(chan struct{}),
	}
}

// Observe attaches a lifecycle observer. Not safe after Start.
func (o *Orchestrator) Observe(obs Observer) {
	o.observers = append(o.observers, obs)
}

// Table exposes the rule table for read paths.
func (o *Orchestrator) Table() *Table { return o.table }

// ApplyDecision synthesizes a rule from the decision, resolves
// conflicts, and pushes it to every available adapter. The returned
// snapshot reflects the rule after dispatch.
func (o *Orchestrator) ApplyDecision(ctx context.Context, dec *schema.Decision) (Snapshot, error) {
	rule, err := Synthesize(o.cfg, dec)
	if err != nil {
		return Snapshot{}, err
	}
	if err := o.Validate(rule, dec.Action); err != nil {
		var verr *ValidationError
		reason := "invalid"
		if errors.As(err, &verr) {
			reason = verr.Reason
		}
		o.metrics.ValidationRejects.WithLabelValues(reason).Inc()
		o.logger.Warn("rule rejected", "decision_id", dec.DecisionID, "reason", reason, "error", err)
		o.emit(ctx, RuleEvent{Type: EventRejected, Decision: dec, Err: err})
		return Snapshot{}, err
	}

	admitted, losers, snap, err := o.admit(dec, rule)
	if err != nil {
		// A lost conflict still reports the surviving rule.
		o.emit(ctx, RuleEvent{Type: EventConflictLost, Decision: dec, Snapshot: &snap, Err: err})
		return snap, err
	}
	if !admitted {
		// Absorbed by an existing rule; nothing to dispatch.
		o.emit(ctx, RuleEvent{Type: EventDeduped, Decision: dec, Snapshot: &snap})
		return snap, nil
	}

	// Superseded rules come off the adapters before the winner goes on,
	// so the fleet never enforces both sides of a conflict.
	for _, loser := range losers {
		if err := o.Rollback(context.WithoutCancel(ctx), loser.Rule.RuleID); err != nil {
			o.logger.Error("superseded rule rollback failed",
				"rule_id", loser.Rule.RuleID, "error", err)
		}
	}

	return o.apply(ctx, dec, rule)
}

// admit runs conflict resolution under the admission lock. It returns
// admitted=false with the surviving rule's snapshot when the incoming
// rule was absorbed or lost, and the outranked rules the caller must
// roll back when it was admitted. Contention covers pending and
// applying rules too, so two concurrent decisions on one match cannot
// both activate.
func (o *Orchestrator) admit(dec *schema.Decision, rule *schema.UniversalRule) (bool, []Snapshot, Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var losers []Snapshot
	for _, existing := range o.table.Contending() {
		if existing.Rule.Match.Canonical() != rule.Match.Canonical() {
			continue
		}
		if existing.Rule.Action == rule.Action {
			// Same match, same action: extend the existing rule
			// instead of duplicating enforcement. A rule that is not
			// active yet keeps its own TTL; it starts on activation.
			o.table.BumpTTL(existing.Rule.RuleID, rule.TTL)
			o.metrics.ConflictsResolved.WithLabelValues("dedupe").Inc()
			o.logger.Info("rule deduplicated onto existing rule",
				"decision_id", dec.DecisionID, "rule_id", existing.Rule.RuleID)
			snap, _ := o.table.Get(existing.Rule.RuleID)
			return false, nil, snap, nil
		}
		// Same match, conflicting action: lower priority number wins.
		if existing.Rule.Priority <= rule.Priority {
			o.metrics.ConflictsResolved.WithLabelValues("kept_existing").Inc()
			return false, nil, existing, fmt.Errorf("%w: rule %s", ErrConflictLost, existing.Rule.RuleID)
		}
		losers = append(losers, existing)
	}

	o.table.Insert(rule)
	for _, loser := range losers {
		o.metrics.ConflictsResolved.WithLabelValues("superseded").Inc()
		o.logger.Info("rule superseded",
			"loser", loser.Rule.RuleID, "winner", rule.RuleID)
	}
	return true, losers, Snapshot{}, nil
}

// apply dispatches the admitted rule to every available adapter in
// parallel and settles the lifecycle from the aggregate outcome.
func (o *Orchestrator) apply(ctx context.Context, dec *schema.Decision, rule *schema.UniversalRule) (Snapshot, error) {
	o.table.Transition(rule.RuleID, schema.RuleApplying)

	targets := o.registry.Available()
	var wg sync.WaitGroup
	for _, a := range targets {
		wg.Add(1)
		go func(a adapters.Adapter) {
			defer wg.Done()
			o.dispatch(ctx, a, rule)
		}(a)
	}
	wg.Wait()

	snap, _ := o.table.Get(rule.RuleID)
	ok := 0
	for _, out := range snap.Outcomes {
		if out.Code == schema.OutcomeOK {
			ok++
		}
	}

	if len(targets) == 0 || ok == 0 {
		o.table.Transition(rule.RuleID, schema.RuleFailed)
		snap, _ = o.table.Get(rule.RuleID)
		err := fmt.Errorf("rule %s failed on all %d adapters", rule.RuleID, len(targets))
		o.logger.Error("rule apply failed everywhere", "rule_id", rule.RuleID, "adapters", len(targets))
		o.emit(ctx, RuleEvent{Type: EventFailed, Decision: dec, Snapshot: &snap, Err: err})
		return snap, err
	}

	o.table.Transition(rule.RuleID, schema.RuleActive)
	snap, _ = o.table.Get(rule.RuleID)
	if ok < len(targets) {
		o.logger.Warn("rule active on a subset of adapters",
			"rule_id", rule.RuleID, "ok", ok, "total", len(targets))
	}
	o.emit(ctx, RuleEvent{Type: EventApplied, Decision: dec, Snapshot: &snap})
	return snap, nil
}

// dispatch applies one rule to one adapter with bounded exponential
// backoff. Only transient failures are retried; an unreachable backend
// pauses the adapter instead.
func (o *Orchestrator) dispatch(ctx context.Context, a adapters.Adapter, rule *schema.UniversalRule) {
	retry := o.cfg.AdapterRetry
	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, o.registry.CallTimeout())
		start := time.Now()
		nativeID, err := a.Apply(callCtx, rule)
		cancel()
		o.metrics.AdapterLatency.WithLabelValues(a.Name(), "apply").Observe(time.Since(start).Seconds())

		code := adapters.Classify(err)
		outcome := schema.AdapterOutcome{
			Adapter:   a.Name(),
			Code:      code,
			NativeID:  nativeID,
			Attempt:   attempt,
			Timestamp: time.Now().UTC(),
		}
		if err != nil {
			outcome.Detail = err.Error()
		}
		o.table.RecordOutcome(rule.RuleID, outcome)
		o.metrics.AdapterOutcomes.WithLabelValues(a.Name(), string(code)).Inc()

		switch code {
		case schema.OutcomeOK:
			return
		case schema.OutcomeUnreachable:
			o.registry.Pause(a.Name())
			return
		case schema.OutcomePermanent:
			o.logger.Warn("adapter refused rule",
				"adapter", a.Name(), "rule_id", rule.RuleID, "error", err)
			return
		}

		lastErr = err
		if attempt < retry.MaxAttempts {
			if !o.backoff(ctx, retry, attempt) {
				return
			}
		}
	}
	o.logger.Warn("adapter exhausted retries",
		"adapter", a.Name(), "rule_id", rule.RuleID,
		"attempts", retry.MaxAttempts, "error", lastErr)
}

// backoff sleeps the exponential delay for the attempt; false means the
// context ended first.
func (o *Orchestrator) backoff(ctx context.Context, retry config.RetryConfig, attempt int) bool {
	delay := retry.BaseDelay << (attempt - 1)
	if retry.MaxDelay > 0 && delay > retry.MaxDelay {
		delay = retry.MaxDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-o.done:
		return false
	case <-timer.C:
		return true
	}
}

// Rollback removes a rule from every adapter that holds it and retires
// it from the table.
func (o *Orchestrator) Rollback(ctx context.Context, ruleID uuid.UUID) error {
	snap, ok := o.table.Get(ruleID)
	if !ok {
		return fmt.Errorf("unknown rule %s", ruleID)
	}
	if snap.Lifecycle.Terminal() {
		return fmt.Errorf("rule %s already %s", ruleID, snap.Lifecycle)
	}

	err := o.removeNatives(ctx, snap)
	o.table.Transition(ruleID, schema.RuleRolledBack)
	snap, _ = o.table.Get(ruleID)
	o.emit(ctx, RuleEvent{Type: EventRolledBack, Snapshot: &snap, Err: err})
	return err
}

// RollbackDecision rolls back every rule a decision produced.
func (o *Orchestrator) RollbackDecision(ctx context.Context, decisionID uuid.UUID) (int, error) {
	snaps := o.table.ByDecision(decisionID)
	if len(snaps) == 0 {
		return 0, fmt.Errorf("no rules for decision %s", decisionID)
	}
	n := 0
	var firstErr error
	for _, snap := range snaps {
		if snap.Lifecycle.Terminal() {
			continue
		}
		if err := o.Rollback(ctx, snap.Rule.RuleID); err != nil && firstErr == nil {
			firstErr = err
		}
		n++
	}
	return n, firstErr
}

// removeNatives deletes the rule's native entries on each adapter that
// reported one.
func (o *Orchestrator) removeNatives(ctx context.Context, snap Snapshot) error {
	var firstErr error
	for name, nativeID := range snap.NativeIDs {
		a, ok := o.registry.Get(name)
		if !ok {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, o.registry.CallTimeout())
		start := time.Now()
		err := a.Remove(callCtx, nativeID)
		cancel()
		o.metrics.AdapterLatency.WithLabelValues(name, "remove").Observe(time.Since(start).Seconds())
		code := adapters.Classify(err)
		o.metrics.AdapterOutcomes.WithLabelValues(name, string(code)).Inc()
		if err != nil {
			o.logger.Error("native rule removal failed",
				"adapter", name, "rule_id", snap.Rule.RuleID, "error", err)
			if code == schema.OutcomeUnreachable {
				o.registry.Pause(name)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Start launches the expiry sweep.
func (o *Orchestrator) Start(ctx context.Context) {
	interval := o.cfg.ExpiryInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.done:
				return
			case <-ticker.C:
				o.expire(ctx, time.Now().UTC())
			}
		}
	}()
}

// expire retires every active rule whose TTL has elapsed.
func (o *Orchestrator) expire(ctx context.Context, now time.Time) {
	for _, snap := range o.table.Expirable(now) {
		if err := o.removeNatives(ctx, snap); err != nil {
			o.logger.Warn("expiry left native residue",
				"rule_id", snap.Rule.RuleID, "error", err)
		}
		o.table.Transition(snap.Rule.RuleID, schema.RuleExpired)
		final, _ := o.table.Get(snap.Rule.RuleID)
		o.logger.Info("rule expired", "rule_id", snap.Rule.RuleID)
		o.emit(ctx, RuleEvent{Type: EventExpired, Snapshot: &final})
	}
}

func (o *Orchestrator) emit(ctx context.Context, ev RuleEvent) {
	for _, obs := range o.observers {
		obs.RuleEvent(ctx, ev)
	}
}

// Stop halts the expiry sweep and any in-flight backoff waits.
func (o *Orchestrator) Stop() {
	close(o.done)
	o.wg.Wait()
}
