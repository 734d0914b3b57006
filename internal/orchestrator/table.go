// Package orchestrator converts decisions into universal rules and
// drives the vendor adapters through the rule lifecycle.
package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"sentinel-core/internal/metrics"
	"sentinel-core/internal/schema"
)

// RuleState is the mutable lifecycle record of one rule. Mutation goes
// through the owning Table; callers only ever see snapshots.
type RuleState struct {
	Rule      *schema.UniversalRule
	Lifecycle schema.RuleLifecycle
	// Outcomes holds the latest outcome per adapter.
	Outcomes map[string]schema.AdapterOutcome
	// NativeIDs maps adapter name to its native handle for the rule.
	NativeIDs map[string]string
	Attempts  int
	HitCount  uint64
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Snapshot is a consistent copy of a RuleState handed to readers.
type Snapshot struct {
	Rule      schema.UniversalRule
	Lifecycle schema.RuleLifecycle
	Outcomes  []schema.AdapterOutcome
	NativeIDs map[string]string
	Attempts  int
	HitCount  uint64
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Table owns every RuleState. Writes to one rule are serialized by the
// table lock; expired and rolled-back rules stay queryable for audit.
type Table struct {
	mu      sync.RWMutex
	rules   map[uuid.UUID]*RuleState
	metrics *metrics.Pipeline
}

// NewTable creates an empty rule table.
func NewTable(m *metrics.Pipeline) *Table {
	return &Table{rules: make(map[uuid.UUID]*RuleState), metrics: m}
}

// Insert registers a new rule in the pending state.
func (t *Table) Insert(rule *schema.UniversalRule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now().UTC()
	t.rules[rule.RuleID] = &RuleState{
		Rule:      rule,
		Lifecycle: schema.RulePending,
		Outcomes:  make(map[string]schema.AdapterOutcome),
		NativeIDs: make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.metrics.RuleTransitions.WithLabelValues(string(schema.RulePending)).Inc()
}

// Transition moves a rule to the given lifecycle. Terminal states are
// never left; illegal transitions are refused.
func (t *Table) Transition(ruleID uuid.UUID, to schema.RuleLifecycle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.rules[ruleID]
	if !ok || st.Lifecycle.Terminal() || st.Lifecycle == to {
		return false
	}
	from := st.Lifecycle
	st.Lifecycle = to
	st.UpdatedAt = time.Now().UTC()
	if to == schema.RuleActive && st.Rule.TTL > 0 {
		st.ExpiresAt = st.UpdatedAt.Add(st.Rule.TTL)
	}

	t.metrics.RuleTransitions.WithLabelValues(string(to)).Inc()
	switch {
	case to == schema.RuleActive:
		t.metrics.RulesActive.Inc()
	case from == schema.RuleActive:
		t.metrics.RulesActive.Dec()
	}
	return true
}

// RecordOutcome stores one adapter outcome, and the native id on
// success.
func (t *Table) RecordOutcome(ruleID uuid.UUID, outcome schema.AdapterOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.rules[ruleID]
	if !ok {
		return
	}
	st.Outcomes[outcome.Adapter] = outcome
	if outcome.Code == schema.OutcomeOK && outcome.NativeID != "" {
		st.NativeIDs[outcome.Adapter] = outcome.NativeID
	}
	st.UpdatedAt = time.Now().UTC()
}

// BumpTTL extends the expiry of an active rule from now.
func (t *Table) BumpTTL(ruleID uuid.UUID, ttl time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.rules[ruleID]
	if !ok || st.Lifecycle != schema.RuleActive {
		return false
	}
	st.ExpiresAt = time.Now().UTC().Add(ttl)
	st.UpdatedAt = time.Now().UTC()
	return true
}

// IncrAttempts counts one more apply attempt and returns the total.
func (t *Table) IncrAttempts(ruleID uuid.UUID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.rules[ruleID]
	if !ok {
		return 0
	}
	st.Attempts++
	return st.Attempts
}

// AddHits raises the monotonic hit counter.
func (t *Table) AddHits(ruleID uuid.UUID, n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.rules[ruleID]; ok {
		st.HitCount += n
	}
}

// Get returns a snapshot of one rule.
func (t *Table) Get(ruleID uuid.UUID) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.rules[ruleID]
	if !ok {
		return Snapshot{}, false
	}
	return snapshot(st), true
}

// ByDecision returns the snapshots originating from a decision.
func (t *Table) ByDecision(decisionID uuid.UUID) []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Snapshot
	for _, st := range t.rules {
		if st.Rule.DecisionID == decisionID {
			out = append(out, snapshot(st))
		}
	}
	return out
}

// Active returns snapshots of every active rule.
func (t *Table) Active() []Snapshot {
	return t.List(func(st Snapshot) bool { return st.Lifecycle == schema.RuleActive })
}

// Contending returns rules that enforce now or are on the way to it:
// pending, applying, and active. Failed and retired rules hold nothing
// on the adapters and do not contend.
func (t *Table) Contending() []Snapshot {
	return t.List(func(st Snapshot) bool {
		switch st.Lifecycle {
		case schema.RulePending, schema.RuleApplying, schema.RuleActive:
			return true
		}
		return false
	})
}

// Expirable returns active rules whose TTL elapsed before now.
func (t *Table) Expirable(now time.Time) []Snapshot {
	return t.List(func(st Snapshot) bool {
		return st.Lifecycle == schema.RuleActive && !st.ExpiresAt.IsZero() && !st.ExpiresAt.After(now)
	})
}

// List returns snapshots matching the filter; a nil filter matches
// everything.
func (t *Table) List(filter func(Snapshot) bool) []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Snapshot
	for _, st := range t.rules {
		snap := snapshot(st)
		if filter == nil || filter(snap) {
			out = append(out, snap)
		}
	}
	return out
}

func snapshot(st *RuleState) Snapshot {
	outcomes := make([]schema.AdapterOutcome, 0, len(st.Outcomes))
	for _, o := range st.Outcomes {
		outcomes = append(outcomes, o)
	}
	native := make(map[string]string, len(st.NativeIDs))
	for k, v := range st.NativeIDs {
		native[k] = v
	}
	return Snapshot{
		Rule:      *st.Rule,
		Lifecycle: st.Lifecycle,
		Outcomes:  outcomes,
		NativeIDs: native,
		Attempts:  st.Attempts,
		HitCount:  st.HitCount,
		CreatedAt: st.CreatedAt,
		UpdatedAt: st.UpdatedAt,
		ExpiresAt: st.ExpiresAt,
	}
}
