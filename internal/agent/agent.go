package agent

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"sentinel-core/internal/artifact"
	"sentinel-core/internal/config"
	"sentinel-core/internal/metrics"
	"sentinel-core/internal/schema"
)

// Quarantine durations for the two quarantine actions.
const (
	QuarantineShort = time.Hour
	QuarantineLong  = 24 * time.Hour
)

// Agent turns detections into decisions. The learned policy is a
// linear scoring head over the state vector; given the same bundle and
// state it always picks the same action. When the policy cannot be
// used the fallback rule table decides instead.
type Agent struct {
	cfg     config.AgentConfig
	store   *artifact.Store
	builder *StateBuilder
	metrics *metrics.Pipeline
	logger  *slog.Logger
}

// New creates the agent. store may be nil, in which case every
// decision comes from the fallback table.
func New(cfg config.AgentConfig, store *artifact.Store, provider ContextProvider, m *metrics.Pipeline, logger *slog.Logger) *Agent {
	return &Agent{
		cfg:     cfg,
		store:   store,
		builder: NewStateBuilder(provider),
		metrics: m,
		logger:  logger,
	}
}

// id names the policy behind a decision. It follows the store so a
// decision made after a bundle reload cites the bundle that produced
// it.
func (a *Agent) id() string {
	if a.store == nil {
		return "fallback-table"
	}
	return "policy/" + a.store.Current().BundleID
}

// Decide picks an action for the detection. On caller cancellation it
// returns promptly without emitting a decision.
func (a *Agent) Decide(ctx context.Context, det *schema.Detection) (*schema.Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		action     schema.Action
		confidence float64
		fallback   bool
	)

	// An unscored detection never reaches the policy: monitor only.
	if !det.Scored() || a.store == nil {
		action, confidence = a.fallbackAction(det)
		fallback = true
	} else {
		state := a.builder.Build(ctx, det)
		var ok bool
		action, confidence, ok = a.policyAction(state)
		if !ok {
			action, confidence = a.fallbackAction(det)
			fallback = true
		}
	}

	if fallback {
		a.metrics.AgentFallbacks.Inc()
	}
	a.metrics.Decisions.WithLabelValues(string(action)).Inc()

	return &schema.Decision{
		DecisionID:  uuid.New(),
		DetectionID: det.DetectionID,
		Detection:   det,
		Action:      action,
		Params:      actionParams(action),
		Confidence:  confidence,
		AgentID:     a.id(),
		Fallback:    fallback,
		DecidedAt:   time.Now().UTC(),
	}, nil
}

// policyAction scores every action row and picks the argmax. The
// confidence is the softmax mass of the winner.
func (a *Agent) policyAction(state []float64) (schema.Action, float64, bool) {
	policy := a.store.Current().Agent
	if policy.StateDim != len(state) || len(policy.Actions) == 0 {
		a.logger.Warn("agent policy does not fit the state vector",
			"policy_dim", policy.StateDim, "state_dim", len(state))
		return "", 0, false
	}

	scores := make([]float64, len(policy.Actions))
	best := 0
	for i, row := range policy.Weights {
		s := policy.Bias[i]
		for j, w := range row {
			s += w * state[j]
		}
		scores[i] = s
		if s > scores[best] {
			best = i
		}
	}

	var total float64
	for _, s := range scores {
		total += math.Exp(s - scores[best])
	}
	confidence := 1 / total

	return policy.Actions[best], confidence, true
}

// fallbackAction is the rule table used when the policy is absent,
// misconfigured, or the detection is unscored.
func (a *Agent) fallbackAction(det *schema.Detection) (schema.Action, float64) {
	if !det.Scored() {
		return schema.ActionMonitor, 0
	}
	score := det.AggregateScore
	switch {
	case score >= a.cfg.HighScore:
		return schema.ActionDeny, score
	case score >= a.cfg.MediumScore:
		return schema.ActionRateLimitMed, score
	default:
		return schema.ActionMonitor, 1 - score
	}
}

// actionParams fills the per-action parameters.
func actionParams(action schema.Action) schema.ActionParams {
	var p schema.ActionParams
	if pps := action.RatePPS(); pps > 0 {
		p.RatePPS = pps
		p.RateBurst = pps / 10
		if p.RateBurst < 1 {
			p.RateBurst = 1
		}
	}
	switch action {
	case schema.ActionQuarantineShort:
		p.Duration = QuarantineShort
	case schema.ActionQuarantineLong:
		p.Duration = QuarantineLong
	}
	return p
}
