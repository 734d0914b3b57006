// Package audit persists an immutable trail of every enforcement
// decision: the features that triggered it, the verdicts behind it,
// the rule it produced, and what each adapter did with that rule.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"sentinel-core/internal/orchestrator"
	"sentinel-core/internal/schema"
)

// Record is one audit trail row. Written once, never updated; later
// lifecycle milestones of the same rule append new records.
type Record struct {
	RecordID    uuid.UUID `json:"record_id"`
	Event       string    `json:"event"`
	DetectionID uuid.UUID `json:"detection_id"`
	DecisionID  uuid.UUID `json:"decision_id"`
	RuleID      uuid.UUID `json:"rule_id"`

	WindowKey string `json:"window_key,omitempty"`
	SrcAddr   string `json:"src_addr,omitempty"`

	// JSON payloads preserved verbatim for replay.
	FeatureVector string `json:"feature_vector,omitempty"`
	Verdicts      string `json:"verdicts,omitempty"`
	Rule          string `json:"rule,omitempty"`
	Outcomes      string `json:"outcomes,omitempty"`

	AggregateScore float64 `json:"aggregate_score"`
	AggregateLabel string  `json:"aggregate_label,omitempty"`
	Action         string  `json:"action,omitempty"`
	Confidence     float64 `json:"confidence"`
	Fallback       bool    `json:"fallback"`
	Lifecycle      string  `json:"lifecycle,omitempty"`
	Detail         string  `json:"detail,omitempty"`

	DetectedAt time.Time `json:"detected_at,omitempty"`
	DecidedAt  time.Time `json:"decided_at,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// FromRuleEvent flattens an orchestrator event into a trail record.
func FromRuleEvent(ev orchestrator.RuleEvent) *Record {
	rec := &Record{
		RecordID:   uuid.New(),
		Event:      string(ev.Type),
		RecordedAt: time.Now().UTC(),
	}
	if ev.Err != nil {
		rec.Detail = ev.Err.Error()
	}
	if dec := ev.Decision; dec != nil {
		rec.DecisionID = dec.DecisionID
		rec.DetectionID = dec.DetectionID
		rec.Action = string(dec.Action)
		rec.Confidence = dec.Confidence
		rec.Fallback = dec.Fallback
		rec.DecidedAt = dec.DecidedAt
		if det := dec.Detection; det != nil {
			rec.AggregateScore = det.AggregateScore
			rec.AggregateLabel = string(det.AggregateLabel)
			rec.DetectedAt = det.DecidedAt
			rec.Verdicts = marshal(det.Verdicts)
			if fv := det.FeatureVector; fv != nil {
				rec.WindowKey = fv.Context.WindowKey
				rec.SrcAddr = fv.Context.SrcAddr
				rec.FeatureVector = marshal(fv)
			}
		}
	}
	if snap := ev.Snapshot; snap != nil {
		rec.RuleID = snap.Rule.RuleID
		rec.Lifecycle = string(snap.Lifecycle)
		rec.Rule = marshal(snap.Rule)
		if len(snap.Outcomes) > 0 {
			rec.Outcomes = marshal(snap.Outcomes)
		}
		if rec.DecisionID == uuid.Nil {
			rec.DecisionID = snap.Rule.DecisionID
		}
		if rec.SrcAddr == "" {
			rec.SrcAddr = snap.Rule.Match.SrcCIDR
		}
	}
	return rec
}

// FromDetection records an ensemble verdict that produced no rule, so
// benign traffic is still traceable.
func FromDetection(det *schema.Detection) *Record {
	rec := &Record{
		RecordID:       uuid.New(),
		Event:          "detected",
		DetectionID:    det.DetectionID,
		AggregateScore: det.AggregateScore,
		AggregateLabel: string(det.AggregateLabel),
		DetectedAt:     det.DecidedAt,
		Verdicts:       marshal(det.Verdicts),
		RecordedAt:     time.Now().UTC(),
	}
	if fv := det.FeatureVector; fv != nil {
		rec.WindowKey = fv.Context.WindowKey
		rec.SrcAddr = fv.Context.SrcAddr
		rec.FeatureVector = marshal(fv)
	}
	return rec
}

// FromDecision records a decision that never reached the orchestrator,
// such as monitor-only decisions for unscored detections.
func FromDecision(dec *schema.Decision) *Record {
	rec := &Record{
		RecordID:    uuid.New(),
		Event:       "decided",
		DecisionID:  dec.DecisionID,
		DetectionID: dec.DetectionID,
		Action:      string(dec.Action),
		Confidence:  dec.Confidence,
		Fallback:    dec.Fallback,
		DecidedAt:   dec.DecidedAt,
		RecordedAt:  time.Now().UTC(),
	}
	if det := dec.Detection; det != nil {
		rec.AggregateScore = det.AggregateScore
		rec.AggregateLabel = string(det.AggregateLabel)
		rec.DetectedAt = det.DecidedAt
		rec.Verdicts = marshal(det.Verdicts)
		if fv := det.FeatureVector; fv != nil {
			rec.WindowKey = fv.Context.WindowKey
			rec.SrcAddr = fv.Context.SrcAddr
			rec.FeatureVector = marshal(fv)
		}
	}
	return rec
}

func marshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
