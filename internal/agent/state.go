// Package agent maps detections to enforcement actions through a
// trained policy, with a deterministic rule table as fallback.
package agent

import (
	"context"
	"math"
	"net/netip"

	"sentinel-core/internal/schema"
)

// StateDim is the fixed length of the agent state vector.
const StateDim = 12

// State slot indices. The order is part of the artifact contract.
const (
	slotThreatScore = iota
	slotReputation
	slotAssetCriticality
	slotTrafficVolume
	slotProtocolRisk
	slotTimeRisk
	slotHistoricalAlerts
	slotIsInternal
	slotPortSensitivity
	slotConnectionFreq
	slotPayloadAnomaly
	slotGeoRisk
)

// portSensitivity scores destination ports by exposure value.
var portSensitivity = map[int]float64{
	22:    0.9,
	23:    1.0,
	445:   0.9,
	3306:  0.8,
	3389:  0.9,
	5432:  0.8,
	6379:  0.7,
	27017: 0.8,
}

// ContextProvider supplies the enrichment slots of the state vector.
// Implementations must degrade gracefully: a miss returns defaults,
// never an error that stalls the decision path.
type ContextProvider interface {
	// Reputation returns a risk score in [0,1] for the address, and
	// whether the address was known.
	Reputation(ctx context.Context, addr string) (float64, bool)
	// AlertCount returns how many recent alerts involved the address.
	AlertCount(ctx context.Context, addr string) int
}

// StaticContext is the provider of last resort: neutral reputation,
// no history.
type StaticContext struct{}

func (StaticContext) Reputation(context.Context, string) (float64, bool) { return 0, false }
func (StaticContext) AlertCount(context.Context, string) int             { return 0 }

// StateBuilder derives the bounded state vector from a detection.
type StateBuilder struct {
	provider ContextProvider
}

// NewStateBuilder creates a state builder over the given provider.
func NewStateBuilder(provider ContextProvider) *StateBuilder {
	if provider == nil {
		provider = StaticContext{}
	}
	return &StateBuilder{provider: provider}
}

// Build produces the state vector. Every slot is normalized to [0,1];
// a NaN aggregate score maps to zero since the fallback path owns the
// unknown case.
func (b *StateBuilder) Build(ctx context.Context, det *schema.Detection) []float64 {
	s := make([]float64, StateDim)
	fv := det.FeatureVector

	if !math.IsNaN(det.AggregateScore) {
		s[slotThreatScore] = clamp01(det.AggregateScore)
	}

	src := fv.Context.SrcAddr
	if rep, known := b.provider.Reputation(ctx, src); known {
		s[slotReputation] = clamp01(rep)
	} else {
		s[slotReputation] = 0.5
	}

	internal := isInternal(src)
	dstInternal := isInternal(fv.Context.DstAddr)

	// Internal destinations are assets worth more than transit hosts.
	if dstInternal {
		s[slotAssetCriticality] = 0.7
	} else {
		s[slotAssetCriticality] = 0.4
	}

	s[slotTrafficVolume] = clamp01(slotValue(fv, "total_bytes") / 1e7)

	switch fv.Context.Protocol {
	case schema.ProtocolTCP:
		s[slotProtocolRisk] = 0.3
	case schema.ProtocolUDP:
		s[slotProtocolRisk] = 0.4
	case schema.ProtocolICMP:
		s[slotProtocolRisk] = 0.5
	default:
		s[slotProtocolRisk] = 0.6
	}

	hour := det.DecidedAt.UTC().Hour()
	if hour >= 22 || hour < 6 {
		s[slotTimeRisk] = 0.7
	} else {
		s[slotTimeRisk] = 0.2
	}

	s[slotHistoricalAlerts] = clamp01(float64(b.provider.AlertCount(ctx, src)) / 10)

	if internal {
		s[slotIsInternal] = 1
		s[slotGeoRisk] = 0.1
	} else {
		s[slotGeoRisk] = 0.5
	}

	s[slotPortSensitivity] = portSensitivity[fv.Context.DstPort]
	s[slotConnectionFreq] = clamp01(slotValue(fv, "packet_rate") / 1000)

	// Reconstruction error is the closest proxy for payload anomaly.
	for _, v := range det.Verdicts {
		if v.DetectorID == "autoencoder" {
			s[slotPayloadAnomaly] = clamp01(v.Score)
		}
	}

	return s
}

// slotValue reads one named slot out of the feature vector.
func slotValue(fv *schema.FeatureVector, name string) float64 {
	for i, slot := range schema.FeatureSlots {
		if slot.Name == name {
			if i < len(fv.Values) {
				return fv.Values[i]
			}
			return 0
		}
	}
	return 0
}

func isInternal(addr string) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
