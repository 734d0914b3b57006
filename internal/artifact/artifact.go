// Package artifact loads trained model bundles from disk. A bundle is
// a directory holding manifest.json: ensemble weights and threshold,
// per-detector parameter blocks, and the agent policy. Bundles are
// immutable after load; reloads swap a pointer atomically so readers
// never observe a half-loaded bundle.
package artifact

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"sentinel-core/internal/schema"
)

// ManifestName is the bundle entry point inside the artifact directory.
const ManifestName = "manifest.json"

// Bundle is one validated, immutable model bundle.
type Bundle struct {
	SchemaVersion string                     `json:"schema_version"`
	BundleID      string                     `json:"bundle_id"`
	CreatedAt     time.Time                  `json:"created_at"`
	FeatureDim    int                        `json:"feature_dim"`
	Ensemble      EnsembleParams             `json:"ensemble"`
	Detectors     map[string]json.RawMessage `json:"detectors"`
	Agent         AgentPolicy                `json:"agent"`
}

// EnsembleParams holds the verdict combination parameters.
type EnsembleParams struct {
	Weights   map[string]float64 `json:"weights"`
	Threshold float64            `json:"threshold"`
}

// AgentPolicy is the trained action-selection policy: a linear scoring
// head over the agent state vector, one row per action.
type AgentPolicy struct {
	StateDim int             `json:"state_dim"`
	Actions  []schema.Action `json:"actions"`
	Weights  [][]float64     `json:"weights"`
	Bias     []float64       `json:"bias"`
}

// Load reads and validates the bundle under dir.
func Load(dir string) (*Bundle, error) {
	path := filepath.Join(dir, ManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(manifestSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("manifest schema check: %w", err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("manifest %s invalid: %v", path, result.Errors())
	}

	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := b.check(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &b, nil
}

// check enforces the cross-field constraints the JSON schema cannot.
func (b *Bundle) check() error {
	if b.FeatureDim != schema.FeatureDim {
		return fmt.Errorf("feature_dim %d does not match the vector layout (%d slots)", b.FeatureDim, schema.FeatureDim)
	}
	for name := range b.Ensemble.Weights {
		if _, ok := b.Detectors[name]; !ok {
			return fmt.Errorf("ensemble weight for unknown detector %q", name)
		}
	}

	a := b.Agent
	if len(a.Weights) != len(a.Actions) {
		return fmt.Errorf("agent has %d weight rows for %d actions", len(a.Weights), len(a.Actions))
	}
	if len(a.Bias) != len(a.Actions) {
		return fmt.Errorf("agent has %d bias terms for %d actions", len(a.Bias), len(a.Actions))
	}
	for i, action := range a.Actions {
		if !action.IsValid() {
			return fmt.Errorf("agent action %q is not in the action set", action)
		}
		if len(a.Weights[i]) != a.StateDim {
			return fmt.Errorf("agent weight row %d has %d terms for state_dim %d", i, len(a.Weights[i]), a.StateDim)
		}
	}
	return nil
}

// DetectorParams decodes the parameter block of one detector into dst.
func (b *Bundle) DetectorParams(name string, dst any) error {
	raw, ok := b.Detectors[name]
	if !ok {
		return fmt.Errorf("bundle %s carries no detector %q", b.BundleID, name)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("detector %q parameters: %w", name, err)
	}
	return nil
}

// Store serves the current bundle and swaps it atomically on reload.
type Store struct {
	dir    string
	logger *slog.Logger
	cur    atomic.Pointer[Bundle]
}

// NewStore loads the initial bundle from dir.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	b, err := Load(dir)
	if err != nil {
		return nil, err
	}
	s := &Store{dir: dir, logger: logger}
	s.cur.Store(b)
	logger.Info("model bundle loaded", "bundle_id", b.BundleID, "created_at", b.CreatedAt)
	return s, nil
}

// Current returns the active bundle. Never nil after NewStore.
func (s *Store) Current() *Bundle { return s.cur.Load() }

// Reload loads the directory again and swaps the bundle in. On any
// error the previous bundle stays active.
func (s *Store) Reload() error {
	b, err := Load(s.dir)
	if err != nil {
		return err
	}
	old := s.cur.Swap(b)
	s.logger.Info("model bundle reloaded",
		"bundle_id", b.BundleID,
		"previous", old.BundleID,
	)
	return nil
}
