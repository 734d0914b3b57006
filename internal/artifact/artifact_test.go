package artifact

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"sentinel-core/internal/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// validManifest builds a minimal well-formed manifest document.
func validManifest(bundleID string) map[string]any {
	weights := make([][]float64, len(schema.Actions))
	bias := make([]float64, len(schema.Actions))
	for i := range weights {
		weights[i] = make([]float64, 12)
	}
	actions := make([]string, len(schema.Actions))
	for i, a := range schema.Actions {
		actions[i] = string(a)
	}
	return map[string]any{
		"schema_version": "1.0",
		"bundle_id":      bundleID,
		"created_at":     "2026-08-01T00:00:00Z",
		"feature_dim":    schema.FeatureDim,
		"ensemble": map[string]any{
			"weights":   map[string]float64{"boosted_stumps": 0.35, "sequence_markov": 0.25, "isolation_forest": 0.20, "autoencoder": 0.20},
			"threshold": 0.5,
		},
		"detectors": map[string]any{
			"boosted_stumps":   map[string]any{"stumps": []any{}},
			"sequence_markov":  map[string]any{"states": 4},
			"isolation_forest": map[string]any{"trees": []any{}},
			"autoencoder":      map[string]any{"hidden": 8},
		},
		"agent": map[string]any{
			"state_dim": 12,
			"actions":   actions,
			"weights":   weights,
			"bias":      bias,
		},
	}
}

func writeManifest(t *testing.T, doc map[string]any) string {
	t.Helper()
	dir := t.TempDir()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestName), data, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return dir
}

func TestLoadValidBundle(t *testing.T) {
	dir := writeManifest(t, validManifest("bundle-1"))

	b, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if b.BundleID != "bundle-1" {
		t.Errorf("bundle_id = %s", b.BundleID)
	}
	if b.Ensemble.Threshold != 0.5 {
		t.Errorf("threshold = %v", b.Ensemble.Threshold)
	}
	if len(b.Agent.Actions) != len(schema.Actions) {
		t.Errorf("agent actions = %d", len(b.Agent.Actions))
	}

	var params struct {
		States int `json:"states"`
	}
	if err := b.DetectorParams("sequence_markov", &params); err != nil {
		t.Fatalf("DetectorParams() error = %v", err)
	}
	if params.States != 4 {
		t.Errorf("states = %d", params.States)
	}
}

func TestLoadRejectsBadManifests(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(doc map[string]any)
	}{
		{"missing ensemble", func(doc map[string]any) { delete(doc, "ensemble") }},
		{"threshold out of range", func(doc map[string]any) {
			doc["ensemble"].(map[string]any)["threshold"] = 1.5
		}},
		{"feature dim mismatch", func(doc map[string]any) { doc["feature_dim"] = 7 }},
		{"weight for unknown detector", func(doc map[string]any) {
			doc["ensemble"].(map[string]any)["weights"] = map[string]float64{"phantom": 1}
		}},
		{"agent action outside the set", func(doc map[string]any) {
			agent := doc["agent"].(map[string]any)
			agent["actions"] = []string{"obliterate"}
			agent["weights"] = [][]float64{make([]float64, 12)}
			agent["bias"] = []float64{0}
		}},
		{"agent row width mismatch", func(doc map[string]any) {
			agent := doc["agent"].(map[string]any)
			agent["actions"] = []string{"deny"}
			agent["weights"] = [][]float64{{1, 2}}
			agent["bias"] = []float64{0}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := validManifest("bundle-bad")
			tt.mutate(doc)
			if _, err := Load(writeManifest(t, doc)); err == nil {
				t.Error("Load() accepted a bad manifest")
			}
		})
	}
}

func TestLoadMissingManifest(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("Load() succeeded on an empty directory")
	}
}

func TestStoreReloadSwapsAtomically(t *testing.T) {
	dir := writeManifest(t, validManifest("bundle-a"))

	store, err := NewStore(dir, testLogger())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if store.Current().BundleID != "bundle-a" {
		t.Fatalf("current = %s", store.Current().BundleID)
	}

	// A broken manifest on disk must not displace the active bundle.
	if err := os.WriteFile(filepath.Join(dir, ManifestName), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := store.Reload(); err == nil {
		t.Error("Reload() accepted a broken manifest")
	}
	if store.Current().BundleID != "bundle-a" {
		t.Errorf("current after failed reload = %s", store.Current().BundleID)
	}

	// A good manifest swaps in.
	data, _ := json.Marshal(validManifest("bundle-b"))
	if err := os.WriteFile(filepath.Join(dir, ManifestName), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := store.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if got := store.Current().BundleID; got != "bundle-b" {
		t.Errorf("current after reload = %s", got)
	}
}

func TestDetectorParamsUnknownDetector(t *testing.T) {
	dir := writeManifest(t, validManifest("bundle-1"))
	b, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	var dst map[string]any
	if err := b.DetectorParams("phantom", &dst); err == nil {
		t.Error("expected error for unknown detector")
	}
	if fmt.Sprint(dst) != "map[]" && dst != nil {
		t.Errorf("dst mutated: %v", dst)
	}
}
