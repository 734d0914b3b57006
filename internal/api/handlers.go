package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"sentinel-core/internal/audit"
	saferr "sentinel-core/internal/errors"
	"sentinel-core/internal/orchestrator"
	"sentinel-core/internal/schema"
)

// maxBodyBytes bounds request bodies on every POST surface.
const maxBodyBytes = 1 << 20

// handleDetect scores a feature vector synchronously under the detect
// budget.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var fv schema.FeatureVector
	if !decodeBody(w, r, &fv) {
		return
	}
	if len(fv.Values) != schema.FeatureDim {
		writeError(w, http.StatusBadRequest, "feature vector must carry %d values", schema.FeatureDim)
		return
	}

	ctx := r.Context()
	if s.cfg.DetectBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DetectBudget)
		defer cancel()
	}

	det, err := s.detector.Evaluate(ctx, &fv)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "detect budget exhausted")
			return
		}
		writeError(w, http.StatusInternalServerError, "scoring failed: %v", saferr.Sanitize(err))
		return
	}
	writeJSON(w, http.StatusOK, det)
}

// handleDecide runs the policy agent for a posted detection.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var det schema.Detection
	if !decodeBody(w, r, &det) {
		return
	}
	dec, err := s.decider.Decide(r.Context(), &det)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "decision failed: %v", saferr.Sanitize(err))
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

// handleApply pushes a decision through validation and the adapters.
func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var dec schema.Decision
	if !decodeBody(w, r, &dec) {
		return
	}
	if dec.DecisionID == uuid.Nil {
		dec.DecisionID = uuid.New()
	}
	if dec.DecidedAt.IsZero() {
		dec.DecidedAt = time.Now().UTC()
	}

	snap, err := s.rules.ApplyDecision(r.Context(), &dec)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, snapshotResponse(snap))
	case errors.Is(err, orchestrator.ErrConflictLost):
		writeJSON(w, http.StatusConflict, snapshotResponse(snap))
	default:
		var verr *orchestrator.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusUnprocessableEntity, "%v", verr)
			return
		}
		writeError(w, http.StatusBadGateway, "apply failed: %v", saferr.Sanitize(err))
	}
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	state := schema.RuleLifecycle(r.URL.Query().Get("state"))
	if state != "" && !state.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown lifecycle %q", state)
		return
	}
	snaps := s.rules.Table().List(func(snap orchestrator.Snapshot) bool {
		return state == "" || snap.Lifecycle == state
	})
	out := make([]map[string]any, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, snapshotResponse(snap))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": out, "count": len(out)})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	snap, found := s.rules.Table().Get(id)
	if !found {
		writeError(w, http.StatusNotFound, "unknown rule %s", id)
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse(snap))
}

func (s *Server) handleRollbackRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	if err := s.rules.Rollback(r.Context(), id); err != nil {
		writeError(w, http.StatusConflict, "rollback failed: %v", err)
		return
	}
	snap, _ := s.rules.Table().Get(id)
	writeJSON(w, http.StatusOK, snapshotResponse(snap))
}

func (s *Server) handleRollbackDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	n, err := s.rules.RollbackDecision(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusConflict, "rollback failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rolled_back": n})
}

// handleAudit serves the trail by detection, rule, or decision id.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditor == nil {
		writeError(w, http.StatusNotImplemented, "audit store not configured")
		return
	}
	q := r.URL.Query()
	var (
		recs []audit.Record
		err  error
	)
	switch {
	case q.Get("detection_id") != "":
		recs, err = s.queryAudit(r.Context(), q.Get("detection_id"), s.auditor.ByDetection)
	case q.Get("rule_id") != "":
		recs, err = s.queryAudit(r.Context(), q.Get("rule_id"), s.auditor.ByRule)
	case q.Get("decision_id") != "":
		recs, err = s.queryAudit(r.Context(), q.Get("decision_id"), s.auditor.ByDecision)
	default:
		writeError(w, http.StatusBadRequest, "one of detection_id, rule_id, decision_id is required")
		return
	}
	if err != nil {
		if errors.Is(err, errBadID) {
			writeError(w, http.StatusBadRequest, "malformed id")
			return
		}
		writeError(w, http.StatusBadGateway, "audit query failed: %v", saferr.Sanitize(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs, "count": len(recs)})
}

var errBadID = errors.New("malformed id")

func (s *Server) queryAudit(ctx context.Context, raw string,
	fn func(context.Context, uuid.UUID) ([]audit.Record, error)) ([]audit.Record, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, errBadID
	}
	return fn(ctx, id)
}

// handleReload swaps in the artifact bundle currently on disk.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reloader == nil {
		writeError(w, http.StatusNotImplemented, "model store not configured")
		return
	}
	if err := s.reloader.Reload(r.Context()); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "reload refused: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// snapshotResponse flattens a rule snapshot for the wire.
func snapshotResponse(snap orchestrator.Snapshot) map[string]any {
	return map[string]any{
		"rule":       snap.Rule,
		"lifecycle":  snap.Lifecycle,
		"outcomes":   snap.Outcomes,
		"native_ids": snap.NativeIDs,
		"attempts":   snap.Attempts,
		"created_at": snap.CreatedAt,
		"updated_at": snap.UpdatedAt,
		"expires_at": snap.ExpiresAt,
	}
}

func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id %q", r.PathValue("id"))
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: %v", err)
		return false
	}
	return true
}
