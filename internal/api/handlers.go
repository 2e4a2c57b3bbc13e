package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"slotwatch/internal/database"
	"slotwatch/internal/models"
	"slotwatch/internal/registry"
)

// TargetView is one row of GET /api/v1/targets.
type TargetView struct {
	ID                string              `json:"id"`
	Name              string              `json:"name"`
	Kind              models.TargetKind   `json:"kind"`
	Tier              int                 `json:"tier"`
	Status            models.TargetStatus `json:"status"`
	ConsecutiveErrors int                 `json:"consecutive_errors"`
	Allowed           bool                `json:"allowed"`
	LastCheckedAt     *time.Time          `json:"last_checked_at,omitempty"`
	LastSlotFoundAt   *time.Time          `json:"last_slot_found_at,omitempty"`
	PausedAt          *time.Time          `json:"paused_at,omitempty"`
}

// AllowListRequest is the body of PUT /api/v1/allowlist. An empty list lifts
// the restriction.
type AllowListRequest struct {
	Targets []string `json:"targets"`
}

func (s *HTTPServer) handleTargets(w http.ResponseWriter, r *http.Request) {
	healths, err := s.deps.Store.ListTargetHealth(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("list target health")
		writeError(w, http.StatusInternalServerError, "failed to read targets")
		return
	}
	byID := make(map[string]database.TargetHealth, len(healths))
	for _, h := range healths {
		byID[h.ID] = h
	}

	targets := s.deps.Catalog.List()
	out := make([]TargetView, 0, len(targets))
	for _, t := range targets {
		v := TargetView{
			ID:      t.ID,
			Name:    t.Name,
			Kind:    t.Kind(),
			Tier:    t.Tier,
			Status:  models.TargetActive,
			Allowed: s.deps.Catalog.Allowed(t.ID),
		}
		if h, ok := byID[t.ID]; ok {
			v.Status = h.Status
			v.ConsecutiveErrors = h.ConsecutiveErrors
			v.LastCheckedAt = h.LastCheckedAt
			v.LastSlotFoundAt = h.LastSlotFoundAt
			v.PausedAt = h.PausedAt
		}
		out = append(out, v)
	}

	writeJSON(w, http.StatusOK, map[string]any{"targets": out})
}

func (s *HTTPServer) handleResume(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "target id is required")
		return
	}

	if err := s.deps.Health.Resume(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "target not found")
			return
		}
		s.logger.Error().Err(err).Str("target_id", id).Msg("resume target")
		writeError(w, http.StatusInternalServerError, "failed to resume target")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(models.TargetActive)})
}

func (s *HTTPServer) handleGetAllowList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, AllowListRequest{Targets: s.allowList()})
}

func (s *HTTPServer) handlePutAllowList(w http.ResponseWriter, r *http.Request) {
	var body AllowListRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.deps.Catalog.SetAllowList(body.Targets); err != nil {
		if errors.Is(err, registry.ErrUnknownTarget) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update allow-list")
		return
	}

	s.logger.Info().Strs("targets", body.Targets).Msg("allow-list updated")
	writeJSON(w, http.StatusOK, AllowListRequest{Targets: s.allowList()})
}

func (s *HTTPServer) allowList() []string {
	ids := s.deps.Catalog.AllowList()
	if ids == nil {
		return []string{}
	}
	return ids
}

func (s *HTTPServer) handlePool(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Pool.Stats())
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().AddDate(0, 0, -7)
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since; expected YYYY-MM-DD")
			return
		}
		since = parsed
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	detections, err := s.deps.Store.ListDetections(r.Context(), since, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list detections")
		writeError(w, http.StatusInternalServerError, "failed to read detections")
		return
	}

	names := make(map[string]string)
	for _, t := range s.deps.Catalog.List() {
		names[t.ID] = t.Name
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="detections_%s.xlsx"`, since.Format("2006-01-02")))
	if err := WriteDetections(w, since, detections, names); err != nil {
		s.logger.Error().Err(err).Msg("write detections export")
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
