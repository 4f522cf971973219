package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/timemachine/internal/journal"
	"github.com/mattjoyce/timemachine/internal/snapshot"
)

const maxRunsLimit = 500

// handleHealthz handles GET /healthz. It reports 503 when snapshots exist but
// the latest pointer is unusable, since the next run would refuse to start.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	history, ptr, err := s.readCatalog()
	if err != nil {
		s.logger.Error("failed to read destination", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read destination")
		return
	}

	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Snapshots:     len(history),
		Pointer:       ptr.State.String(),
	}
	if ptr.State == snapshot.PointerValid {
		resp.Latest = ptr.Name()
	}

	status := http.StatusOK
	if len(history) > 0 && ptr.State != snapshot.PointerValid {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

// handleSnapshots handles GET /snapshots.
func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	history, ptr, err := s.readCatalog()
	if err != nil {
		s.logger.Error("failed to read destination", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read destination")
		return
	}

	resp := SnapshotsResponse{Pointer: ptr.State.String(), Snapshots: history}
	if ptr.State == snapshot.PointerValid {
		resp.Latest = ptr.Name()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handlePlan handles GET /plan?now=RFC3339.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	if raw := r.URL.Query().Get("now"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "now must be an RFC3339 timestamp")
			return
		}
		now = parsed
	}

	plan, err := s.planner.Plan(now)
	if err != nil {
		s.logger.Error("failed to compute retention plan", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute retention plan")
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

// handleRuns handles GET /runs?limit=N.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxRunsLimit {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	runs, err := s.runs.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read run journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read run journal")
		return
	}
	if runs == nil {
		runs = []journal.Run{}
	}
	respondJSON(w, http.StatusOK, runs)
}

// handleRun handles GET /runs/{runID}.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := s.runs.Get(r.Context(), runID)
	if errors.Is(err, journal.ErrRunNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read run", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read run")
		return
	}

	dels, err := s.runs.Deletions(r.Context(), runID)
	if err != nil {
		s.logger.Error("failed to read deletions", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read deletions")
		return
	}
	if dels == nil {
		dels = []journal.Deletion{}
	}
	respondJSON(w, http.StatusOK, RunResponse{Run: run, Deletions: dels})
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.config.Token != "", s.metrics != nil))
}

func (s *Server) readCatalog() (snapshot.History, snapshot.Pointer, error) {
	history, err := s.catalog.List()
	if err != nil {
		return nil, snapshot.Pointer{}, err
	}
	ptr, err := s.catalog.Latest()
	if err != nil {
		return nil, snapshot.Pointer{}, err
	}
	return history, ptr, nil
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
