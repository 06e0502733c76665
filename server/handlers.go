package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/groupcast/logger"
	"github.com/teranos/groupcast/pulse/schedule"
	"github.com/teranos/groupcast/version"
)

// HandleListJobs serves GET /api/jobs, optionally filtered by ?campaign_id=
func (s *Server) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.ListJobs(r.Context(), r.URL.Query().Get("campaign_id"))
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to list scheduled jobs")
		return
	}

	resp := ListJobsResponse{Jobs: make([]JobResponse, 0, len(jobs)), Count: len(jobs)}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(job, nil))
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleCreateJob serves POST /api/jobs
func (s *Server) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	var spec schedule.JobSpec
	if err := readJSON(w, r, &spec); err != nil {
		return
	}

	id, err := s.svc.CreateJob(r.Context(), spec)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to create scheduled job")
		return
	}

	logger.AddPulseOpenSymbol(s.logger).Infow("Job created via API",
		logger.FieldJobID, id,
		logger.FieldCampaignID, spec.CampaignID)
	w.Header().Set("Location", "/api/jobs/"+id)
	writeJSON(w, http.StatusCreated, CreateJobResponse{ID: id})
}

// HandleGetJob serves GET /api/jobs/{id}
func (s *Server) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	detail, err := s.svc.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to get scheduled job")
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(detail.Job, detail.Targets))
}

// HandleUpdateJob serves PATCH /api/jobs/{id} with {"active": bool}
func (s *Server) HandleUpdateJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req UpdateJobRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.Active == nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "active: required", Field: "active"})
		return
	}

	if err := s.svc.SetActive(r.Context(), id, *req.Active); err != nil {
		writeServiceError(w, s.logger, err, "failed to update scheduled job")
		return
	}

	detail, err := s.svc.GetJob(r.Context(), id)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to get scheduled job")
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(detail.Job, detail.Targets))
}

// HandleDeleteJob serves DELETE /api/jobs/{id}
func (s *Server) HandleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, s.logger, err, "failed to delete scheduled job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleJobHistory serves GET /api/jobs/{id}/history
func (s *Server) HandleJobHistory(w http.ResponseWriter, r *http.Request) {
	s.writeHistory(w, r, schedule.HistoryQuery{JobID: chi.URLParam(r, "id"), Limit: queryLimit(r)})
}

// HandleCampaignHistory serves GET /api/campaigns/{id}/history
func (s *Server) HandleCampaignHistory(w http.ResponseWriter, r *http.Request) {
	s.writeHistory(w, r, schedule.HistoryQuery{CampaignID: chi.URLParam(r, "id"), Limit: queryLimit(r)})
}

func (s *Server) writeHistory(w http.ResponseWriter, r *http.Request, q schedule.HistoryQuery) {
	recs, err := s.svc.ListHistory(r.Context(), q)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to list dispatch history")
		return
	}
	writeJSON(w, http.StatusOK, toHistoryResponse(recs))
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Commit      string `json:"commit"`
	ServerState string `json:"server_state"`
	Database    string `json:"database"`
	Gateway     string `json:"gateway"`
	Connected   *int   `json:"gateway_connected_instances,omitempty"`
}

// HandleHealth serves GET /healthz. Status is "ok" when the database answers;
// the gateway is reported but does not fail the check, since the dispatcher
// retries through gateway outages.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	versionInfo := version.Get()
	resp := HealthResponse{
		Status:      "ok",
		Version:     versionInfo.Version,
		Commit:      versionInfo.CommitHash,
		ServerState: s.getState().String(),
		Database:    "unchecked",
		Gateway:     "unchecked",
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	code := http.StatusOK
	if s.ping != nil {
		if err := s.ping(ctx); err != nil {
			resp.Status, resp.Database = "degraded", "unreachable"
			code = http.StatusServiceUnavailable
			s.logger.Warnw("Health check: database unreachable", logger.FieldError, err)
		} else {
			resp.Database = "ok"
		}
	}
	if s.gateway != nil {
		if h, err := s.gateway.Health(ctx); err != nil {
			resp.Gateway = "unreachable"
		} else {
			resp.Gateway = h.Status
			connected := h.Instances.Connected
			resp.Connected = &connected
		}
	}
	if s.getState() == ServerStateDraining {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, resp)
}
