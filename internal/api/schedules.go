package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rendis/openrooms/internal/scheduler"
	"github.com/rendis/openrooms/internal/store"
)

// scheduleRequest is the JSON body of POST /v1/schedules.
type scheduleRequest struct {
	WorkflowID     string         `json:"workflow_id"`
	RoomName       string         `json:"room_name"`
	CronExpression string         `json:"cron_expression"`
	Variables      map[string]any `json:"variables"`
	Enabled        *bool          `json:"enabled"`
}

// scheduleUpdateRequest is the JSON body of PUT /v1/schedules/{id}.
type scheduleUpdateRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var body scheduleRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.WorkflowID == "" || body.CronExpression == "" {
		writeError(w, http.StatusBadRequest, "workflow_id and cron_expression are required")
		return
	}
	next, err := nextRun(body.CronExpression)
	if err != nil {
		s.writeEngineError(w, r, "create schedule", err)
		return
	}
	if _, err := s.deps.Workflows.GetWorkflow(r.Context(), body.WorkflowID); err != nil {
		s.writeEngineError(w, r, "get workflow", err)
		return
	}

	job := &store.ScheduledJob{
		ID:             uuid.NewString(),
		WorkflowID:     body.WorkflowID,
		RoomName:       body.RoomName,
		CronExpression: body.CronExpression,
		Variables:      body.Variables,
		Enabled:        body.Enabled == nil || *body.Enabled,
		NextRunAt:      &next,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.deps.Schedules.CreateScheduledJob(r.Context(), job); err != nil {
		s.writeEngineError(w, r, "create schedule", err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ScheduledJobFilter{
		WorkflowID: q.Get("workflow_id"),
		Limit:      min(queryInt(r, "limit", defaultListLimit), maxListLimit),
	}
	switch q.Get("enabled") {
	case "true":
		enabled := true
		filter.Enabled = &enabled
	case "false":
		enabled := false
		filter.Enabled = &enabled
	}

	jobs, err := s.deps.Schedules.ListScheduledJobs(r.Context(), filter)
	if err != nil {
		s.writeEngineError(w, r, "list schedules", err)
		return
	}
	if jobs == nil {
		jobs = []*store.ScheduledJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Schedules.GetScheduledJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, "get schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleUpdateSchedule toggles a schedule. Re-enabling recomputes the next run
// so missed activations are not replayed.
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body scheduleUpdateRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.deps.Schedules.GetScheduledJob(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, "get schedule", err)
		return
	}

	update := store.ScheduledJobUpdate{Enabled: body.Enabled}
	if body.Enabled != nil && *body.Enabled && !job.Enabled {
		next, err := nextRun(job.CronExpression)
		if err != nil {
			s.writeEngineError(w, r, "update schedule", err)
			return
		}
		update.NextRunAt = &next
	}
	if err := s.deps.Schedules.UpdateScheduledJob(r.Context(), id, update); err != nil {
		s.writeEngineError(w, r, "update schedule", err)
		return
	}

	job, err = s.deps.Schedules.GetScheduledJob(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, "get schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Schedules.DeleteScheduledJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeEngineError(w, r, "delete schedule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func nextRun(expr string) (time.Time, error) {
	return scheduler.NextRun(expr, time.Now().UTC())
}
