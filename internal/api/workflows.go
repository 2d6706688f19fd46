package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rendis/openrooms/internal/store"
	"github.com/rendis/openrooms/pkg/schema"
)

const maxWorkflowBytes = 1 << 20

// createWorkflowResponse carries the stored workflow and any validation warnings.
type createWorkflowResponse struct {
	Workflow *schema.Workflow        `json:"workflow"`
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
}

// handleCreateWorkflow validates and stores a workflow. The body is JSON, or
// YAML when the content type says so. Posting an existing id replaces it.
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxWorkflowBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(data) > maxWorkflowBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "workflow definition too large")
		return
	}

	name := "workflow.json"
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		name = "workflow.yaml"
	}
	wf, err := store.DecodeWorkflow(name, data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
		for _, n := range wf.Nodes {
			if n != nil {
				n.WorkflowID = wf.ID
			}
		}
	}

	var warnings []schema.ValidationIssue
	if s.deps.Validator != nil {
		result := s.deps.Validator.Validate(wf)
		if err := result.ToError(); err != nil {
			s.writeEngineError(w, r, "validate workflow", err)
			return
		}
		warnings = result.Warnings
	}

	if err := s.deps.Workflows.SaveWorkflow(r.Context(), wf); err != nil {
		s.writeEngineError(w, r, "save workflow", err)
		return
	}
	writeJSON(w, http.StatusCreated, createWorkflowResponse{Workflow: wf, Warnings: warnings})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := store.WorkflowFilter{
		Limit:  min(queryInt(r, "limit", defaultListLimit), maxListLimit),
		Offset: queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := schema.WorkflowStatus(v)
		filter.Status = &status
	}

	wfs, err := s.deps.Workflows.ListWorkflows(r.Context(), filter)
	if err != nil {
		s.writeEngineError(w, r, "list workflows", err)
		return
	}
	if wfs == nil {
		wfs = []*schema.Workflow{}
	}
	writeJSON(w, http.StatusOK, wfs)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Workflows.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, "get workflow", err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}
