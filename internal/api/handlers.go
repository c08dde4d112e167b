package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/docflow/internal/builder"
	"github.com/rendis/docflow/internal/store"
	"github.com/rendis/docflow/pkg/schema"
)

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// workflowResponse pairs a workflow with its current validation
// findings so authoring clients can surface problems before activation.
type workflowResponse struct {
	Workflow   *schema.Workflow         `json:"workflow"`
	Validation *schema.ValidationResult `json:"validation,omitempty"`
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request, tenantID string) {
	var wf schema.Workflow
	if err := decodeBody(r, &wf); err != nil {
		writeError(w, err)
		return
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	wf.TenantID = tenantID
	wf.IsActive = false

	if err := s.store.CreateWorkflow(r.Context(), &wf); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, workflowResponse{
		Workflow:   &wf,
		Validation: s.validator.Validate(&wf),
	})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request, tenantID string) {
	filter := store.WorkflowFilter{
		TenantID:   tenantID,
		ActiveOnly: r.URL.Query().Get("active") == "true",
		Limit:      queryInt(r, "limit"),
		Offset:     queryInt(r, "offset"),
	}
	if raw := r.URL.Query().Get("triggerType"); raw != "" {
		tt := schema.TriggerType(raw)
		filter.TriggerType = &tt
	}
	workflows, err := s.store.ListWorkflows(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request, tenantID string) {
	wf, err := s.store.GetWorkflow(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workflowResponse{Workflow: wf})
}

// handleUpdateWorkflow replaces the workflow document, step list
// included. Drafts save in any state; validation findings are returned
// but never block the write.
func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request, tenantID string) {
	var wf schema.Workflow
	if err := decodeBody(r, &wf); err != nil {
		writeError(w, err)
		return
	}
	wf.ID = r.PathValue("id")
	wf.TenantID = tenantID

	if err := s.store.UpdateWorkflow(r.Context(), &wf); err != nil {
		writeError(w, err)
		return
	}
	// Re-read so the response reflects stored state; the update leaves
	// is_active and timestamps untouched regardless of the body.
	stored, err := s.store.GetWorkflow(r.Context(), tenantID, wf.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workflowResponse{
		Workflow:   stored,
		Validation: s.validator.Validate(stored),
	})
}

// handleDeleteWorkflow removes the workflow and its steps. Existing
// runs keep their step snapshots and stay queryable.
func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request, tenantID string) {
	if err := s.store.DeleteWorkflow(r.Context(), tenantID, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleValidateWorkflow(w http.ResponseWriter, r *http.Request, tenantID string) {
	wf, err := s.store.GetWorkflow(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.validator.Validate(wf))
}

// handleActivateWorkflow validates the workflow and, when clean, marks
// it active. Scheduled workflows get their next fire time seeded so the
// scheduler picks them up.
func (s *Server) handleActivateWorkflow(w http.ResponseWriter, r *http.Request, tenantID string) {
	wf, err := s.store.GetWorkflow(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.validator.ValidateForActivation(wf); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.SetWorkflowActive(r.Context(), tenantID, wf.ID, true); err != nil {
		writeError(w, err)
		return
	}
	if wf.TriggerType == schema.TriggerScheduled {
		schedule, err := scheduleParser.Parse(wf.CronExpression)
		if err != nil {
			writeError(w, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid cron_expression %q: %v", wf.CronExpression, err))
			return
		}
		next := schedule.Next(time.Now().UTC())
		if err := s.store.SetWorkflowSchedule(r.Context(), wf.ID, &next, nil); err != nil {
			writeError(w, err)
			return
		}
		wf.NextRunAt = &next
	}
	wf.IsActive = true
	s.logger.InfoContext(r.Context(), "workflow activated", "workflow_id", wf.ID)
	writeJSON(w, http.StatusOK, workflowResponse{Workflow: wf})
}

func (s *Server) handleDeactivateWorkflow(w http.ResponseWriter, r *http.Request, tenantID string) {
	id := r.PathValue("id")
	if err := s.store.SetWorkflowActive(r.Context(), tenantID, id, false); err != nil {
		writeError(w, err)
		return
	}
	s.logger.InfoContext(r.Context(), "workflow deactivated", "workflow_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLoadGraph(w http.ResponseWriter, r *http.Request, tenantID string) {
	g, err := s.graphs.Load(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleSaveGraph(w http.ResponseWriter, r *http.Request, tenantID string) {
	var g builder.Graph
	if err := decodeBody(r, &g); err != nil {
		writeError(w, err)
		return
	}
	if err := s.graphs.Save(r.Context(), tenantID, r.PathValue("id"), &g); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// startRunRequest starts a run. With WorkflowID set the event goes to
// that workflow alone; without it the event is offered to every active
// workflow whose trigger matches.
type startRunRequest struct {
	WorkflowID string         `json:"workflow_id,omitempty"`
	Event      map[string]any `json:"event"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request, tenantID string) {
	var req startRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Event == nil {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "event is required"))
		return
	}

	if req.WorkflowID != "" {
		wf, err := s.store.GetWorkflow(r.Context(), tenantID, req.WorkflowID)
		if err != nil {
			writeError(w, err)
			return
		}
		run, err := s.engine.StartRun(r.Context(), wf, req.Event)
		if err != nil && run == nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"runs": []*schema.Run{run}})
		return
	}

	runs, err := s.dispatchEvent(r, tenantID, req.Event)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"runs": runs})
}

// dispatchEvent offers the event to every active workflow for the
// tenant whose trigger type matches the event's type. Filter misses are
// skipped; zero matches is a MATCH_MISS.
func (s *Server) dispatchEvent(r *http.Request, tenantID string, event map[string]any) ([]*schema.Run, error) {
	filter := store.WorkflowFilter{TenantID: tenantID, ActiveOnly: true}
	if raw, ok := event["type"].(string); ok && raw != "" {
		tt := schema.TriggerType(raw)
		filter.TriggerType = &tt
	}
	workflows, err := s.store.ListWorkflows(r.Context(), filter)
	if err != nil {
		return nil, err
	}

	var runs []*schema.Run
	for _, wf := range workflows {
		run, err := s.engine.StartRun(r.Context(), wf, event)
		if err != nil {
			if ferr, ok := err.(*schema.FlowError); ok && ferr.Code == schema.ErrCodeMatchMiss {
				continue
			}
			if run == nil {
				return nil, err
			}
			// The run was created but failed while advancing; it is
			// still reported so the caller can inspect it.
		}
		runs = append(runs, run)
	}
	if len(runs) == 0 {
		return nil, schema.NewError(schema.ErrCodeMatchMiss, "no active workflow matched the event")
	}
	return runs, nil
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request, tenantID string) {
	filter := store.RunFilter{
		TenantID:   tenantID,
		WorkflowID: r.URL.Query().Get("workflowId"),
		Limit:      queryInt(r, "limit"),
		Offset:     queryInt(r, "offset"),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := schema.RunStatus(raw)
		filter.Status = &st
	}
	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request, tenantID string) {
	run, err := s.engine.Status(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request, tenantID string) {
	run, err := s.engine.Cancel(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type putSecretRequest struct {
	Value string `json:"value"`
}

// Secret administration is deployment-level, not tenant-scoped.
// Values are write-only: they are never returned by any endpoint.
func (s *Server) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	var req putSecretRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Value == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "value is required"))
		return
	}
	key := r.PathValue("key")
	if err := s.vault.Store(r.Context(), key, []byte(req.Value)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	if err := s.vault.Delete(r.Context(), r.PathValue("key")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	keys, err := s.vault.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func queryInt(r *http.Request, name string) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
