package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/veplatform/controlplane/taskstore"
)

type (
	createTaskRequest struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Priority    string `json:"priority,omitempty"`
		// VEID pins the task to one hired agent; empty means intelligent
		// routing.
		VEID      string `json:"ve_id,omitempty"`
		SessionID string `json:"session_id,omitempty"`
	}

	patchTaskRequest struct {
		Status   string         `json:"status,omitempty"`
		Action   string         `json:"action,omitempty"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	feedbackRequest struct {
		Feedback string `json:"feedback"`
	}

	approvePlanRequest struct {
		PlanID string `json:"plan_id"`
	}
)

func (s *Service) createTask(w http.ResponseWriter, r *http.Request) {
	customerID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	var req createTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Description == "" {
		respondError(w, http.StatusBadRequest, "description is required")
		return
	}
	agentCtx, ok := s.agentContext(w, r, customerID, req.SessionID)
	if !ok {
		return
	}
	task := taskstore.Task{
		ID:          uuid.NewString(),
		CustomerID:  customerID,
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
	}
	var err error
	if req.VEID != "" {
		err = s.flow.Assign(r.Context(), agentCtx, task, req.VEID)
	} else {
		err = s.flow.Route(r.Context(), agentCtx, task)
	}
	if err != nil {
		log.Error(r.Context(), err, log.KV{K: "msg", V: "task submission failed"})
		respondError(w, storeStatus(err), err.Error())
		return
	}
	created, err := s.store.GetTask(r.Context(), customerID, task.ID)
	if err != nil {
		respondError(w, storeStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, created)
}

func (s *Service) getTask(w http.ResponseWriter, r *http.Request) {
	customerID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	task, err := s.store.GetTask(r.Context(), customerID, chi.URLParam(r, "task_id"))
	if err != nil {
		respondError(w, storeStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// patchTask mutates the task record and forwards lifecycle actions to the
// owning workflow: action pause/resume, or status cancelled.
func (s *Service) patchTask(w http.ResponseWriter, r *http.Request) {
	customerID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	taskID := chi.URLParam(r, "task_id")
	var req patchTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}

	switch req.Action {
	case "":
	case "pause":
		if err := s.flow.Pause(r.Context(), taskID); err != nil {
			respondError(w, http.StatusBadGateway, err.Error())
			return
		}
	case "resume":
		if err := s.flow.Resume(r.Context(), taskID); err != nil {
			respondError(w, http.StatusBadGateway, err.Error())
			return
		}
	default:
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
		return
	}

	update := taskstore.TaskUpdate{Metadata: req.Metadata}
	if req.Status != "" {
		if req.Status == taskstore.StatusCancelled {
			// Cancellation is workflow-driven; the workflow records the
			// terminal status at its next suspension point.
			if err := s.flow.Cancel(r.Context(), taskID); err != nil {
				log.Info(r.Context(), log.KV{K: "msg", V: "cancel signal failed, cancelling directly"},
					log.KV{K: "task_id", V: taskID})
				update.Status = &req.Status
			}
		} else {
			update.Status = &req.Status
		}
	}
	if update.Status != nil || update.Metadata != nil {
		if err := s.store.UpdateTask(r.Context(), customerID, taskID, update); err != nil {
			respondError(w, storeStatus(err), err.Error())
			return
		}
	}
	task, err := s.store.GetTask(r.Context(), customerID, taskID)
	if err != nil {
		respondError(w, storeStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// deleteTask terminates every workflow the task may own, then removes the
// record.
func (s *Service) deleteTask(w http.ResponseWriter, r *http.Request) {
	customerID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	taskID := chi.URLParam(r, "task_id")
	if err := s.flow.Terminate(r.Context(), taskID, "task deleted"); err != nil {
		log.Error(r.Context(), err, log.KV{K: "msg", V: "workflow termination failed"},
			log.KV{K: "task_id", V: taskID})
	}
	if err := s.store.DeleteTask(r.Context(), customerID, taskID); err != nil {
		respondError(w, storeStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) listTaskComments(w http.ResponseWriter, r *http.Request) {
	customerID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	comments, err := s.store.ListComments(r.Context(), customerID, chi.URLParam(r, "task_id"))
	if err != nil {
		respondError(w, storeStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, comments)
}

func (s *Service) delegationStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.tenant(w, r); !ok {
		return
	}
	status, err := s.flow.DelegationState(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// approvePlan marks the plan approved and unblocks the waiting workflow.
func (s *Service) approvePlan(w http.ResponseWriter, r *http.Request) {
	customerID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	taskID := chi.URLParam(r, "task_id")
	var req approvePlanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	planID := req.PlanID
	if planID == "" {
		task, err := s.store.GetTask(r.Context(), customerID, taskID)
		if err != nil {
			respondError(w, storeStatus(err), err.Error())
			return
		}
		planID, _ = task.Metadata["latest_plan_id"].(string)
	}
	if planID != "" {
		if err := s.store.SetPlanStatus(r.Context(), customerID, planID, taskstore.PlanApproved); err != nil {
			respondError(w, storeStatus(err), err.Error())
			return
		}
	}
	if err := s.flow.ApprovePlan(r.Context(), taskID); err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "approved", "plan_id": planID})
}

// provideFeedback records the customer's answer and forwards it to the
// waiting workflow.
func (s *Service) provideFeedback(w http.ResponseWriter, r *http.Request) {
	customerID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	taskID := chi.URLParam(r, "task_id")
	var req feedbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Feedback == "" {
		respondError(w, http.StatusBadRequest, "feedback is required")
		return
	}
	if err := s.store.AppendComment(r.Context(), taskstore.Comment{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		CustomerID: customerID,
		AuthorType: taskstore.AuthorCustomer,
		Content:    req.Feedback,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		respondError(w, storeStatus(err), err.Error())
		return
	}
	if err := s.flow.ProvideFeedback(r.Context(), taskID, req.Feedback); err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "received"})
}
