package server

import (
	"net/http"
	"strconv"

	"github.com/crewflow/flowd/engine"
	"github.com/crewflow/flowd/flow"
	"github.com/crewflow/flowd/manager"
	"github.com/crewflow/flowd/scheduler"
)

type createFlowRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	YAMLContent string `json:"yaml_content"`
}

func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var req createFlowRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	f := flow.NewFlow(req.Name, req.Description, req.YAMLContent)
	if err := s.manager.Flows().CreateFlow(f); err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Infow("Flow created", "flow_id", f.ID, "name", f.Name, "is_valid", f.IsValid)
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	flows, err := s.manager.Flows().ListFlows(limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if flows == nil {
		flows = []*flow.Flow{}
	}
	writeJSON(w, http.StatusOK, flows)
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	f, err := s.manager.Flows().GetFlow(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleUpdateFlow(w http.ResponseWriter, r *http.Request) {
	f, err := s.manager.Flows().GetFlow(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req createFlowRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.Name != "" {
		f.Name = req.Name
	}
	if req.Description != "" {
		f.Description = req.Description
	}
	if req.YAMLContent != "" {
		f.YAMLContent = req.YAMLContent
		f.Revalidate()
	}

	if err := s.manager.Flows().UpdateFlow(f); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteFlow(r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type validateFlowRequest struct {
	YAMLContent string `json:"yaml_content"`
}

type validateFlowResponse struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors,omitempty"`
}

// handleValidateFlow checks a document without persisting anything.
func (s *Server) handleValidateFlow(w http.ResponseWriter, r *http.Request) {
	var req validateFlowRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	valid, validationErrs := flow.Validate(req.YAMLContent)
	writeJSON(w, http.StatusOK, validateFlowResponse{IsValid: valid, Errors: validationErrs})
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req engine.ExecutionRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.FlowID == "" {
		writeError(w, http.StatusBadRequest, "flow_id is required")
		return
	}

	exec, err := s.manager.StartExecution(req)
	if err != nil {
		// A capacity rejection still created the pending record; return
		// it alongside the status so the caller can retry by ID.
		if exec != nil {
			writeJSON(w, http.StatusTooManyRequests, exec)
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	executions, err := s.manager.Executions().ListExecutions(r.URL.Query().Get("flow_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if executions == nil {
		executions = []*engine.Execution{}
	}
	writeJSON(w, http.StatusOK, executions)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.manager.Executions().GetExecution(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleGetExecutionLogs(w http.ResponseWriter, r *http.Request) {
	exec, err := s.manager.Executions().GetExecution(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	lines := exec.LogLines()
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"execution_id": exec.ID,
		"status":       exec.Status,
		"logs":         lines,
	})
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.CancelExecution(id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"execution_id": id,
		"status":       "cancellation_requested",
	})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req manager.ScheduleRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	sched, err := s.manager.CreateSchedule(req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.manager.Schedules().ListSchedules(r.URL.Query().Get("flow_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if schedules == nil {
		schedules = []*scheduler.Schedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.manager.Schedules().GetSchedule(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req manager.ScheduleRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	sched, err := s.manager.UpdateSchedule(r.PathValue("id"), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteSchedule(r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
