package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/wire"
)

// createTaskRequest is the body for defining a new probe task.
type createTaskRequest struct {
	UserID           uuid.UUID      `json:"user_id"`
	Protocol         wire.Protocol  `json:"protocol"`
	Target           string         `json:"target"`
	Port             *int           `json:"port,omitempty"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	FrequencySeconds int            `json:"frequency_seconds"`
	TimeoutSeconds   int            `json:"timeout_seconds,omitempty"`
	Priority         int            `json:"priority,omitempty"`
	PreferredCountry *string        `json:"preferred_country,omitempty"`
	PreferredCity    *string        `json:"preferred_city,omitempty"`
	PreferredISP     *string        `json:"preferred_isp,omitempty"`
}

// updateTaskRequest carries optional task field updates. Only fields
// present in the body are changed.
type updateTaskRequest struct {
	Target           *string        `json:"target,omitempty"`
	Port             *int           `json:"port,omitempty"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	FrequencySeconds *int           `json:"frequency_seconds,omitempty"`
	TimeoutSeconds   *int           `json:"timeout_seconds,omitempty"`
	Priority         *int           `json:"priority,omitempty"`
	PreferredCountry *string        `json:"preferred_country,omitempty"`
	PreferredCity    *string        `json:"preferred_city,omitempty"`
	PreferredISP     *string        `json:"preferred_isp,omitempty"`
}

// runTaskRequest optionally delays a manual run.
type runTaskRequest struct {
	At *time.Time `json:"at,omitempty"`
}

func (s *HTTPServer) handleListTasks(w http.ResponseWriter, r *http.Request) {
	page := parsePagination(r)
	q := r.URL.Query()

	var (
		tasks []database.Task
		err   error
	)
	switch {
	case q.Get("status") != "":
		tasks, err = s.deps.Repos.Tasks.ListByStatus(r.Context(), database.TaskStatus(q.Get("status")), page)
	case q.Get("user_id") != "":
		var userID uuid.UUID
		userID, err = uuid.Parse(q.Get("user_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid user_id")
			return
		}
		tasks, err = s.deps.Repos.Tasks.ListByUser(r.Context(), userID, page)
	default:
		tasks, err = s.deps.Repos.Tasks.List(r.Context(), page)
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list tasks")
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newListResponse(tasks, page))
}

func (s *HTTPServer) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	task := &database.Task{
		UserID:           req.UserID,
		Protocol:         req.Protocol,
		Target:           req.Target,
		Port:             req.Port,
		Parameters:       req.Parameters,
		FrequencySeconds: req.FrequencySeconds,
		TimeoutSeconds:   req.TimeoutSeconds,
		Priority:         req.Priority,
		Status:           database.TaskStatusActive,
		PreferredCountry: req.PreferredCountry,
		PreferredCity:    req.PreferredCity,
		PreferredISP:     req.PreferredISP,
	}
	if task.TimeoutSeconds == 0 {
		task.TimeoutSeconds = 30
	}
	if task.Priority == 0 {
		task.Priority = 2
	}

	if err := task.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	// NextRunAt stays nil so the scheduler picks the task up on its
	// next cycle.
	if err := s.deps.Repos.Tasks.Create(r.Context(), task); err != nil {
		s.logger.Error().Err(err).Str("target", task.Target).Msg("failed to create task")
		writeRepoError(w, err)
		return
	}

	s.deps.Publisher.PublishTaskEvent(task.ID, "created", map[string]any{
		"protocol": string(task.Protocol),
		"target":   task.Target,
	})

	s.logger.Info().
		Str("task_id", task.ID.String()).
		Str("protocol", string(task.Protocol)).
		Str("target", task.Target).
		Msg("task created")

	writeJSON(w, http.StatusCreated, task)
}

func (s *HTTPServer) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	task, err := s.deps.Repos.Tasks.Get(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, task)
}

func (s *HTTPServer) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	var req updateTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	task, err := s.deps.Repos.Tasks.Get(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	if req.Target != nil {
		task.Target = *req.Target
	}
	if req.Port != nil {
		task.Port = req.Port
	}
	if req.Parameters != nil {
		task.Parameters = req.Parameters
	}
	if req.FrequencySeconds != nil {
		task.FrequencySeconds = *req.FrequencySeconds
	}
	if req.TimeoutSeconds != nil {
		task.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.PreferredCountry != nil {
		task.PreferredCountry = req.PreferredCountry
	}
	if req.PreferredCity != nil {
		task.PreferredCity = req.PreferredCity
	}
	if req.PreferredISP != nil {
		task.PreferredISP = req.PreferredISP
	}

	if err := task.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	if err := s.deps.Repos.Tasks.Update(r.Context(), task); err != nil {
		s.logger.Error().Err(err).Str("task_id", id.String()).Msg("failed to update task")
		writeRepoError(w, err)
		return
	}

	// Priority changes go through the scheduler so queued entries are
	// re-ranked, not just the stored row.
	if req.Priority != nil && *req.Priority != task.Priority {
		if err := s.deps.Scheduler.UpdateTaskPriority(r.Context(), id, *req.Priority); err != nil {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
		task.Priority = *req.Priority
	}

	s.deps.Publisher.PublishTaskEvent(task.ID, "updated", nil)

	writeJSON(w, http.StatusOK, task)
}

func (s *HTTPServer) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	// Cancel first so queued or executing work is withdrawn before the
	// row disappears.
	if err := s.deps.Scheduler.CancelTask(r.Context(), id); err != nil && !database.IsNotFound(err) {
		s.logger.Error().Err(err).Str("task_id", id.String()).Msg("failed to cancel task before delete")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := s.deps.Repos.Tasks.Delete(r.Context(), id); err != nil {
		writeRepoError(w, err)
		return
	}

	// Offloaded payloads are removed best-effort; orphans are swept by
	// the retention loop anyway.
	if s.deps.RawStore != nil {
		if err := s.deps.RawStore.DeleteByTask(r.Context(), id); err != nil {
			s.logger.Warn().Err(err).Str("task_id", id.String()).Msg("failed to delete raw payloads for task")
		}
	}

	s.deps.Publisher.PublishTaskEvent(id, "deleted", nil)
	s.logger.Info().Str("task_id", id.String()).Msg("task deleted")

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	s.schedulerAction(w, r, "pause", s.deps.Scheduler.PauseTask)
}

func (s *HTTPServer) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	s.schedulerAction(w, r, "resume", s.deps.Scheduler.ResumeTask)
}

func (s *HTTPServer) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	s.schedulerAction(w, r, "cancel", s.deps.Scheduler.CancelTask)
}

func (s *HTTPServer) handleRunTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	var req runTaskRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
	}

	if req.At != nil {
		err = s.deps.Scheduler.ScheduleTaskAt(r.Context(), id, *req.At)
	} else {
		err = s.deps.Scheduler.ForceExecuteTask(r.Context(), id)
	}
	if err != nil {
		if database.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// schedulerAction runs a scheduler lifecycle operation against the task
// in the path.
func (s *HTTPServer) schedulerAction(w http.ResponseWriter, r *http.Request, name string, fn func(context.Context, uuid.UUID) error) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	if err := fn(r.Context(), id); err != nil {
		if database.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		s.logger.Error().Err(err).Str("task_id", id.String()).Str("action", name).Msg("scheduler action failed")
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *HTTPServer) handleListTaskResults(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	page := parsePagination(r)
	results, err := s.deps.Repos.Results.ListByTask(r.Context(), id, page)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newListResponse(results, page))
}

func (s *HTTPServer) handleListTaskReassignments(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	page := parsePagination(r)
	moves, err := s.deps.Repos.Reassignments.ListByTask(r.Context(), id, page)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newListResponse(moves, page))
}
