package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	apperrors "github.com/dante-gpu/dante-mesh/internal/errors"
	"github.com/dante-gpu/dante-mesh/internal/logging"
	"github.com/dante-gpu/dante-mesh/internal/models"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// maxSubmitBody bounds POST /tasks bodies; intake enforces its own payload limit.
const maxSubmitBody = 1 << 20

// Agent is the part of agent.Agent the control API drives.
type Agent interface {
	Status(ctx context.Context) models.AgentStatus
	Tasks(filter models.TaskFilter) []models.TaskResult
	Task(taskID string) (models.TaskResult, error)
	Submit(ctx context.Context, msg models.TaskMessage) error
	Stop()
	Stopping() bool
	TransportConnected() bool
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status             string `json:"status"`
	TransportConnected bool   `json:"transport_connected"`
}

// SubmitResponse is returned by POST /tasks.
type SubmitResponse struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// AgentHandler serves the agent's control endpoints.
type AgentHandler struct {
	agent  Agent
	logger *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(agent Agent, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		agent:  agent,
		logger: logger.Named("agent_handler"),
	}
}

// RegisterRoutes registers the control API routes with the given router.
func (h *AgentHandler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Get("/status", h.Status)
	r.Get("/tasks", h.ListTasks)
	r.Get("/tasks/{taskID}", h.GetTask)
	r.Post("/tasks", h.SubmitTask)
	r.Post("/stop", h.Stop)
}

// Health reports liveness. A stopping agent answers 503 so that service
// discovery takes it out of rotation.
func (h *AgentHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", TransportConnected: h.agent.TransportConnected()}
	code := http.StatusOK
	if h.agent.Stopping() {
		resp.Status = "stopping"
		code = http.StatusServiceUnavailable
	}
	h.respondWithJSON(w, r, code, resp)
}

func (h *AgentHandler) Status(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, r, http.StatusOK, h.agent.Status(r.Context()))
}

// ListTasks returns history in arrival order, optionally filtered by ?status=.
func (h *AgentHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	var filter models.TaskFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := models.ParseTaskStatus(raw)
		if err != nil {
			h.respondWithError(w, r, http.StatusBadRequest, err.Error(), nil)
			return
		}
		filter.Status = &status
	}
	h.respondWithJSON(w, r, http.StatusOK, h.agent.Tasks(filter))
}

func (h *AgentHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	result, err := h.agent.Task(taskID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			h.respondWithError(w, r, http.StatusNotFound, "task not found", nil)
			return
		}
		h.respondWithError(w, r, http.StatusInternalServerError, "failed to look up task", err)
		return
	}
	h.respondWithJSON(w, r, http.StatusOK, result)
}

// SubmitTask publishes a task onto the mesh. Results are not returned; the
// task shows up in /tasks of whichever nodes execute it.
func (h *AgentHandler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSubmitBody))
	if err != nil {
		h.respondWithError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	var msg models.TaskMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		h.respondWithError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	err = h.agent.Submit(r.Context(), msg)
	switch {
	case err == nil:
	case apperrors.IsMalformed(err):
		h.respondWithError(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	case apperrors.IsTransportUnavailable(err), errors.Is(err, context.DeadlineExceeded):
		h.respondWithError(w, r, http.StatusServiceUnavailable, "mesh transport unavailable", err)
		return
	default:
		h.respondWithError(w, r, http.StatusInternalServerError, "failed to submit task", err)
		return
	}

	h.respondWithJSON(w, r, http.StatusAccepted, SubmitResponse{
		TaskID:    msg.TaskID,
		Status:    "published",
		Timestamp: time.Now().UTC(),
		Message:   "Task published to the mesh",
	})
}

// Stop begins graceful shutdown and returns at once.
func (h *AgentHandler) Stop(w http.ResponseWriter, r *http.Request) {
	logging.FromContext(r.Context(), h.logger).Info("Stop requested through control API")
	h.agent.Stop()
	h.respondWithJSON(w, r, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// respondWithError sends a JSON error response.
func (h *AgentHandler) respondWithError(w http.ResponseWriter, r *http.Request, code int, message string, err error) {
	logFields := []zap.Field{
		zap.Int("status_code", code),
		zap.String("error_message", message),
	}
	if err != nil {
		logFields = append(logFields, zap.Error(err))
	}
	logger := logging.FromContext(r.Context(), h.logger)
	if code >= http.StatusInternalServerError {
		logger.Error("HTTP handler error", logFields...)
	} else {
		logger.Debug("HTTP request rejected", logFields...)
	}

	h.respondWithJSON(w, r, code, ErrorResponse{Error: message})
}

// respondWithJSON sends a JSON response.
func (h *AgentHandler) respondWithJSON(w http.ResponseWriter, r *http.Request, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			logging.FromContext(r.Context(), h.logger).Error("Failed to encode JSON response", zap.Error(err))
		}
	}
}
