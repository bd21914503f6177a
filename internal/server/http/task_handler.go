package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	taskdomain "dispatchd/internal/domain/task"
	"dispatchd/internal/logging"
)

// CreateTaskRequest is the create-task request body.
type CreateTaskRequest struct {
	Service string          `json:"service"`
	Route   string          `json:"route"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// TaskStatusResponse is the polling response body.
type TaskStatusResponse struct {
	TaskID string            `json:"task_id"`
	Status taskdomain.Status `json:"status"`
	Result json.RawMessage   `json:"result"`
}

// TaskHandler converts API requests into store operations and back.
type TaskHandler struct {
	store  taskdomain.Store
	logger logging.Logger
}

// NewTaskHandler creates the handler bound to the task store.
func NewTaskHandler(store taskdomain.Store, logger logging.Logger) *TaskHandler {
	return &TaskHandler{store: store, logger: logging.OrNop(logger)}
}

// CreateTask handles POST /create-task. It validates the enums, inserts a
// pending task, and returns the bare task_id string.
func (h *TaskHandler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeDetail(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	service, err := taskdomain.ParseService(req.Service)
	if err != nil {
		h.writeDetail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	method, err := taskdomain.ParseMethod(req.Method)
	if err != nil {
		h.writeDetail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	draft := taskdomain.Draft{
		Service: service,
		Route:   req.Route,
		Method:  method,
		Params:  req.Params,
	}
	if err := draft.Validate(); err != nil {
		h.writeDetail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	taskID, err := h.store.Insert(c.Request.Context(), draft)
	if err != nil {
		if errors.Is(err, taskdomain.ErrConflict) {
			h.writeDetail(c, http.StatusConflict, "Could not create task due to database conflict")
			return
		}
		h.logger.Error("create task failed: %v", err)
		h.writeDetail(c, http.StatusInternalServerError, "Failed to create task")
		return
	}

	h.logger.Info("task created: task_id=%s service=%s route=%s", taskID, service, req.Route)
	c.JSON(http.StatusOK, taskID)
}

// GetTask handles GET /tasks/:task_id. It returns the current status
// immediately; clients poll until the status is terminal.
func (h *TaskHandler) GetTask(c *gin.Context) {
	taskID := c.Param("task_id")

	found, err := h.store.GetByTaskID(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, taskdomain.ErrNotFound) {
			h.writeDetail(c, http.StatusNotFound, "Task not found")
			return
		}
		h.logger.Error("lookup task %s failed: %v", taskID, err)
		h.writeDetail(c, http.StatusInternalServerError, "Failed to look up task")
		return
	}

	c.JSON(http.StatusOK, TaskStatusResponse{
		TaskID: found.TaskID,
		Status: found.Status,
		Result: found.Result,
	})
}

// Health handles GET /health.
func (h *TaskHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *TaskHandler) writeDetail(c *gin.Context, code int, detail string) {
	c.JSON(code, gin.H{"detail": detail})
}
