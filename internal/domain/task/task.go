// Package task defines the task domain model and store port.
//
// A task is one unit of deferred work: an outbound HTTP call to a named
// downstream service, persisted durably with a terminal outcome. The store
// port turns a shared relational table into a crash-safe work queue via the
// claim/finalize protocol implemented by internal/infra/task.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a task.
//
// Transitions form a DAG: pending -> processing -> {success, failed}.
// Backward or sideways transitions never occur.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed:
		return true
	default:
		return false
	}
}

// Service identifies one of the fixed downstream services a task targets.
type Service string

const (
	ServiceUser    Service = "user"
	ServicePayment Service = "payment"
	ServiceFlight  Service = "flight"
)

// Services lists every valid downstream service token.
func Services() []Service {
	return []Service{ServiceUser, ServicePayment, ServiceFlight}
}

// ParseService validates a wire token against the service enumeration.
func ParseService(raw string) (Service, error) {
	switch s := Service(strings.ToLower(strings.TrimSpace(raw))); s {
	case ServiceUser, ServicePayment, ServiceFlight:
		return s, nil
	default:
		return "", fmt.Errorf("%w: service %q", ErrInvalidEnum, raw)
	}
}

// Method is the HTTP verb used when dispatching a task downstream.
type Method string

const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodDelete  Method = "DELETE"
	MethodPatch   Method = "PATCH"
	MethodHead    Method = "HEAD"
	MethodOptions Method = "OPTIONS"
)

// ParseMethod validates an HTTP verb. An empty value defaults to POST,
// matching the create-task contract.
func ParseMethod(raw string) (Method, error) {
	if strings.TrimSpace(raw) == "" {
		return MethodPost, nil
	}
	switch m := Method(strings.ToUpper(strings.TrimSpace(raw))); m {
	case MethodGet, MethodPost, MethodPut, MethodDelete, MethodPatch, MethodHead, MethodOptions:
		return m, nil
	default:
		return "", fmt.Errorf("%w: method %q", ErrInvalidEnum, raw)
	}
}

// QueryEncoded reports whether params travel as URL query parameters for
// this verb rather than as a JSON request body.
func (m Method) QueryEncoded() bool {
	switch m {
	case MethodGet, MethodHead, MethodOptions:
		return true
	default:
		return false
	}
}

// Task is the durable task record.
type Task struct {
	// ID is the internal primary key; TaskID is the client-facing
	// identifier returned by create-task. Both are opaque UUIDs.
	ID     string `json:"id"`
	TaskID string `json:"task_id"`

	Service Service `json:"service"`
	Route   string  `json:"route"`
	Method  Method  `json:"method"`

	// Params is an opaque JSON mapping; encoding depends on Method.
	Params json.RawMessage `json:"params"`

	Status Status `json:"status"`

	// Result is nil until the task reaches a terminal state. It may hold
	// any JSON value, not only objects.
	Result json.RawMessage `json:"result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Draft carries the validated fields of a create-task request.
type Draft struct {
	Service Service
	Route   string
	Method  Method
	Params  json.RawMessage
}

// Validate checks the draft against the creation contract.
func (d Draft) Validate() error {
	if _, err := ParseService(string(d.Service)); err != nil {
		return err
	}
	if strings.TrimSpace(d.Route) == "" {
		return fmt.Errorf("%w: route must not be empty", ErrInvalidEnum)
	}
	if _, err := ParseMethod(string(d.Method)); err != nil {
		return err
	}
	if len(d.Params) == 0 {
		return fmt.Errorf("%w: params required", ErrInvalidEnum)
	}
	return nil
}

var (
	// ErrNotFound is returned when no task matches the given identifier.
	ErrNotFound = errors.New("task not found")

	// ErrConflict is returned on a unique-constraint violation at insert.
	ErrConflict = errors.New("task conflict")

	// ErrInvalidEnum is returned when a request carries a token outside the
	// service/status/method enumerations or violates a field constraint.
	ErrInvalidEnum = errors.New("invalid value")
)

// Store is the task persistence port.
type Store interface {
	// EnsureSchema creates the tasks table and indexes if absent.
	EnsureSchema(ctx context.Context) error

	// Insert persists a new pending task and returns its client-facing
	// task_id. Unique-constraint violations surface as ErrConflict.
	Insert(ctx context.Context, draft Draft) (string, error)

	// ClaimOnePending atomically moves the oldest pending task to
	// processing and returns a detached snapshot of it. Returns (nil, nil)
	// when the queue is empty. Rows locked by concurrent claimers are
	// skipped, so no task is ever claimed twice.
	ClaimOnePending(ctx context.Context) (*Task, error)

	// Finalize records the terminal status and result for a claimed task,
	// keyed by internal id. Callers invoke it at most once per claim.
	Finalize(ctx context.Context, id string, status Status, result json.RawMessage) error

	// GetByTaskID fetches a single task by its client-facing identifier.
	GetByTaskID(ctx context.Context, taskID string) (*Task, error)

	// RequeueStale resets processing tasks whose updated_at is older than
	// the cutoff back to pending and reports how many rows moved. Used by
	// the optional reaper; enabling it yields at-least-once delivery.
	RequeueStale(ctx context.Context, olderThan time.Time) (int64, error)
}
