package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"dispatchd/internal/dispatch"
	taskdomain "dispatchd/internal/domain/task"
	"dispatchd/internal/logging"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory task.Store used to exercise the worker loop
// without a database. Claims pop the oldest pending task under a mutex,
// which preserves the no-double-claim property the SQL store provides.
type memStore struct {
	mu    sync.Mutex
	order []string
	tasks map[string]*taskdomain.Task

	finalizeErr error
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]*taskdomain.Task)}
}

func (s *memStore) EnsureSchema(context.Context) error { return nil }

func (s *memStore) Insert(_ context.Context, draft taskdomain.Draft) (string, error) {
	if err := draft.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	t := &taskdomain.Task{
		ID:        uuid.NewString(),
		TaskID:    uuid.NewString(),
		Service:   draft.Service,
		Route:     draft.Route,
		Method:    draft.Method,
		Params:    draft.Params,
		Status:    taskdomain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.tasks[t.ID] = t
	s.order = append(s.order, t.ID)
	return t.TaskID, nil
}

func (s *memStore) ClaimOnePending(context.Context) (*taskdomain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		t := s.tasks[id]
		if t.Status == taskdomain.StatusPending {
			t.Status = taskdomain.StatusProcessing
			t.UpdatedAt = time.Now().UTC()
			snapshot := *t
			return &snapshot, nil
		}
	}
	return nil, nil
}

func (s *memStore) Finalize(_ context.Context, id string, status taskdomain.Status, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalizeErr != nil {
		return s.finalizeErr
	}
	t, ok := s.tasks[id]
	if !ok {
		return taskdomain.ErrNotFound
	}
	t.Status = status
	t.Result = result
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) GetByTaskID(_ context.Context, taskID string) (*taskdomain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if t.TaskID == taskID {
			snapshot := *t
			return &snapshot, nil
		}
	}
	return nil, taskdomain.ErrNotFound
}

func (s *memStore) RequeueStale(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, t := range s.tasks {
		if t.Status == taskdomain.StatusProcessing && t.UpdatedAt.Before(olderThan) {
			t.Status = taskdomain.StatusPending
			t.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *memStore) statuses() map[taskdomain.Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[taskdomain.Status]int)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts
}

// stubDispatcher returns canned outcomes and records every task id it sees.
type stubDispatcher struct {
	mu   sync.Mutex
	seen map[string]int
	fn   func(*taskdomain.Task) (json.RawMessage, error)
}

func newStubDispatcher(fn func(*taskdomain.Task) (json.RawMessage, error)) *stubDispatcher {
	return &stubDispatcher{seen: make(map[string]int), fn: fn}
}

func (d *stubDispatcher) Dispatch(_ context.Context, t *taskdomain.Task) (json.RawMessage, error) {
	d.mu.Lock()
	d.seen[t.ID]++
	d.mu.Unlock()
	return d.fn(t)
}

func seedTask(t *testing.T, store *memStore) string {
	t.Helper()
	taskID, err := store.Insert(context.Background(), taskdomain.Draft{
		Service: taskdomain.ServicePayment,
		Route:   "charge",
		Method:  taskdomain.MethodPost,
		Params:  json.RawMessage(`{"amount":"10.00"}`),
	})
	require.NoError(t, err)
	return taskID
}

// runUntil runs a worker until check passes or the deadline expires.
func runUntil(t *testing.T, w *Worker, check func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for !check() {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatal("condition not reached before deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestWorkerFinalizesSuccess(t *testing.T) {
	store := newMemStore()
	taskID := seedTask(t, store)

	d := newStubDispatcher(func(*taskdomain.Task) (json.RawMessage, error) {
		return json.RawMessage(`{"success":true}`), nil
	})
	w := NewWorker(0, store, d, logging.Nop())

	runUntil(t, w, func() bool {
		got, err := store.GetByTaskID(context.Background(), taskID)
		return err == nil && got.Status == taskdomain.StatusSuccess
	})

	got, err := store.GetByTaskID(context.Background(), taskID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true}`, string(got.Result))
}

func TestWorkerRecordsStatusErrorBody(t *testing.T) {
	store := newMemStore()
	taskID := seedTask(t, store)

	d := newStubDispatcher(func(*taskdomain.Task) (json.RawMessage, error) {
		return nil, &dispatch.StatusError{
			StatusCode: 422,
			Body:       []byte(`{"error":"card declined"}`),
		}
	})
	w := NewWorker(0, store, d, logging.Nop())

	runUntil(t, w, func() bool {
		got, err := store.GetByTaskID(context.Background(), taskID)
		return err == nil && got.Status == taskdomain.StatusFailed
	})

	got, err := store.GetByTaskID(context.Background(), taskID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"card declined"}`, string(got.Result))
}

func TestWorkerWrapsNonJSONStatusBody(t *testing.T) {
	store := newMemStore()
	taskID := seedTask(t, store)

	d := newStubDispatcher(func(*taskdomain.Task) (json.RawMessage, error) {
		return nil, &dispatch.StatusError{StatusCode: 500, Body: []byte("boom")}
	})
	w := NewWorker(0, store, d, logging.Nop())

	runUntil(t, w, func() bool {
		got, err := store.GetByTaskID(context.Background(), taskID)
		return err == nil && got.Status == taskdomain.StatusFailed
	})

	got, err := store.GetByTaskID(context.Background(), taskID)
	require.NoError(t, err)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(got.Result, &payload))
	assert.Contains(t, payload["detail"], "500")
}

func TestWorkerRecordsTransportErrorDetail(t *testing.T) {
	store := newMemStore()
	taskID := seedTask(t, store)

	d := newStubDispatcher(func(*taskdomain.Task) (json.RawMessage, error) {
		return nil, errors.New("connection refused")
	})
	w := NewWorker(0, store, d, logging.Nop())

	runUntil(t, w, func() bool {
		got, err := store.GetByTaskID(context.Background(), taskID)
		return err == nil && got.Status == taskdomain.StatusFailed
	})

	got, err := store.GetByTaskID(context.Background(), taskID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"detail":"connection refused"}`, string(got.Result))
}

func TestWorkerIsolatesFailingTasks(t *testing.T) {
	store := newMemStore()
	failing := seedTask(t, store)
	healthy := seedTask(t, store)

	// One failing task must not stop the worker from finishing the next one.
	byTask := newStubDispatcher(nil)
	byTask.fn = func(task *taskdomain.Task) (json.RawMessage, error) {
		got, _ := store.GetByTaskID(context.Background(), failing)
		if got != nil && task.ID == got.ID {
			return nil, errors.New("downstream exploded")
		}
		return json.RawMessage(`{"ok":true}`), nil
	}
	w := NewWorker(0, store, byTask, logging.Nop())

	runUntil(t, w, func() bool {
		counts := store.statuses()
		return counts[taskdomain.StatusFailed] == 1 && counts[taskdomain.StatusSuccess] == 1
	})

	failedTask, err := store.GetByTaskID(context.Background(), failing)
	require.NoError(t, err)
	assert.Equal(t, taskdomain.StatusFailed, failedTask.Status)

	healthyTask, err := store.GetByTaskID(context.Background(), healthy)
	require.NoError(t, err)
	assert.Equal(t, taskdomain.StatusSuccess, healthyTask.Status)
}

func TestWorkerSurvivesFinalizeError(t *testing.T) {
	store := newMemStore()
	store.finalizeErr = errors.New("db gone")
	seedTask(t, store)

	d := newStubDispatcher(func(*taskdomain.Task) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	w := NewWorker(0, store, d, logging.Nop())

	claimedOnce := func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.seen) == 1
	}
	runUntil(t, w, claimedOnce)
}

func TestWorkerStopsOnCancel(t *testing.T) {
	store := newMemStore()
	d := newStubDispatcher(func(*taskdomain.Task) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	w := NewWorker(0, store, d, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestPoolClaimsEveryTaskExactlyOnce(t *testing.T) {
	store := newMemStore()
	const seeded = 100
	for i := 0; i < seeded; i++ {
		_, err := store.Insert(context.Background(), taskdomain.Draft{
			Service: taskdomain.ServiceUser,
			Route:   fmt.Sprintf("users/%d", i),
			Method:  taskdomain.MethodPost,
			Params:  json.RawMessage(`{}`),
		})
		require.NoError(t, err)
	}

	d := newStubDispatcher(func(*taskdomain.Task) (json.RawMessage, error) {
		return json.RawMessage(`{"done":true}`), nil
	})
	pool := NewPool(5, store, d, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		counts := store.statuses()
		if counts[taskdomain.StatusSuccess] == seeded {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatalf("only %d of %d tasks finished", counts[taskdomain.StatusSuccess], seeded)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	require.NoError(t, <-done, "pool must swallow its own cancellation")

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.seen, seeded)
	for id, count := range d.seen {
		assert.Equal(t, 1, count, "task %s dispatched %d times", id, count)
	}
}

func TestPoolReaperRequeuesStaleTasks(t *testing.T) {
	store := newMemStore()
	taskID := seedTask(t, store)

	// Claim without a worker, simulating a crash between claim and finalize.
	claimed, err := store.ClaimOnePending(context.Background())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Backdate the claim so the reaper treats it as abandoned.
	store.mu.Lock()
	store.tasks[claimed.ID].UpdatedAt = time.Now().UTC().Add(-time.Hour)
	store.mu.Unlock()

	d := newStubDispatcher(func(*taskdomain.Task) (json.RawMessage, error) {
		return json.RawMessage(`{"recovered":true}`), nil
	})
	pool := NewPool(1, store, d, logging.Nop())
	pool.EnableReaper(20*time.Millisecond, 30*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		got, err := store.GetByTaskID(context.Background(), taskID)
		require.NoError(t, err)
		if got.Status == taskdomain.StatusSuccess {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatalf("stale task never recovered, status %s", got.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	require.NoError(t, <-done)
}
