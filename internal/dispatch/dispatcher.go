// Package dispatch turns a claimed task into an outbound HTTP call and
// normalizes the response into a result payload.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	taskdomain "dispatchd/internal/domain/task"
	"dispatchd/internal/httpclient"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout caps each outbound call. Part of the dispatch contract.
const DefaultTimeout = 10 * time.Second

// StatusError reports a non-2xx response from a downstream service. The
// worker records its body as the failure result.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("downstream returned status %d", e.StatusCode)
}

// Dispatcher issues a task's outbound call and returns the normalized result.
type Dispatcher interface {
	Dispatch(ctx context.Context, t *taskdomain.Task) (json.RawMessage, error)
}

// HTTPDispatcher resolves a task's service to a configured base URL and
// performs the call with a shared http.Client.
type HTTPDispatcher struct {
	client  *http.Client
	targets map[taskdomain.Service]string
	tracer  trace.Tracer
}

var _ Dispatcher = (*HTTPDispatcher)(nil)

// NewHTTPDispatcher creates a dispatcher for the given downstream base URLs.
// A zero timeout falls back to DefaultTimeout.
func NewHTTPDispatcher(targets map[taskdomain.Service]string, timeout time.Duration) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPDispatcher{
		client:  &http.Client{Timeout: timeout},
		targets: targets,
		tracer:  otel.Tracer("dispatchd/dispatch"),
	}
}

// Dispatch performs the outbound call for a claimed task.
//
// Query-family verbs (GET, HEAD, OPTIONS) carry params as URL query
// parameters; body-family verbs carry them as a JSON body. Responses are
// normalized per the result contract; non-2xx responses surface as a
// *StatusError for the worker to record as failure.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, t *taskdomain.Task) (json.RawMessage, error) {
	base, ok := d.targets[t.Service]
	if !ok || base == "" {
		return nil, fmt.Errorf("no base URL configured for service %q", t.Service)
	}
	target := strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(t.Route, "/")

	ctx, span := d.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("task.id", t.TaskID),
			attribute.String("task.service", string(t.Service)),
			attribute.String("http.method", string(t.Method)),
		))
	defer span.End()

	req, err := d.buildRequest(ctx, t, target)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch %s %s: %w", t.Method, target, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := httpclient.ReadAllWithLimit(resp.Body, httpclient.DefaultMaxBody)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", target, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: body}
	}

	return normalizeResult(t.Method, resp, body)
}

func (d *HTTPDispatcher) buildRequest(ctx context.Context, t *taskdomain.Task, target string) (*http.Request, error) {
	if t.Method.QueryEncoded() {
		req, err := http.NewRequestWithContext(ctx, string(t.Method), target, nil)
		if err != nil {
			return nil, fmt.Errorf("build request for %s: %w", target, err)
		}
		query, err := queryFromParams(t.Params)
		if err != nil {
			return nil, err
		}
		req.URL.RawQuery = query.Encode()
		return req, nil
	}

	payload := t.Params
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	req, err := http.NewRequestWithContext(ctx, string(t.Method), target, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", target, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// queryFromParams flattens the JSON params mapping into URL query values.
func queryFromParams(params json.RawMessage) (url.Values, error) {
	values := url.Values{}
	if len(params) == 0 {
		return values, nil
	}

	var mapping map[string]any
	if err := json.Unmarshal(params, &mapping); err != nil {
		return nil, fmt.Errorf("params must be a JSON object for query encoding: %w", err)
	}
	for key, value := range mapping {
		switch v := value.(type) {
		case string:
			values.Set(key, v)
		case nil:
			values.Set(key, "")
		case float64, bool:
			values.Set(key, fmt.Sprint(v))
		default:
			// Nested structures travel as their compact JSON form.
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode query param %q: %w", key, err)
			}
			values.Set(key, string(encoded))
		}
	}
	return values, nil
}

func normalizeResult(method taskdomain.Method, resp *http.Response, body []byte) (json.RawMessage, error) {
	switch method {
	case taskdomain.MethodHead:
		return marshalResult(map[string]any{
			"status_code": resp.StatusCode,
			"headers":     flattenHeaders(resp.Header),
		})
	case taskdomain.MethodOptions:
		return marshalResult(map[string]any{
			"status_code": resp.StatusCode,
			"headers":     flattenHeaders(resp.Header),
			"text":        string(body),
		})
	}

	if isJSON(body) {
		return json.RawMessage(body), nil
	}
	return marshalResult(map[string]any{
		"status_code": resp.StatusCode,
		"text":        string(body),
	})
}

func marshalResult(payload map[string]any) (json.RawMessage, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode result payload: %w", err)
	}
	return encoded, nil
}

func flattenHeaders(header http.Header) map[string]string {
	flat := make(map[string]string, len(header))
	for key, values := range header {
		if len(values) > 0 {
			flat[strings.ToLower(key)] = values[0]
		}
	}
	return flat
}

func isJSON(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && json.Valid(trimmed)
}
