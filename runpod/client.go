// Package runpod implements the submit/poll protocol spoken by the
// remote GPU worker endpoints.
package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	stageerrors "github.com/lipdiffusion/orchestrator/errors"
	"github.com/lipdiffusion/orchestrator/logger"
)

// Status tags a worker may report. Anything else is treated as still
// in flight.
var (
	successStates = map[string]struct{}{
		"COMPLETED":         {},
		"COMPLETED_SUCCESS": {},
		"SUCCEEDED":         {},
	}
	failureStates = map[string]struct{}{
		"FAILED":          {},
		"FAILED_INTERNAL": {},
		"CANCELLED":       {},
		"ERROR":           {},
	}
)

// JobStatus is the raw status document returned by a worker.
type JobStatus map[string]interface{}

// State returns the normalized upper-case status tag, taken from the
// first present of status, state.
func (s JobStatus) State() string {
	for _, key := range []string{"status", "state"} {
		if v, ok := s[key]; ok && v != nil {
			return strings.ToUpper(fmt.Sprintf("%v", v))
		}
	}
	return ""
}

// Output returns the job output, which may be a mapping, a string, or
// absent.
func (s JobStatus) Output() interface{} {
	return s["output"]
}

// OutputMap returns the job output as a mapping, or nil when the
// output has another shape.
func (s JobStatus) OutputMap() map[string]interface{} {
	if m, ok := s["output"].(map[string]interface{}); ok {
		return m
	}
	return nil
}

// Endpoint is a client for one remote worker endpoint.
type Endpoint struct {
	endpointID string
	apiKey     string
	baseURL    string
	client     *http.Client
	cancel     context.CancelFunc
	closed     context.Context
}

// sanitizeConfigValue strips control characters that break downstream
// HTTP clients and trims whitespace.
func sanitizeConfigValue(value string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r < ' ' || r == 0x7f {
			return -1
		}
		return r
	}, value)
	return strings.TrimSpace(cleaned)
}

// NewEndpoint returns a client for a single worker endpoint. All
// configuration strings are sanitized; an empty result is an error.
func NewEndpoint(endpointID, apiKey, baseURL string, timeout time.Duration) (*Endpoint, error) {
	endpointID = sanitizeConfigValue(endpointID)
	apiKey = sanitizeConfigValue(apiKey)
	baseURL = sanitizeConfigValue(baseURL)
	if endpointID == "" {
		return nil, errors.New("runpod: endpoint ID is empty after sanitizing control characters")
	}
	if apiKey == "" {
		return nil, errors.New("runpod: API key is empty after sanitizing control characters")
	}
	if baseURL == "" {
		return nil, errors.New("runpod: base URL is empty after sanitizing control characters")
	}
	closed, cancel := context.WithCancel(context.Background())
	return &Endpoint{
		endpointID: endpointID,
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: timeout},
		cancel:     cancel,
		closed:     closed,
	}, nil
}

func (e *Endpoint) url(suffix string) string {
	return fmt.Sprintf("%s/%s%s", e.baseURL, e.endpointID, suffix)
}

func (e *Endpoint) do(ctx context.Context, method, url string, body interface{}) (*http.Response, error) {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")
	return e.client.Do(req)
}

// Submit posts a payload to the endpoint's run resource and returns
// the remote job ID.
func (e *Endpoint) Submit(ctx context.Context, payload map[string]interface{}) (string, error) {
	ctx, cancel := e.requestContext(ctx)
	defer cancel()

	resp, err := e.do(ctx, http.MethodPost, e.url("/run"), map[string]interface{}{"input": payload})
	if err != nil {
		return "", stageerrors.NewStage(stageerrors.TagSubmitFailed, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(resp.Body)
		return "", stageerrors.NewStage(stageerrors.TagSubmitFailed,
			fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, raw))
	}

	data := map[string]interface{}{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", stageerrors.NewStage(stageerrors.TagSubmitFailed, err.Error())
	}
	for _, key := range []string{"id", "jobId", "job_id"} {
		if v, ok := data[key].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", stageerrors.NewStage(stageerrors.TagSubmitFailed, data)
}

// Status fetches the raw status of a remote job. Some worker gateways
// reject GET on the status resource; a 405 is retried once as a POST
// with an empty body.
func (e *Endpoint) Status(ctx context.Context, jobID string) (JobStatus, error) {
	ctx, cancel := e.requestContext(ctx)
	defer cancel()

	url := e.url("/status/" + jobID)
	resp, err := e.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, stageerrors.NewStage(stageerrors.TagStatusFailed, err.Error())
	}
	if resp.StatusCode == http.StatusMethodNotAllowed {
		resp.Body.Close()
		resp, err = e.do(ctx, http.MethodPost, url, map[string]interface{}{})
		if err != nil {
			return nil, stageerrors.NewStage(stageerrors.TagStatusFailed, err.Error())
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, stageerrors.NewStage(stageerrors.TagStatusFailed,
			fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, raw))
	}

	status := JobStatus{}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, stageerrors.NewStage(stageerrors.TagStatusFailed, err.Error())
	}
	return status, nil
}

// Wait polls the job until it reaches a terminal state or the timeout
// elapses. The timeout is measured on the monotonic clock. A zero
// timeout waits forever.
func (e *Endpoint) Wait(ctx context.Context, jobID string, pollInterval, timeout time.Duration) (JobStatus, error) {
	if pollInterval < time.Second {
		pollInterval = time.Second
	}
	start := time.Now()
	for {
		status, err := e.Status(ctx, jobID)
		if err != nil {
			return nil, err
		}

		state := status.State()
		output := status.Output()

		// An error key in the output wins over the status tag: some
		// workers report COMPLETED around a failed inference.
		if m := status.OutputMap(); m != nil {
			if v, ok := m["error"]; ok && v != nil {
				return nil, stageerrors.NewStage(stageerrors.TagOutputError, m)
			}
		}

		if _, ok := successStates[state]; ok || (state == "" && output != nil) {
			return status, nil
		}
		if _, ok := failureStates[state]; ok {
			var detail interface{} = map[string]interface{}(status)
			if m := status.OutputMap(); m != nil {
				detail = m
			}
			return nil, stageerrors.NewStage(stageerrors.TagJobFailed, detail)
		}

		if timeout > 0 && time.Since(start) > timeout {
			return nil, stageerrors.NewStage(stageerrors.TagJobTimeout,
				map[string]interface{}{"job_id": jobID, "status": state})
		}

		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.closed.Done():
			return nil, errors.New("runpod: endpoint closed")
		}
	}
}

// requestContext ties a request to both the caller's context and the
// endpoint's lifetime, so Close aborts in-flight calls.
func (e *Endpoint) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.closed, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Close aborts in-flight requests and releases idle connections.
// Pending waits observe the closure at their next poll boundary.
func (e *Endpoint) Close() error {
	e.cancel()
	e.client.CloseIdleConnections()
	logger.L.WithField("endpoint", e.endpointID).Debugln("runpod: endpoint closed")
	return nil
}
