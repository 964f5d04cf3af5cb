// Package manager tracks background stage-runners and exposes the
// submit/get/wait operations consumed by the HTTP layer.
package manager

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/lipdiffusion/orchestrator/api"
	"github.com/lipdiffusion/orchestrator/engine"
	"github.com/lipdiffusion/orchestrator/errors"
	"github.com/lipdiffusion/orchestrator/internal/safego"
	"github.com/lipdiffusion/orchestrator/logger"
	"github.com/lipdiffusion/orchestrator/runpod"
	"github.com/lipdiffusion/orchestrator/store"
)

// Manager owns the task store, the worker clients, and one goroutine
// per in-flight task.
type Manager struct {
	store        *store.Store
	engine       *engine.Engine
	endpoints    []*runpod.Endpoint
	pollInterval time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	runners sync.WaitGroup
}

// New returns a manager. Endpoints are closed on Close; nil entries
// are permitted for unconfigured workers.
func New(s *store.Store, eng *engine.Engine, endpoints []*runpod.Endpoint, pollInterval time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:        s,
		engine:       eng,
		endpoints:    endpoints,
		pollInterval: pollInterval,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// newTaskID allocates a 128-bit hex identifier.
func newTaskID() string {
	id, err := uuid.NewV4()
	if err != nil {
		// NewV4 only fails when the system entropy source does;
		// surfacing that as a panic matches rand.Read behavior.
		panic(err)
	}
	return hex.EncodeToString(id.Bytes())
}

// Submit validates the request, writes the initial queued record, and
// spawns a detached stage-runner. It returns the task ID immediately.
func (m *Manager) Submit(ctx context.Context, req *api.PipelineRequest) (string, error) {
	needsWav2Lip := req.TargetKey != "" || len(req.SourceKeys) > 0
	if needsWav2Lip && !m.engine.Wav2LipConfigured() {
		return "", &errors.BadRequestError{
			Msg: "RUNPOD_WAV2LIP_ENDPOINT and RUNPOD_API_KEY are required when target/source are provided",
		}
	}

	req.SetDefaults()
	taskID := newTaskID()
	now := store.NowISO()
	record := store.Record{
		"task_id":      taskID,
		"status":       api.StatusPending,
		"state":        api.StatusPending,
		"stage":        api.StageQueued,
		"created_at":   now,
		"updated_at":   now,
		"request":      req.Snapshot(),
		"result":       nil,
		"error":        nil,
		"progress":     []interface{}{},
		"intermediate": nil,
		"details":      map[string]interface{}{},
	}
	if _, err := m.store.Write(ctx, record); err != nil {
		return "", err
	}

	safego.SafeGoWithWaitGroup("stage-runner", &m.runners, func() {
		log := logger.L.WithField("task_id", taskID)
		runCtx := logger.WithContext(m.ctx, log)
		log.Infoln("manager: starting stage runner")
		m.engine.Run(runCtx, taskID, req)
	})

	return taskID, nil
}

// GetTask returns the task record, or nil when unknown.
func (m *Manager) GetTask(ctx context.Context, taskID string) (store.Record, error) {
	return m.store.Get(ctx, taskID)
}

// WaitForCompletion polls the store until the record is terminal.
// Polling, not notification, so observers in a process without the
// live stage-runner see the same semantics. A zero timeout waits
// forever.
func (m *Manager) WaitForCompletion(ctx context.Context, taskID string, timeout time.Duration) (store.Record, error) {
	poll := m.pollInterval
	if poll < time.Second {
		poll = time.Second
	}
	start := time.Now()
	for {
		record, err := m.store.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if record == nil {
			return nil, &errors.NotFoundError{Msg: "Task not found"}
		}
		if status, _ := record["status"].(string); status == api.StatusCompleted || status == api.StatusFailed {
			return record, nil
		}
		if timeout > 0 && time.Since(start) > timeout {
			return nil, context.DeadlineExceeded
		}
		select {
		case <-time.After(poll):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close cancels every in-flight stage-runner, closes the worker
// clients, then closes the store. Remote jobs already submitted are
// not retracted; their results are abandoned.
func (m *Manager) Close() error {
	m.cancel()
	m.runners.Wait()

	var result *multierror.Error
	for _, endpoint := range m.endpoints {
		if endpoint == nil {
			continue
		}
		if err := endpoint.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := m.store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
