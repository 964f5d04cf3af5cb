package manager

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/lipdiffusion/orchestrator/api"
	"github.com/lipdiffusion/orchestrator/engine"
	"github.com/lipdiffusion/orchestrator/errors"
	"github.com/lipdiffusion/orchestrator/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.New(client, "ff:task", time.Hour, time.Hour, t.TempDir())
	eng := engine.New(s, nil, nil, nil, time.Second, time.Minute)
	return New(s, eng, nil, time.Second)
}

func TestNewTaskID(t *testing.T) {
	a := newTaskID()
	b := newTaskID()
	assert.Len(t, a, 32)
	assert.Regexp(t, "^[0-9a-f]{32}$", a)
	assert.NotEqual(t, a, b)
}

func TestSubmitRequiresLipSyncWorker(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Submit(context.Background(), &api.PipelineRequest{
		AudioKey:  "audio/speech.wav",
		TargetKey: "videos/target.mp4",
	})
	assert.Error(t, err)
	_, ok := err.(*errors.BadRequestError)
	assert.True(t, ok)
}

func TestSubmitAndWait(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	taskID, err := m.Submit(ctx, &api.PipelineRequest{AudioKey: "audio/speech.wav"})
	assert.NoError(t, err)
	assert.NotEmpty(t, taskID)

	record, err := m.GetTask(ctx, taskID)
	assert.NoError(t, err)
	assert.Equal(t, taskID, record["task_id"])
	assert.Contains(t, record, "request")
	assert.Contains(t, record, "created_at")

	record, err = m.WaitForCompletion(ctx, taskID, 10*time.Second)
	assert.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, record["status"])
	result := record["result"].(map[string]interface{})
	assert.Equal(t, "audio/speech.wav", result["output_key"])
}

func TestGetTaskUnknown(t *testing.T) {
	m := newTestManager(t)
	record, err := m.GetTask(context.Background(), "nope")
	assert.NoError(t, err)
	assert.Nil(t, record)
}

func TestWaitForCompletionUnknown(t *testing.T) {
	m := newTestManager(t)
	_, err := m.WaitForCompletion(context.Background(), "nope", time.Second)
	_, ok := err.(*errors.NotFoundError)
	assert.True(t, ok)
}

func TestClose(t *testing.T) {
	m := newTestManager(t)
	taskID, err := m.Submit(context.Background(), &api.PipelineRequest{AudioKey: "audio/speech.wav"})
	assert.NoError(t, err)
	assert.NotEmpty(t, taskID)
	assert.NoError(t, m.Close())
}
