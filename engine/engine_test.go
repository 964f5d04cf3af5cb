package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/lipdiffusion/orchestrator/api"
	"github.com/lipdiffusion/orchestrator/runpod"
	"github.com/lipdiffusion/orchestrator/store"
)

// worker is a fake remote endpoint that records submitted inputs and
// answers every status poll with a fixed document.
type worker struct {
	mu     sync.Mutex
	inputs []map[string]interface{}
	status map[string]interface{}
}

func (w *worker) lastInput() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.inputs) == 0 {
		return nil
	}
	return w.inputs[len(w.inputs)-1]
}

func newWorker(t *testing.T, status map[string]interface{}) (*runpod.Endpoint, *worker) {
	t.Helper()
	w := &worker{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/run") {
			var body map[string]interface{}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			input, _ := body["input"].(map[string]interface{})
			w.mu.Lock()
			w.inputs = append(w.inputs, input)
			w.mu.Unlock()
			json.NewEncoder(rw).Encode(map[string]interface{}{"id": "job-1"}) // nolint: errcheck
			return
		}
		w.mu.Lock()
		doc := w.status
		w.mu.Unlock()
		json.NewEncoder(rw).Encode(doc) // nolint: errcheck
	}))
	t.Cleanup(srv.Close)
	endpoint, err := runpod.NewEndpoint("ep1", "secret", srv.URL, 5*time.Second)
	assert.NoError(t, err)
	t.Cleanup(func() { endpoint.Close() })
	return endpoint, w
}

func completedWith(output interface{}) map[string]interface{} {
	return map[string]interface{}{"status": "COMPLETED", "output": output}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return store.New(client, "ff:task", time.Hour, time.Hour, t.TempDir())
}

func seedTask(t *testing.T, s *store.Store, taskID string, req *api.PipelineRequest) {
	t.Helper()
	req.SetDefaults()
	now := store.NowISO()
	_, err := s.Write(context.Background(), store.Record{
		"task_id":    taskID,
		"status":     api.StatusPending,
		"state":      api.StatusPending,
		"stage":      api.StageQueued,
		"created_at": now,
		"updated_at": now,
		"request":    req.Snapshot(),
		"result":     nil,
		"error":      nil,
		"progress":   []interface{}{},
		"details":    map[string]interface{}{},
	})
	assert.NoError(t, err)
}

func progressMessages(record store.Record) []string {
	progress, _ := record["progress"].([]interface{})
	out := make([]string, 0, len(progress))
	for _, entry := range progress {
		m, _ := entry.(map[string]interface{})
		msg, _ := m["message"].(string)
		out = append(out, msg)
	}
	return out
}

func TestRunFullPipeline(t *testing.T) {
	s := newTestStore(t)
	sovits, sovitsWorker := newWorker(t, completedWith(map[string]interface{}{
		"output_key": "outputs/sovits/voice.wav",
	}))
	wav2lip, wavWorker := newWorker(t, completedWith(map[string]interface{}{
		"output_key": "outputs/wav2lip/synced.mp4",
		"wav2lip":    map[string]interface{}{"output_key": "outputs/wav2lip/synced.mp4"},
	}))
	facefusion, ffWorker := newWorker(t, completedWith(map[string]interface{}{
		"output_key": "outputs/final.mp4",
	}))
	e := New(s, sovits, wav2lip, facefusion, time.Second, time.Minute)

	req := &api.PipelineRequest{
		ScriptText:        "  こんにちは、世界  ",
		ReferenceAudioKey: "voices/ref.wav",
		TargetKey:         "videos/target.mp4",
		SourceKeys:        []string{"faces/source.png"},
	}
	seedTask(t, s, "task1", req)
	e.Run(context.Background(), "task1", req)

	record, err := s.Get(context.Background(), "task1")
	assert.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, record["status"])
	assert.Equal(t, api.StatusCompleted, record["state"])
	assert.Equal(t, api.StageCompleted, record["stage"])
	assert.Nil(t, record["error"])

	result := record["result"].(map[string]interface{})
	assert.Equal(t, "outputs/final.mp4", result["output_key"])
	intermediate := result["intermediate"].(map[string]interface{})
	assert.Contains(t, intermediate, "sovits")
	assert.Contains(t, intermediate, "wav2lip")

	details := record["details"].(map[string]interface{})
	assert.Equal(t, "job-1", details["sovits_job_id"])
	assert.Equal(t, "job-1", details["wav2lip_job_id"])
	assert.Equal(t, "job-1", details["facefusion_job_id"])
	assert.Contains(t, details, "sovits_status")
	assert.Contains(t, details, "wav2lip_status")
	assert.Contains(t, details, "facefusion_status")

	assert.Equal(t, []string{
		"Submitting SoVITS job",
		"SoVITS job submitted",
		"SoVITS completed",
		"Submitting Wav2Lip job",
		"Wav2Lip job submitted",
		"Wav2Lip completed",
		"Submitting FaceFusion job",
		"FaceFusion job submitted",
		"FaceFusion completed",
		"Pipeline completed",
	}, progressMessages(record))

	// the voice stage forces a free-form reference transcript
	sovitsInput := sovitsWorker.lastInput()
	assert.Equal(t, "voices/ref.wav", sovitsInput["reference_audio_key"])
	assert.Equal(t, "こんにちは、世界", sovitsInput["target_text"])
	assert.Equal(t, "", sovitsInput["reference_text"])
	assert.Equal(t, true, sovitsInput["ref_text_free"])

	// downstream stages consume the synthesized audio
	wavInput := wavWorker.lastInput()
	assert.Equal(t, "outputs/sovits/voice.wav", wavInput["audio_key"])
	assert.Equal(t, "videos/target.mp4", wavInput["target_key"])

	// the face-swap payload unwraps the lip-sync stage result
	ffInput := ffWorker.lastInput()
	assert.Equal(t, map[string]interface{}{"output_key": "outputs/wav2lip/synced.mp4"}, ffInput["wav2lip"])
	assert.Contains(t, ffInput, "request")
}

func TestRunAudioOnly(t *testing.T) {
	s := newTestStore(t)
	sovits, _ := newWorker(t, completedWith(map[string]interface{}{
		"output_key": "outputs/sovits/voice.wav",
	}))
	e := New(s, sovits, nil, nil, time.Second, time.Minute)

	req := &api.PipelineRequest{
		ScriptText:        "こんにちは",
		ReferenceAudioKey: "voices/ref.wav",
	}
	seedTask(t, s, "task1", req)
	e.Run(context.Background(), "task1", req)

	record, err := s.Get(context.Background(), "task1")
	assert.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, record["status"])
	result := record["result"].(map[string]interface{})
	assert.Equal(t, "outputs/sovits/voice.wav", result["output_key"])
	assert.Contains(t, progressMessages(record), "Audio-only pipeline completed")
}

func TestRunAudioOnlyPassthrough(t *testing.T) {
	s := newTestStore(t)
	e := New(s, nil, nil, nil, time.Second, time.Minute)

	req := &api.PipelineRequest{AudioKey: "audio/existing.wav"}
	seedTask(t, s, "task1", req)
	e.Run(context.Background(), "task1", req)

	record, err := s.Get(context.Background(), "task1")
	assert.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, record["status"])
	result := record["result"].(map[string]interface{})
	assert.Equal(t, "audio/existing.wav", result["output_key"])
}

func TestRunAudioBase64Passthrough(t *testing.T) {
	s := newTestStore(t)
	e := New(s, nil, nil, nil, time.Second, time.Minute)

	req := &api.PipelineRequest{AudioBase64: "UklGRg=="}
	seedTask(t, s, "task1", req)
	e.Run(context.Background(), "task1", req)

	record, err := s.Get(context.Background(), "task1")
	assert.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, record["status"])
	result := record["result"].(map[string]interface{})
	assert.Equal(t, "UklGRg==", result["audio_base64"])
}

func TestRunOutputErrorWinsOverTag(t *testing.T) {
	s := newTestStore(t)
	wav2lip, _ := newWorker(t, map[string]interface{}{
		"status": "FAILED",
		"output": map[string]interface{}{"error": "oom"},
	})
	e := New(s, nil, wav2lip, nil, time.Second, time.Minute)

	req := &api.PipelineRequest{
		AudioKey:  "audio/speech.wav",
		TargetKey: "videos/target.mp4",
	}
	seedTask(t, s, "task1", req)
	e.Run(context.Background(), "task1", req)

	record, err := s.Get(context.Background(), "task1")
	assert.NoError(t, err)
	errPayload := record["error"].(map[string]interface{})
	assert.Equal(t, "runpod_output_error", errPayload["error"])
	assert.Equal(t, map[string]interface{}{"error": "oom"}, errPayload["detail"])
}

func TestRunLipSyncOnly(t *testing.T) {
	s := newTestStore(t)
	// bare string output from the lip-sync worker
	wav2lip, _ := newWorker(t, completedWith("s3://bucket/out.mp4"))
	e := New(s, nil, wav2lip, nil, time.Second, time.Minute)

	req := &api.PipelineRequest{
		AudioKey:  "audio/speech.wav",
		TargetKey: "videos/target.mp4",
	}
	seedTask(t, s, "task1", req)
	e.Run(context.Background(), "task1", req)

	record, err := s.Get(context.Background(), "task1")
	assert.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, record["status"])
	result := record["result"].(map[string]interface{})
	assert.Equal(t, "s3://bucket/out.mp4", result["output_url"])

	messages := progressMessages(record)
	assert.NotContains(t, messages, "Submitting SoVITS job")
	assert.NotContains(t, messages, "Submitting FaceFusion job")
	assert.Contains(t, messages, "Pipeline completed")
}

func TestRunRetainIntermediateOff(t *testing.T) {
	s := newTestStore(t)
	sovits, _ := newWorker(t, completedWith(map[string]interface{}{
		"output_key": "outputs/sovits/voice.wav",
	}))
	wav2lip, _ := newWorker(t, completedWith(map[string]interface{}{
		"output_key": "outputs/wav2lip/synced.mp4",
	}))
	e := New(s, sovits, wav2lip, nil, time.Second, time.Minute)

	retain := false
	req := &api.PipelineRequest{
		ScriptText:         "こんにちは",
		ReferenceAudioKey:  "voices/ref.wav",
		TargetKey:          "videos/target.mp4",
		RetainIntermediate: &retain,
	}
	seedTask(t, s, "task1", req)
	e.Run(context.Background(), "task1", req)

	record, err := s.Get(context.Background(), "task1")
	assert.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, record["status"])
	result := record["result"].(map[string]interface{})
	assert.NotContains(t, result, "intermediate")
}

func TestRunStageFailure(t *testing.T) {
	s := newTestStore(t)
	wav2lip, _ := newWorker(t, map[string]interface{}{
		"status": "FAILED",
		"output": map[string]interface{}{"reason": "cuda out of memory"},
	})
	e := New(s, nil, wav2lip, nil, time.Second, time.Minute)

	req := &api.PipelineRequest{
		AudioKey:  "audio/speech.wav",
		TargetKey: "videos/target.mp4",
	}
	seedTask(t, s, "task1", req)
	e.Run(context.Background(), "task1", req)

	record, err := s.Get(context.Background(), "task1")
	assert.NoError(t, err)
	assert.Equal(t, api.StatusFailed, record["status"])
	assert.Equal(t, api.StatusFailed, record["state"])
	assert.Equal(t, api.StageFailed, record["stage"])

	errPayload := record["error"].(map[string]interface{})
	assert.Equal(t, "runpod_job_failed", errPayload["error"])
	assert.Contains(t, progressMessages(record), "Pipeline failed")
}

func TestRunMissingAudio(t *testing.T) {
	s := newTestStore(t)
	wav2lip, _ := newWorker(t, completedWith(map[string]interface{}{}))
	e := New(s, nil, wav2lip, nil, time.Second, time.Minute)

	req := &api.PipelineRequest{TargetKey: "videos/target.mp4"}
	seedTask(t, s, "task1", req)
	e.Run(context.Background(), "task1", req)

	record, err := s.Get(context.Background(), "task1")
	assert.NoError(t, err)
	assert.Equal(t, api.StatusFailed, record["status"])
	errPayload := record["error"].(map[string]interface{})
	assert.Equal(t, "missing_audio_key", errPayload["error"])
}

func TestRunSovitsNotConfigured(t *testing.T) {
	s := newTestStore(t)
	e := New(s, nil, nil, nil, time.Second, time.Minute)

	req := &api.PipelineRequest{
		ScriptText:        "こんにちは",
		ReferenceAudioKey: "voices/ref.wav",
	}
	seedTask(t, s, "task1", req)
	e.Run(context.Background(), "task1", req)

	record, err := s.Get(context.Background(), "task1")
	assert.NoError(t, err)
	assert.Equal(t, api.StatusFailed, record["status"])
	errPayload := record["error"].(map[string]interface{})
	assert.Equal(t, "sovits_not_configured", errPayload["error"])
}

func TestRunCancelled(t *testing.T) {
	s := newTestStore(t)
	wav2lip, _ := newWorker(t, map[string]interface{}{"status": "IN_PROGRESS"})
	e := New(s, nil, wav2lip, nil, time.Second, time.Minute)

	req := &api.PipelineRequest{
		AudioKey:  "audio/speech.wav",
		TargetKey: "videos/target.mp4",
	}
	seedTask(t, s, "task1", req)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx, "task1", req)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}

	// no terminal record: the task stays in its last observed state
	record, err := s.Get(context.Background(), "task1")
	assert.NoError(t, err)
	assert.Equal(t, api.StatusRunning, record["status"])
	assert.Nil(t, record["error"])
	assert.NotContains(t, progressMessages(record), "Pipeline failed")
}
