// Package engine drives one task through the conditional stage DAG of
// remote jobs: voice synthesis, lip-sync, face swap.
package engine

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lipdiffusion/orchestrator/api"
	"github.com/lipdiffusion/orchestrator/errors"
	"github.com/lipdiffusion/orchestrator/logger"
	"github.com/lipdiffusion/orchestrator/runpod"
	"github.com/lipdiffusion/orchestrator/store"
)

// Engine executes tasks. All endpoints are optional; a nil endpoint
// fails the stages that need it.
type Engine struct {
	store        *store.Store
	sovits       *runpod.Endpoint
	wav2lip      *runpod.Endpoint
	facefusion   *runpod.Endpoint
	pollInterval time.Duration
	jobTimeout   time.Duration
}

// New returns an engine writing through the given store.
func New(s *store.Store, sovits, wav2lip, facefusion *runpod.Endpoint, pollInterval, jobTimeout time.Duration) *Engine {
	return &Engine{
		store:        s,
		sovits:       sovits,
		wav2lip:      wav2lip,
		facefusion:   facefusion,
		pollInterval: pollInterval,
		jobTimeout:   jobTimeout,
	}
}

// Wav2LipConfigured reports whether the lip-sync worker is available.
// The manager rejects requests that imply lip-sync when it is not.
func (e *Engine) Wav2LipConfigured() bool {
	return e.wav2lip != nil
}

// Run executes the task to a terminal state. The engine owns the task
// record for the duration of the run; it is the only writer. A
// cancelled run leaves the record in its last observed state and
// writes no terminal record.
func (e *Engine) Run(ctx context.Context, taskID string, req *api.PipelineRequest) {
	log := logger.FromContext(ctx).WithField("task_id", taskID)
	err := e.execute(ctx, taskID, req, log)
	if err == nil {
		return
	}
	if ctx.Err() != nil || stderrors.Is(err, context.Canceled) {
		log.Warnln("engine: task cancelled, leaving record as-is")
		return
	}

	payload := errors.Payload(err)
	log.WithField("error", payload).Errorln("engine: task failed")
	if _, serr := e.store.UpdateFields(ctx, taskID, store.Record{
		"status": api.StatusFailed,
		"state":  api.StatusFailed,
		"stage":  api.StageFailed,
		"error":  payload,
	}); serr != nil {
		log.WithError(serr).Errorln("engine: failed to write terminal record")
		return
	}
	if serr := e.store.AppendProgress(ctx, taskID, "Pipeline failed", api.StageFailed, payload); serr != nil {
		log.WithError(serr).Errorln("engine: failed to append terminal progress")
	}
}

func (e *Engine) execute(ctx context.Context, taskID string, req *api.PipelineRequest, log *logrus.Entry) error {
	plan := PlanFor(req)
	intermediate := map[string]interface{}{}
	var sovitsResult map[string]interface{}

	if plan.Sovits {
		result, err := e.runSovits(ctx, taskID, req, log)
		if err != nil {
			return err
		}
		sovitsResult = result
		intermediate["sovits"] = sovitsResult
	} else if req.AudioKey == "" && req.AudioBase64 == "" {
		return errors.NewStage(errors.TagMissingAudioKey, "audio_key or audio_base64 is required")
	}

	// Audio-only path: no target video and no face-swap sources.
	if !plan.Wav2Lip {
		final := map[string]interface{}{}
		if sovitsResult != nil {
			for k, v := range sovitsResult {
				final[k] = v
			}
		} else if req.AudioKey != "" {
			final["output_key"] = req.AudioKey
		} else {
			final["audio_base64"] = req.AudioBase64
		}
		if _, err := e.store.UpdateFields(ctx, taskID, store.Record{
			"status": api.StatusCompleted,
			"state":  api.StatusCompleted,
			"stage":  api.StageCompleted,
			"result": final,
			"error":  nil,
		}); err != nil {
			return err
		}
		return e.store.AppendProgress(ctx, taskID, "Audio-only pipeline completed", api.StageCompleted, nil)
	}

	wavResult, err := e.runWav2Lip(ctx, taskID, req, intermediate, log)
	if err != nil {
		return err
	}

	final := map[string]interface{}{}
	for k, v := range wavResult {
		final[k] = v
	}

	if plan.FaceFusion {
		final, err = e.runFaceFusion(ctx, taskID, req, wavResult, log)
		if err != nil {
			return err
		}
	}

	if req.KeepIntermediate() && len(intermediate) > 0 {
		merged, _ := final["intermediate"].(map[string]interface{})
		if merged == nil {
			merged = map[string]interface{}{}
		}
		for k, v := range intermediate {
			merged[k] = v
		}
		final["intermediate"] = merged
	}

	if _, err := e.store.UpdateFields(ctx, taskID, store.Record{
		"status": api.StatusCompleted,
		"state":  api.StatusCompleted,
		"stage":  api.StageCompleted,
		"result": final,
		"error":  nil,
	}); err != nil {
		return err
	}
	return e.store.AppendProgress(ctx, taskID, "Pipeline completed", api.StageCompleted, nil)
}

// runSovits synthesizes audio from the script text, then rewrites the
// request's audio fields so downstream stages consume the generated
// audio.
func (e *Engine) runSovits(ctx context.Context, taskID string, req *api.PipelineRequest, log *logrus.Entry) (map[string]interface{}, error) {
	if e.sovits == nil {
		return nil, errors.NewStage(errors.TagSovitsNotConfigured, "RUNPOD_SOVITS_ENDPOINT is required for SoVITS")
	}
	voiceKey := req.ReferenceAudioKey
	if voiceKey == "" {
		voiceKey = req.AudioKey
	}
	if voiceKey == "" {
		return nil, errors.NewStage(errors.TagMissingReferenceAudio, "reference_audio_key or audio_key is required")
	}

	if _, err := e.store.UpdateFields(ctx, taskID, store.Record{
		"status": api.StatusRunning,
		"state":  api.StatusRunning,
		"stage":  api.StageSovits,
	}); err != nil {
		return nil, err
	}
	if err := e.store.AppendProgress(ctx, taskID, "Submitting SoVITS job", api.StageSovits, nil); err != nil {
		return nil, err
	}

	payload := sovitsPayload(req, voiceKey)
	jobID, err := e.sovits.Submit(ctx, payload)
	if err != nil {
		return nil, err
	}
	log.WithField("job_id", jobID).Infoln("engine: sovits job submitted")
	if _, err := e.store.UpdateFields(ctx, taskID, store.Record{
		"details": map[string]interface{}{"sovits_job_id": jobID},
	}); err != nil {
		return nil, err
	}
	if err := e.store.AppendProgress(ctx, taskID, "SoVITS job submitted", api.StageSovits,
		map[string]interface{}{"job_id": jobID}); err != nil {
		return nil, err
	}

	status, err := e.sovits.Wait(ctx, jobID, e.pollInterval, e.jobTimeout)
	if err != nil {
		return nil, err
	}
	output := status.OutputMap()
	if output == nil {
		return nil, errors.NewStage(errors.TagNoSovitsOutput, map[string]interface{}(status))
	}
	outputKey, _ := output["output_key"].(string)
	if outputKey == "" {
		return nil, errors.NewStage(errors.TagMissingSovitsOutputKey, output)
	}

	// The generated audio replaces the request's audio for every
	// downstream stage.
	if b64, ok := output["audio_base64"].(string); ok && b64 != "" {
		req.AudioBase64 = b64
	}
	req.AudioKey = outputKey
	req.ReferenceAudioKey = voiceKey

	if _, err := e.store.UpdateFields(ctx, taskID, store.Record{
		"details":      map[string]interface{}{"sovits_status": map[string]interface{}(status)},
		"intermediate": map[string]interface{}{"sovits": output},
	}); err != nil {
		return nil, err
	}
	if err := e.store.AppendProgress(ctx, taskID, "SoVITS completed", api.StageSovits, nil); err != nil {
		return nil, err
	}
	return output, nil
}

// sovitsPayload builds the voice-synthesis payload. The reference
// transcript is forced empty and ref_text_free forced on, regardless
// of caller input.
func sovitsPayload(req *api.PipelineRequest, voiceKey string) map[string]interface{} {
	options, ok := store.Sanitize(req.Sovits).(map[string]interface{})
	if !ok {
		options = map[string]interface{}{}
	}
	outputKey, _ := options["output_key"].(string)
	delete(options, "output_key")
	delete(options, "reference_text")
	delete(options, "reference_text_key")
	options["ref_text_free"] = true

	if req.Sovits.OutputKey != "" {
		outputKey = req.Sovits.OutputKey
	}
	payload := map[string]interface{}{
		"reference_audio_key": voiceKey,
		"target_text":         strings.TrimSpace(req.ScriptText),
		"reference_text":      "",
		"ref_text_free":       true,
		"options":             options,
	}
	if outputKey != "" {
		payload["output_key"] = outputKey
	}
	return payload
}

func (e *Engine) runWav2Lip(ctx context.Context, taskID string, req *api.PipelineRequest, intermediate map[string]interface{}, log *logrus.Entry) (map[string]interface{}, error) {
	if req.AudioKey == "" && req.AudioBase64 == "" {
		return nil, errors.NewStage(errors.TagMissingAudioKey, "audio_key or audio_base64 is required")
	}
	if e.wav2lip == nil {
		return nil, stderrors.New("wav2lip required")
	}

	if _, err := e.store.UpdateFields(ctx, taskID, store.Record{
		"status": api.StatusRunning,
		"state":  api.StatusRunning,
		"stage":  api.StageWav2Lip,
	}); err != nil {
		return nil, err
	}
	if err := e.store.AppendProgress(ctx, taskID, "Submitting Wav2Lip job", api.StageWav2Lip, nil); err != nil {
		return nil, err
	}

	jobID, err := e.wav2lip.Submit(ctx, req.Snapshot())
	if err != nil {
		return nil, err
	}
	log.WithField("job_id", jobID).Infoln("engine: wav2lip job submitted")
	if _, err := e.store.UpdateFields(ctx, taskID, store.Record{
		"details": map[string]interface{}{"wav2lip_job_id": jobID},
	}); err != nil {
		return nil, err
	}
	if err := e.store.AppendProgress(ctx, taskID, "Wav2Lip job submitted", api.StageWav2Lip,
		map[string]interface{}{"job_id": jobID}); err != nil {
		return nil, err
	}

	status, err := e.wav2lip.Wait(ctx, jobID, e.pollInterval, e.jobTimeout)
	if err != nil {
		return nil, err
	}

	var result map[string]interface{}
	switch output := status.Output().(type) {
	case map[string]interface{}:
		result = output
	case string:
		result = map[string]interface{}{"output_url": output}
	default:
		return nil, errors.NewStage(errors.TagNoWav2LipOutput, map[string]interface{}(status))
	}

	intermediate["wav2lip"] = result
	if _, err := e.store.UpdateFields(ctx, taskID, store.Record{
		"intermediate": intermediate,
		"details":      map[string]interface{}{"wav2lip_status": map[string]interface{}(status)},
	}); err != nil {
		return nil, err
	}
	if err := e.store.AppendProgress(ctx, taskID, "Wav2Lip completed", api.StageWav2Lip, nil); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) runFaceFusion(ctx context.Context, taskID string, req *api.PipelineRequest, wavResult map[string]interface{}, log *logrus.Entry) (map[string]interface{}, error) {
	if e.facefusion == nil {
		return nil, errors.NewStage(errors.TagFaceFusionNotConfigured, "RUNPOD_FACEFUSION_ENDPOINT is required for facefusion")
	}

	if _, err := e.store.UpdateFields(ctx, taskID, store.Record{
		"stage": api.StageFaceFusion,
	}); err != nil {
		return nil, err
	}
	if err := e.store.AppendProgress(ctx, taskID, "Submitting FaceFusion job", api.StageFaceFusion, nil); err != nil {
		return nil, err
	}

	// Lip-sync workers wrap their stage result under a wav2lip key;
	// unwrap it when present so the face-swap worker sees the stage
	// output itself.
	var wavPayload interface{} = wavResult
	if inner, ok := wavResult["wav2lip"]; ok {
		wavPayload = inner
	}
	payload := map[string]interface{}{
		"request": req.Snapshot(),
		"wav2lip": wavPayload,
	}

	jobID, err := e.facefusion.Submit(ctx, payload)
	if err != nil {
		return nil, err
	}
	log.WithField("job_id", jobID).Infoln("engine: facefusion job submitted")
	if _, err := e.store.UpdateFields(ctx, taskID, store.Record{
		"details": map[string]interface{}{"facefusion_job_id": jobID},
	}); err != nil {
		return nil, err
	}
	if err := e.store.AppendProgress(ctx, taskID, "FaceFusion job submitted", api.StageFaceFusion,
		map[string]interface{}{"job_id": jobID}); err != nil {
		return nil, err
	}

	status, err := e.facefusion.Wait(ctx, jobID, e.pollInterval, e.jobTimeout)
	if err != nil {
		return nil, err
	}
	output := status.OutputMap()
	if output == nil {
		return nil, errors.NewStage(errors.TagNoFaceFusionOutput, map[string]interface{}(status))
	}

	if err := e.store.AppendProgress(ctx, taskID, "FaceFusion completed", api.StageFaceFusion, nil); err != nil {
		return nil, err
	}
	if _, err := e.store.UpdateFields(ctx, taskID, store.Record{
		"details": map[string]interface{}{"facefusion_status": map[string]interface{}(status)},
	}); err != nil {
		return nil, err
	}
	return output, nil
}
