// Package api defines the request and response types exchanged with
// clients and persisted in task records.
package api

import (
	"encoding/json"
)

// Task lifecycle values. The status and state fields always carry the
// same value; both are kept for client back-compat.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Stage tags recorded on a task.
const (
	StageQueued     = "queued"
	StageSovits     = "sovits"
	StageWav2Lip    = "wav2lip"
	StageFaceFusion = "facefusion"
	StageCompleted  = "completed"
	StageFailed     = "failed"
)

// SovitsOptions configures the voice-synthesis worker.
type SovitsOptions struct {
	ReferenceText  string  `json:"reference_text,omitempty"`
	OutputPrefix   string  `json:"output_prefix,omitempty"`
	OutputKey      string  `json:"output_key,omitempty"`
	GptModel       string  `json:"gpt_model,omitempty"`
	SovitsModel    string  `json:"sovits_model,omitempty"`
	RefLanguage    string  `json:"ref_language,omitempty"`
	TargetLanguage string  `json:"target_language,omitempty"`
	Cut            string  `json:"cut,omitempty"`
	TopP           float64 `json:"top_p,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
	SampleSteps    int     `json:"sample_steps,omitempty"`
	PauseSecond    float64 `json:"pause_second,omitempty"`
	WithProsody    bool    `json:"with_prosody,omitempty"`
	RefTextFree    bool    `json:"ref_text_free,omitempty"`
}

// Wav2LipOptions configures the lip-sync worker. The orchestrator
// passes these through untouched.
type Wav2LipOptions struct {
	CheckpointPath    string   `json:"checkpoint_path,omitempty"`
	Enhancer          string   `json:"enhancer,omitempty"`
	Blending          int      `json:"blending,omitempty"`
	Denoise           bool     `json:"denoise,omitempty"`
	FaceMode          int      `json:"face_mode,omitempty"`
	Pingpong          bool     `json:"pingpong,omitempty"`
	Fade              bool     `json:"fade,omitempty"`
	FrameEnhancer     bool     `json:"frame_enhancer,omitempty"`
	FaceMask          bool     `json:"face_mask,omitempty"`
	FaceOccluder      bool     `json:"face_occluder,omitempty"`
	SkipCropGui       bool     `json:"skip_crop_gui,omitempty"`
	SkipFaceSelection bool     `json:"skip_face_selection,omitempty"`
	OutputPrefix      string   `json:"output_prefix,omitempty"`
	ExtraArgs         []string `json:"extra_args,omitempty"`
}

// FaceFusionOptions configures the face-swap worker. Passed through
// untouched.
type FaceFusionOptions struct {
	Processors           []string `json:"processors,omitempty"`
	FaceSwapperModel     string   `json:"face_swapper_model,omitempty"`
	FaceEnhancerModel    string   `json:"face_enhancer_model,omitempty"`
	FaceEnhancerBlend    int      `json:"face_enhancer_blend,omitempty"`
	ExecutionProviders   []string `json:"execution_providers,omitempty"`
	ExecutionThreadCount int      `json:"execution_thread_count,omitempty"`
	ExecutionQueueCount  int      `json:"execution_queue_count,omitempty"`
}

// PipelineRequest is the immutable input to a task. The engine is
// permitted to rewrite AudioKey, AudioBase64 and ReferenceAudioKey
// after the voice stage produces new audio; everything else is
// snapshotted at submit time.
type PipelineRequest struct {
	SourceKeys         []string          `json:"source_keys,omitempty"`
	TargetKey          string            `json:"target_key,omitempty"`
	AudioKey           string            `json:"audio_key,omitempty"`
	AudioBase64        string            `json:"audio_base64,omitempty"`
	ReferenceAudioKey  string            `json:"reference_audio_key,omitempty"`
	ScriptText         string            `json:"script_text,omitempty"`
	OutputKey          string            `json:"output_key,omitempty"`
	Wav2LipOutputKey   string            `json:"wav2lip_output_key,omitempty"`
	Sovits             SovitsOptions     `json:"sovits,omitempty"`
	RetainIntermediate *bool             `json:"retain_intermediate,omitempty"`
	Wav2Lip            Wav2LipOptions    `json:"wav2lip,omitempty"`
	FaceFusion         FaceFusionOptions `json:"facefusion,omitempty"`
}

// SetDefaults fills unset option fields with the worker defaults so a
// request snapshot always carries a complete options bag.
func (r *PipelineRequest) SetDefaults() {
	if r.RetainIntermediate == nil {
		t := true
		r.RetainIntermediate = &t
	}

	s := &r.Sovits
	if s.OutputPrefix == "" {
		s.OutputPrefix = "outputs/sovits"
	}
	if s.GptModel == "" {
		s.GptModel = "/opt/sovits/assets/gpt_sovits_models_hscene-e17.ckpt"
	}
	if s.SovitsModel == "" {
		s.SovitsModel = "/opt/sovits/GPT-SoVITS/GPT_SoVITS/pretrained_models/gsv-v4-pretrained/s2Gv4.pth"
	}
	if s.RefLanguage == "" {
		s.RefLanguage = "ja"
	}
	if s.TargetLanguage == "" {
		s.TargetLanguage = "ja"
	}
	if s.Cut == "" {
		s.Cut = "punctuation"
	}
	if s.TopP == 0 {
		s.TopP = 1.0
	}
	if s.Temperature == 0 {
		s.Temperature = 1.0
	}
	if s.Speed < 1.0 {
		s.Speed = 1.5
	}
	if s.SampleSteps == 0 {
		s.SampleSteps = 8
	}
	if s.PauseSecond == 0 {
		s.PauseSecond = 0.3
	}

	w := &r.Wav2Lip
	if w.CheckpointPath == "" {
		w.CheckpointPath = "checkpoints/wav2lip_gan.onnx"
	}
	if w.Enhancer == "" {
		w.Enhancer = "auto"
	}
	if w.Blending == 0 {
		w.Blending = 30
	}
	if w.OutputPrefix == "" {
		w.OutputPrefix = "outputs/wav2lip"
	}

	f := &r.FaceFusion
	if len(f.Processors) == 0 {
		f.Processors = []string{"face_swapper", "face_enhancer"}
	}
	if f.FaceSwapperModel == "" {
		f.FaceSwapperModel = "inswapper_128_fp16"
	}
	if f.FaceEnhancerModel == "" {
		f.FaceEnhancerModel = "gfpgan_1.4"
	}
	if f.FaceEnhancerBlend == 0 {
		f.FaceEnhancerBlend = 30
	}
	if len(f.ExecutionProviders) == 0 {
		f.ExecutionProviders = []string{"cuda"}
	}
	if f.ExecutionThreadCount == 0 {
		f.ExecutionThreadCount = 4
	}
	if f.ExecutionQueueCount == 0 {
		f.ExecutionQueueCount = 1
	}
}

// KeepIntermediate reports whether intermediate stage outputs should
// be embedded in the final result.
func (r *PipelineRequest) KeepIntermediate() bool {
	return r.RetainIntermediate == nil || *r.RetainIntermediate
}

// Snapshot converts the request into its loose JSON form for task
// records and worker payloads.
func (r *PipelineRequest) Snapshot() map[string]interface{} {
	raw, err := json.Marshal(r)
	if err != nil {
		return map[string]interface{}{}
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

// ProgressEntry is one append-only progress log line on a task.
type ProgressEntry struct {
	Timestamp string                 `json:"timestamp"`
	Message   string                 `json:"message"`
	Stage     string                 `json:"stage,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// SubmitResponse is returned by POST /run when the caller does not
// wait for completion.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status,omitempty"`
	State  string `json:"state,omitempty"`
	Stage  string `json:"stage,omitempty"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Version string  `json:"version"`
	OK      bool    `json:"ok"`
	CPUPct  float64 `json:"cpu_pct,omitempty"`
	MemPct  float64 `json:"mem_pct,omitempty"`
}
