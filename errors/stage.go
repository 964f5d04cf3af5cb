package errors

import (
	"encoding/json"
	"fmt"
)

// Error tags carried in task records. These are part of the client
// contract and must not change between releases.
const (
	TagSubmitFailed            = "runpod_submit_failed"
	TagStatusFailed            = "runpod_status_failed"
	TagJobFailed               = "runpod_job_failed"
	TagJobTimeout              = "runpod_job_timeout"
	TagOutputError             = "runpod_output_error"
	TagNoSovitsOutput          = "no_sovits_output"
	TagMissingSovitsOutputKey  = "missing_sovits_output_key"
	TagNoWav2LipOutput         = "no_wav2lip_output"
	TagNoFaceFusionOutput      = "no_facefusion_output"
	TagSovitsNotConfigured     = "sovits_not_configured"
	TagFaceFusionNotConfigured = "facefusion_not_configured"
	TagMissingReferenceAudio   = "missing_reference_audio"
	TagMissingAudioKey         = "missing_audio_key"
)

// StageError is a failure with a machine-readable tag and an arbitrary
// JSON-safe detail payload. It is what a task record's error field is
// built from.
type StageError struct {
	Tag    string
	Detail interface{}
}

func (e *StageError) Error() string {
	if e.Detail == nil {
		return e.Tag
	}
	if s, ok := e.Detail.(string); ok {
		return fmt.Sprintf("%s: %s", e.Tag, s)
	}
	if b, err := json.Marshal(e.Detail); err == nil {
		return fmt.Sprintf("%s: %s", e.Tag, b)
	}
	return e.Tag
}

// NewStage returns a StageError with the given tag and detail.
func NewStage(tag string, detail interface{}) *StageError {
	return &StageError{Tag: tag, Detail: detail}
}

// Payload converts an error into the structured form persisted on a
// failed task record. StageError values keep their tag; anything else
// is wrapped as {error: runtime_error, detail: <message>}.
func Payload(err error) map[string]interface{} {
	if se, ok := err.(*StageError); ok {
		out := map[string]interface{}{"error": se.Tag}
		if se.Detail != nil {
			out["detail"] = se.Detail
		}
		return out
	}
	return map[string]interface{}{"error": "runtime_error", "detail": err.Error()}
}
