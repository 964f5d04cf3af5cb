package engine

import (
	"strings"

	"github.com/lipdiffusion/orchestrator/api"
)

// Plan is the set of stages a task will run, computed from the request
// shape before any stage starts.
type Plan struct {
	Sovits     bool
	Wav2Lip    bool
	FaceFusion bool
}

// PlanFor derives the execution plan from a request: voice synthesis
// runs when script text is present, lip-sync when a target video or
// source images are present, face-swap when source images are present.
func PlanFor(r *api.PipelineRequest) Plan {
	return Plan{
		Sovits:     strings.TrimSpace(r.ScriptText) != "",
		Wav2Lip:    r.TargetKey != "" || len(r.SourceKeys) > 0,
		FaceFusion: len(r.SourceKeys) > 0,
	}
}
