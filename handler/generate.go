package handler

import (
	"encoding/json"
	"net/http"

	"github.com/lipdiffusion/orchestrator/api"
	"github.com/lipdiffusion/orchestrator/logger"
	"github.com/lipdiffusion/orchestrator/manager"
)

// HandleGenerate returns an http.HandlerFunc that submits a pipeline
// task and returns the task ID without waiting.
func HandleGenerate(jobManager *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.PipelineRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteBadRequest(w, err)
			return
		}

		taskID, err := jobManager.Submit(r.Context(), &req)
		if err != nil {
			WriteError(w, err)
			return
		}

		logger.FromRequest(r).
			WithField("task_id", taskID).
			Infoln("api: generation submitted")
		WriteJSON(w, api.SubmitResponse{TaskID: taskID, Status: api.StatusPending, State: api.StatusPending, Stage: api.StageQueued}, http.StatusOK)
	}
}
