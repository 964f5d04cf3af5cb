package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/lipdiffusion/orchestrator/api"
	"github.com/lipdiffusion/orchestrator/logger"
	"github.com/lipdiffusion/orchestrator/manager"
)

// HandleRun returns an http.HandlerFunc that submits a pipeline task.
// With ?wait=true the call blocks until the task is terminal and
// returns the full record; otherwise it returns the task ID.
func HandleRun(jobManager *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := time.Now()

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

		log := logger.FromRequest(r).
			WithField("task_id", taskID).
			WithField("latency", time.Since(st))

		if parseBool(r.URL.Query().Get("wait")) {
			record, err := jobManager.WaitForCompletion(r.Context(), taskID, parseSeconds(r.URL.Query().Get("timeout")))
			if err == context.DeadlineExceeded {
				writeError(w, err, http.StatusGatewayTimeout)
				return
			}
			if err != nil {
				WriteError(w, err)
				return
			}
			log.Infoln("api: pipeline completed")
			WriteJSON(w, record, http.StatusOK)
			return
		}

		record, err := jobManager.GetTask(r.Context(), taskID)
		if err != nil {
			WriteError(w, err)
			return
		}
		resp := api.SubmitResponse{TaskID: taskID}
		if record != nil {
			resp.Status, _ = record["status"].(string)
			resp.State, _ = record["state"].(string)
			resp.Stage, _ = record["stage"].(string)
		}
		log.Infoln("api: pipeline submitted")
		WriteJSON(w, resp, http.StatusOK)
	}
}

func parseBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

func parseSeconds(v string) time.Duration {
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}
